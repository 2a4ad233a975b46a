package providers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStopSSE ends an SSE stream without error, from inside an onData
// callback or on the terminal [DONE] sentinel.
var errStopSSE = errors.New("providers: stop sse")

// readSSE feeds each server-sent event's data payload to onData. Multi-line
// data fields are joined with newlines per the SSE wire format; event and id
// fields are ignored since the chat endpoints never use them.
func readSSE(reader io.Reader, onData func([]byte) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var dataLines []string
	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		chunk := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		switch chunk {
		case "":
			return nil
		case "[DONE]":
			return errStopSSE
		}
		return onData([]byte(chunk))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				if errors.Is(err, errStopSSE) {
					return nil
				}
				return err
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("providers: sse scanner: %w", err)
	}
	if err := flush(); err != nil && !errors.Is(err, errStopSSE) {
		return err
	}
	return nil
}
