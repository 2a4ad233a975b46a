package providers

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error bodies are capped so a misbehaving endpoint cannot balloon logs.
const maxErrorBodyBytes = 4096

// statusError turns a non-2xx response into an error carrying the status
// code and a bounded slice of the body, which usually holds the provider's
// actual complaint.
func statusError(resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("providers: empty http response")
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return fmt.Errorf("providers: http status %d", resp.StatusCode)
	}
	return fmt.Errorf("providers: http status %d: %s", resp.StatusCode, body)
}
