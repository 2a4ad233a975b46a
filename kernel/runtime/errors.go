package runtime

import (
	"errors"
	"fmt"
)

// ConversationBusyError indicates one conversation already has an in-flight
// run, in this process or marked as processing in storage.
type ConversationBusyError struct {
	UserID         string
	ConversationID string
}

func (e *ConversationBusyError) Error() string {
	if e == nil {
		return "runtime: conversation is busy"
	}
	return fmt.Sprintf("runtime: conversation %q is busy for user=%q", e.ConversationID, e.UserID)
}

func IsConversationBusy(err error) bool {
	var target *ConversationBusyError
	return errors.As(err, &target)
}
