package session

import (
	"errors"
	"fmt"

	"github.com/michaelbrown/convo/internal/llm"
)

// ErrBusy is returned when an ask starts while another is in flight on the
// same session.
var ErrBusy = errors.New("session: another request is in progress")

// errStopped marks a stream whose consumer stopped iterating.
var errStopped = errors.New("session: stream consumer stopped")

// ToolLoopExceededError is returned when the model keeps requesting tools
// after MaxToolRounds passes. Turn is the assistant turn that asked for
// more; it is not added to history.
type ToolLoopExceededError struct {
	Limit int
	Turn  llm.Turn
}

func (e *ToolLoopExceededError) Error() string {
	names := make([]string, 0, len(e.Turn.ToolRequests()))
	for _, r := range e.Turn.ToolRequests() {
		names = append(names, r.Name)
	}
	return fmt.Sprintf("session: model still requested tools %v after %d rounds", names, e.Limit)
}
