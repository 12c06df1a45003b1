package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExecutionStatusEvent is the normalized execution lifecycle event. Field
// names and shapes are stable here regardless of protocol revisions; the
// decoder absorbs legacy field spellings so listeners never have to.
type ExecutionStatusEvent struct {
	ExecutionID string
	Status      string
	Done        bool
	Result      json.RawMessage
	Error       string
}

type executionStatusFrame struct {
	ExecutionID       string          `json:"executionId"`
	LegacyExecutionID string          `json:"execution_id"`
	Status            string          `json:"status"`
	Done              *bool           `json:"done"`
	Result            json.RawMessage `json:"result"`
	Error             string          `json:"error"`
	LegacyError       string          `json:"errorMessage"`
}

func DecodeExecutionStatus(raw json.RawMessage) (ExecutionStatusEvent, error) {
	var frame executionStatusFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ExecutionStatusEvent{}, fmt.Errorf("malformed execution status event: %w", err)
	}
	id := strings.TrimSpace(frame.ExecutionID)
	if id == "" {
		id = strings.TrimSpace(frame.LegacyExecutionID)
	}
	if id == "" {
		return ExecutionStatusEvent{}, fmt.Errorf("execution status event is missing an execution id")
	}
	event := ExecutionStatusEvent{
		ExecutionID: id,
		Status:      strings.TrimSpace(frame.Status),
		Result:      frame.Result,
		Error:       frame.Error,
	}
	if event.Error == "" {
		event.Error = frame.LegacyError
	}
	if frame.Done != nil {
		event.Done = *frame.Done
	} else {
		// Older servers omit the completion flag; fall back to the status.
		event.Done = Classify(event.Status).Terminal()
	}
	return event, nil
}
