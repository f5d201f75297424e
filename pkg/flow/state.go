// Package flow tracks deduplicated, TTL-bounded asynchronous operations
// ("flows") in an expiring key/value store. Concurrent callers that start
// the same flow converge on a single record and share its outcome.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle status of a flow.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrFlowTimeout is returned when a flow stays PENDING longer than the
	// manager's TTL. The record is deleted so a fresh attempt can start.
	ErrFlowTimeout = errors.New("flow timed out")

	// ErrFlowCanceled is returned when the caller's context ends while
	// waiting. The record is deleted.
	ErrFlowCanceled = errors.New("flow canceled")

	// ErrFlowDeleted is returned to waiters whose PENDING flow vanished
	// before reaching a final status.
	ErrFlowDeleted = errors.New("flow deleted")

	// ErrFlowNotFound is returned by GetFlowState for unknown flows.
	ErrFlowNotFound = errors.New("flow not found")
)

// FlowError is the error recorded by a FAILED flow.
type FlowError struct {
	Type    string
	ID      string
	Message string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("flow %s:%s failed: %s", e.Type, e.ID, e.Message)
}

// State is the persisted record of a flow.
type State[T any] struct {
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Result      T               `json:"result,omitzero"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	FailedAt    time.Time       `json:"failedAt,omitzero"`
}

// DecodeMetadata unmarshals the flow's metadata into v.
func (s *State[T]) DecodeMetadata(v any) error {
	if len(s.Metadata) == 0 {
		return errors.New("flow has no metadata")
	}
	return json.Unmarshal(s.Metadata, v)
}

// Key returns the store key for a flow: "<type>:<flowID>".
func Key(flowType, flowID string) string {
	return flowType + ":" + flowID
}
