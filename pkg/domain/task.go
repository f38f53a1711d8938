package domain

import (
	"encoding"
	"time"
)

// Carrier identifies an external automation integration, not the insurance
// company entity used elsewhere in the submission tracker.
type Carrier string

const (
	CarrierEncova  Carrier = "encova"
	CarrierGuard   Carrier = "guard"
	CarrierAmtrust Carrier = "amtrust"
)

// DefaultCarriers is the supported set used when the config does not
// override it.
func DefaultCarriers() []Carrier {
	return []Carrier{CarrierEncova, CarrierGuard, CarrierAmtrust}
}

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is accepted for this status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CarrierTask tracks one automation attempt for a (submission, carrier) pair.
// TaskID is assigned by the external worker at dispatch time and correlates
// duplicate completion deliveries.
type CarrierTask struct {
	Carrier      Carrier        `json:"carrier"`
	TaskID       string         `json:"taskId"`
	Status       TaskStatus     `json:"status"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Result       map[string]any `json:"result,omitempty"` // opaque worker output
	Error        string         `json:"error,omitempty"`
	ErrorDetails string         `json:"errorDetails,omitempty"`
}

// TaskMap is a submission's per-carrier task view, the unit the store
// persists and rewrites atomically.
type TaskMap map[Carrier]CarrierTask

// Clone returns a copy safe to hand to callers.
func (m TaskMap) Clone() TaskMap {
	out := make(TaskMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Settled reports whether no task remains in a non-terminal state. An empty
// map is settled: no automation in flight is a valid state.
func (m TaskMap) Settled() bool {
	for _, t := range m {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

var (
	_ encoding.BinaryMarshaler = Carrier("")
	_ encoding.TextMarshaler   = Carrier("")
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (c Carrier) MarshalBinary() ([]byte, error) { return []byte(string(c)), nil }
func (c Carrier) MarshalText() ([]byte, error)   { return []byte(string(c)), nil }

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
