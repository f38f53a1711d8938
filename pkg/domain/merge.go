package domain

import "time"

// TaskPatch is the normalized content of one completion notice (or internal
// transition) to be merged into a submission's task map.
type TaskPatch struct {
	TaskID       string
	Status       TaskStatus
	CompletedAt  *time.Time
	Result       map[string]any
	Error        string
	ErrorDetails string
}

// MergeOutcome classifies what a merge did to the stored record.
type MergeOutcome string

const (
	// MergeApplied means the patch produced a state transition.
	MergeApplied MergeOutcome = "applied"
	// MergeDuplicate means the record was already terminal for the same
	// task id; the delivery was absorbed and nothing changed.
	MergeDuplicate MergeOutcome = "duplicate"
	// MergeRedispatch means a terminal record was replaced because the
	// notice carried a different task id (the carrier task was re-run).
	MergeRedispatch MergeOutcome = "redispatch"
)

// ApplyPatch is the task state machine. It never mutates existing; both
// persistence providers run it inside their per-submission critical section
// so the transition rules live in exactly one place.
//
// Rules:
//   - no prior record: the patch becomes the record; submittedAt falls back
//     to the notice's completedAt (dispatch was never recorded, so the two
//     timestamps coincide).
//   - prior record terminal, same task id: duplicate delivery, unchanged.
//   - prior record terminal, different task id: the task was re-dispatched;
//     the patch wins wholesale.
//   - otherwise: transition in place; submittedAt is kept, result is
//     attached only on completed, error only on failed.
func ApplyPatch(existing *CarrierTask, carrier Carrier, p TaskPatch) (CarrierTask, MergeOutcome) {
	if existing != nil && existing.Status.Terminal() {
		if existing.TaskID == p.TaskID {
			return *existing, MergeDuplicate
		}
		return freshFromPatch(carrier, p), MergeRedispatch
	}

	if existing == nil {
		return freshFromPatch(carrier, p), MergeApplied
	}

	next := *existing
	next.TaskID = p.TaskID
	next.Status = p.Status
	next.CompletedAt = nil
	next.Result = nil
	next.Error = ""
	next.ErrorDetails = ""
	if next.SubmittedAt.IsZero() && p.CompletedAt != nil {
		next.SubmittedAt = *p.CompletedAt
	}
	applyTerminalFields(&next, p)
	return next, MergeApplied
}

func freshFromPatch(carrier Carrier, p TaskPatch) CarrierTask {
	t := CarrierTask{
		Carrier: carrier,
		TaskID:  p.TaskID,
		Status:  p.Status,
	}
	if p.CompletedAt != nil {
		t.SubmittedAt = *p.CompletedAt
	}
	applyTerminalFields(&t, p)
	return t
}

func applyTerminalFields(t *CarrierTask, p TaskPatch) {
	switch p.Status {
	case StatusCompleted:
		t.CompletedAt = p.CompletedAt
		t.Result = p.Result
	case StatusFailed:
		t.CompletedAt = p.CompletedAt
		t.Error = p.Error
		t.ErrorDetails = p.ErrorDetails
	}
}
