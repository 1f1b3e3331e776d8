package collab

import (
	"fmt"
	"time"
)

const defaultConflictWindow = 2 * time.Second

// Outcome classifies a resolver decision.
type Outcome string

const (
	// OutcomeAccepted means the operation applies unchanged.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeMerged means the operation applies after adjustment.
	OutcomeMerged Outcome = "merged"
	// OutcomeRejected means the operation must not apply; the client
	// resubmits against fresh state.
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons surfaced to the submitting client.
const (
	ReasonStaleUpdate    = "a newer update to the same field is already applied"
	ReasonFieldDeleted   = "the target field was deleted by a concurrent operation"
	ReasonUnknownField   = "the target field does not exist"
	ReasonReorderOverlap = "a concurrent reorder overlaps the same index range"
)

// Decision is the fate of one submitted operation. For Accepted and Merged
// the Operation carries the final form to apply and broadcast.
type Decision struct {
	Outcome   Outcome
	Operation Operation
	Reason    string
}

// Resolver arbitrates an incoming operation against the recent accepted
// history of a document. It is a pure decision function: given the same
// operation, field list, and history it always returns the same decision.
//
// The policy is deliberately simple (last-writer-wins plus position nudging)
// and relies on the per-document serialization point for its guarantees; it
// is not a CRDT and makes no convergence promise under partition.
type Resolver struct {
	window time.Duration
}

// NewResolver builds a resolver with the given concurrency window. History
// entries submitted within the window of the incoming operation are treated
// as concurrent rather than causally preceding.
func NewResolver(window time.Duration) *Resolver {
	if window <= 0 {
		window = defaultConflictWindow
	}
	return &Resolver{window: window}
}

// Resolve decides the fate of op against the current field list and history.
func (r *Resolver) Resolve(op Operation, fields []Field, history *History) Decision {
	if err := op.Validate(); err != nil {
		return Decision{Outcome: OutcomeRejected, Operation: op, Reason: err.Error()}
	}

	concurrent := history.Recent(r.window, op.SubmittedAt)
	adjusted := op
	merged := false

	for _, prior := range concurrent {
		switch {
		case prior.Type == OperationTypeDelete && targetsField(op, prior.TargetFieldID):
			// Delete wins over any concurrent operation on the same field.
			return Decision{Outcome: OutcomeRejected, Operation: op, Reason: ReasonFieldDeleted}

		case op.Type == OperationTypeUpdate && prior.Type == OperationTypeUpdate &&
			prior.TargetFieldID == op.TargetFieldID:
			// Last writer wins by submission time.
			if op.SubmittedAt.Before(prior.SubmittedAt) {
				return Decision{Outcome: OutcomeRejected, Operation: op, Reason: ReasonStaleUpdate}
			}

		case op.Type == OperationTypeAdd && prior.Type == OperationTypeAdd &&
			prior.Position == adjusted.Position:
			// Append-after: nudge the second add one slot down instead of
			// silently stacking both at one position.
			adjusted.Position++
			merged = true

		case op.Type == OperationTypeReorder && prior.Type == OperationTypeReorder &&
			rangesOverlap(op, prior):
			return Decision{Outcome: OutcomeRejected, Operation: op, Reason: ReasonReorderOverlap}
		}
	}

	if op.Type == OperationTypeUpdate || op.Type == OperationTypeDelete {
		if _, ok := FindField(fields, op.TargetFieldID); !ok {
			return Decision{Outcome: OutcomeRejected, Operation: op, Reason: ReasonUnknownField}
		}
	}

	if merged {
		return Decision{Outcome: OutcomeMerged, Operation: adjusted}
	}
	return Decision{Outcome: OutcomeAccepted, Operation: op}
}

// targetsField reports whether op addresses the given field, for any type
// that carries a target.
func targetsField(op Operation, fieldID string) bool {
	if fieldID == "" {
		return false
	}
	switch op.Type {
	case OperationTypeUpdate, OperationTypeDelete, OperationTypeAdd:
		return op.TargetFieldID == fieldID
	default:
		return false
	}
}

func rangesOverlap(a, b Operation) bool {
	aLow, aHigh := ordered(a.FromIndex, a.ToIndex)
	bLow, bHigh := ordered(b.FromIndex, b.ToIndex)
	return aLow <= bHigh && bLow <= aHigh
}

func ordered(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// String implements fmt.Stringer for log output.
func (d Decision) String() string {
	if d.Outcome == OutcomeRejected {
		return fmt.Sprintf("%s (%s)", d.Outcome, d.Reason)
	}
	return string(d.Outcome)
}
