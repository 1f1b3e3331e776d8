package room

import (
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
)

// EventKind enumerates the room events fanned out to collaborators. The set
// is closed; the gateway matches on it exhaustively when encoding frames.
type EventKind string

const (
	EventCollaboratorJoined EventKind = "collaborator-joined"
	EventCollaboratorLeft   EventKind = "collaborator-left"
	EventCursor             EventKind = "cursor"
	EventSelection          EventKind = "selection"
	EventLockAcquired       EventKind = "lock-acquired"
	EventLockReleased       EventKind = "lock-released"
	EventOperationAccepted  EventKind = "operation-accepted"
)

// LeaveReason distinguishes how a collaborator left a room.
type LeaveReason string

const (
	LeaveReasonExplicit   LeaveReason = "explicit"
	LeaveReasonDisconnect LeaveReason = "disconnect"
	LeaveReasonIdle       LeaveReason = "idle"
)

// Event is one room-scoped notification. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind         EventKind
	DocumentID   string
	Collaborator Collaborator
	Reason       LeaveReason
	Operation    collab.Operation
	Outcome      collab.Outcome
	Timestamp    time.Time
}

// Snapshot is the full room state returned to a joining collaborator so it
// can render existing members and lock state.
type Snapshot struct {
	DocumentID     string
	Collaborators  []Collaborator
	LockHolder     string
	LockHolderName string
	Fields         []collab.Field
}
