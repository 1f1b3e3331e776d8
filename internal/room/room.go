package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"go.uber.org/zap"
)

var (
	// ErrNotInRoom indicates a message referenced a document the connection
	// never joined.
	ErrNotInRoom = errors.New("room: connection is not a member of this document")
)

// LockDeniedError is returned to a lock requester while another collaborator
// holds the lock. It is informational, not a failure: the state is unchanged
// and the holder's display name is carried for the client to show.
type LockDeniedError struct {
	HolderConnectionID string
	HolderDisplayName  string
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("room: lock held by %s", e.HolderDisplayName)
}

// member pairs a collaborator's state with its event sink.
type member struct {
	state Collaborator
	sink  chan<- Event
}

// Room is the live collaborative session for one document. All mutation is
// serialized on its mutex, so the resolver always observes a linear history.
// Rooms are created and destroyed only by the registry.
type Room struct {
	documentID string

	mu         sync.Mutex
	members    map[string]*member
	lockHolder string
	history    *collab.History
	fields     []collab.Field
	colors     *colorPool

	logger *zap.Logger
}

func newRoom(documentID string, fields []collab.Field, historyLimit int, logger *zap.Logger) *Room {
	return &Room{
		documentID: documentID,
		members:    make(map[string]*member),
		history:    collab.NewHistory(historyLimit),
		fields:     fields,
		colors:     newColorPool(),
		logger:     logger,
	}
}

// join registers the connection and returns the snapshot the client renders
// from. Joining twice refreshes the member's sink and activity.
func (r *Room) join(identity auth.Identity, connectionID string, sink chan<- Event, now time.Time) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.members[connectionID]
	if ok {
		existing.sink = sink
		existing.state.touch(now)
		return r.snapshotLocked()
	}

	state := Collaborator{
		UserID:         identity.UserID,
		ConnectionID:   connectionID,
		DisplayName:    identity.DisplayName,
		ColorToken:     r.colors.acquire(),
		LastActivityAt: now,
	}
	r.members[connectionID] = &member{state: state, sink: sink}

	r.broadcastLocked(Event{
		Kind:         EventCollaboratorJoined,
		DocumentID:   r.documentID,
		Collaborator: state,
		Timestamp:    now,
	}, connectionID)

	return r.snapshotLocked()
}

// leave removes the connection, releasing the lock if held. It is idempotent:
// a second call for the same connection is a no-op. Returns whether a member
// was removed and whether the room is now empty.
func (r *Room) leave(connectionID string, reason LeaveReason, now time.Time) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return false, len(r.members) == 0
	}

	delete(r.members, connectionID)
	r.colors.release(m.state.ColorToken)

	if r.lockHolder == connectionID {
		r.lockHolder = ""
		r.broadcastLocked(Event{
			Kind:         EventLockReleased,
			DocumentID:   r.documentID,
			Collaborator: m.state,
			Timestamp:    now,
		}, "")
	}

	r.broadcastLocked(Event{
		Kind:         EventCollaboratorLeft,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Reason:       reason,
		Timestamp:    now,
	}, "")

	return true, len(r.members) == 0
}

func (r *Room) updateCursor(connectionID string, x, y float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return ErrNotInRoom
	}
	m.state.Cursor = &Cursor{X: x, Y: y}
	m.state.touch(now)

	r.broadcastLocked(Event{
		Kind:         EventCursor,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Timestamp:    now,
	}, connectionID)
	return nil
}

func (r *Room) updateSelection(connectionID, fieldID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return ErrNotInRoom
	}
	m.state.SelectionFieldID = fieldID
	m.state.touch(now)

	r.broadcastLocked(Event{
		Kind:         EventSelection,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Timestamp:    now,
	}, connectionID)
	return nil
}

// requestLock transitions Unlocked -> Locked(connectionID) and confirms to
// the whole room, requester included. While locked by another holder it
// returns LockDeniedError and changes nothing.
func (r *Room) requestLock(connectionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return ErrNotInRoom
	}
	m.state.touch(now)

	if r.lockHolder != "" && r.lockHolder != connectionID {
		holder := r.members[r.lockHolder]
		return &LockDeniedError{
			HolderConnectionID: r.lockHolder,
			HolderDisplayName:  holder.state.DisplayName,
		}
	}

	r.lockHolder = connectionID
	r.broadcastLocked(Event{
		Kind:         EventLockAcquired,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Timestamp:    now,
	}, "")
	return nil
}

// releaseLock is a no-op unless the caller is the holder, so disconnect
// races stay idempotent.
func (r *Room) releaseLock(connectionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return ErrNotInRoom
	}
	m.state.touch(now)

	if r.lockHolder != connectionID {
		return nil
	}

	r.lockHolder = ""
	r.broadcastLocked(Event{
		Kind:         EventLockReleased,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Timestamp:    now,
	}, "")
	return nil
}

// submit resolves the operation against the room's field list and history.
// Accepted and merged operations are appended to history before any
// broadcast; rejections are returned to the caller and never stored.
func (r *Room) submit(resolver *collab.Resolver, connectionID string, op collab.Operation, now time.Time) (collab.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return collab.Decision{}, ErrNotInRoom
	}
	m.state.touch(now)

	decision := resolver.Resolve(op, r.fields, r.history)
	if decision.Outcome == collab.OutcomeRejected {
		return decision, nil
	}

	accepted := decision.Operation
	r.fields = collab.ApplyToFields(r.fields, accepted)
	r.history.Append(accepted)

	r.broadcastLocked(Event{
		Kind:         EventOperationAccepted,
		DocumentID:   r.documentID,
		Collaborator: m.state,
		Operation:    accepted,
		Outcome:      decision.Outcome,
		Timestamp:    now,
	}, "")

	return decision, nil
}

// idleConnections returns the members whose last activity predates cutoff.
func (r *Room) idleConnections(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := make([]string, 0)
	for connectionID, m := range r.members {
		if m.state.LastActivityAt.Before(cutoff) {
			idle = append(idle, connectionID)
		}
	}
	return idle
}

func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// broadcastLocked fans the event out to every member except the excluded
// connection. Sends are non-blocking: a full sink drops the event and logs,
// so one slow consumer never stalls the room's serialization point. A
// reconnecting client recovers through the join snapshot.
func (r *Room) broadcastLocked(event Event, excludeConnectionID string) {
	for connectionID, m := range r.members {
		if connectionID == excludeConnectionID {
			continue
		}
		select {
		case m.sink <- event:
		default:
			r.logger.Warn("dropping room event for slow consumer",
				zap.String("document_id", r.documentID),
				zap.String("connection_id", connectionID),
				zap.String("event", string(event.Kind)))
		}
	}
}

func (r *Room) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		DocumentID:    r.documentID,
		Collaborators: make([]Collaborator, 0, len(r.members)),
		LockHolder:    r.lockHolder,
		Fields:        append([]collab.Field(nil), r.fields...),
	}
	for _, m := range r.members {
		snapshot.Collaborators = append(snapshot.Collaborators, m.state)
	}
	if holder, ok := r.members[r.lockHolder]; ok {
		snapshot.LockHolderName = holder.state.DisplayName
	}
	return snapshot
}
