package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"go.uber.org/zap"
)

var (
	errMissingFieldLoader = errors.New("room: field loader is required")
	noOpLogger            = zap.NewNop()
)

// FieldLoader reads the persisted field list once when a room is created, to
// seed conflict detection context.
type FieldLoader interface {
	LoadFields(ctx context.Context, documentID string) ([]collab.Field, error)
}

// OperationWriter receives accepted operations for asynchronous write-through
// to the document store. It must not block the caller.
type OperationWriter interface {
	Enqueue(documentID string, op collab.Operation)
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	FieldLoader     FieldLoader
	OperationWriter OperationWriter
	Resolver        *collab.Resolver
	HistoryLimit    int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Registry owns one room per active document: rooms are created on first
// join and destroyed when the last collaborator leaves. Every membership
// change runs under the registry mutex, so two rooms for one document can
// never coexist; hot-path calls fetch the room under a read lock and then
// serialize on the room's own mutex.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	loader       FieldLoader
	writer       OperationWriter
	resolver     *collab.Resolver
	historyLimit int
	clock        func() time.Time
	logger       *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.FieldLoader == nil {
		return nil, errMissingFieldLoader
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = collab.NewResolver(0)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		rooms:        make(map[string]*Room),
		loader:       cfg.FieldLoader,
		writer:       cfg.OperationWriter,
		resolver:     resolver,
		historyLimit: cfg.HistoryLimit,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Join attaches a connection to the document's room, creating the room on
// first join. The returned snapshot carries current collaborators, lock
// state, and the field list.
func (reg *Registry) Join(ctx context.Context, documentID string, identity auth.Identity, connectionID string, sink chan<- Event) (Snapshot, error) {
	reg.mu.RLock()
	existing := reg.rooms[documentID]
	reg.mu.RUnlock()

	// Load outside the registry lock; the load is discarded if another join
	// created the room first.
	var seed []collab.Field
	seedLoaded := false
	if existing == nil {
		loaded, err := reg.loader.LoadFields(ctx, documentID)
		if err != nil {
			return Snapshot{}, err
		}
		seed = loaded
		seedLoaded = true
	}

	// Attachment happens under the registry lock too: a last-leave or idle
	// sweep racing this join must either see the member or run first, never
	// destroy the room between lookup and attach. If the room the peek saw
	// was destroyed in the meantime, drop the lock to load the seed and try
	// again.
	for {
		reg.mu.Lock()
		r, ok := reg.rooms[documentID]
		if !ok && !seedLoaded {
			reg.mu.Unlock()
			loaded, err := reg.loader.LoadFields(ctx, documentID)
			if err != nil {
				return Snapshot{}, err
			}
			seed = loaded
			seedLoaded = true
			continue
		}
		if !ok {
			r = newRoom(documentID, seed, reg.historyLimit, reg.logger)
			reg.rooms[documentID] = r
			reg.logger.Info("room created", zap.String("document_id", documentID))
		}
		snapshot := r.join(identity, connectionID, sink, reg.clock())
		reg.mu.Unlock()

		reg.logger.Debug("collaborator joined",
			zap.String("document_id", documentID),
			zap.String("connection_id", connectionID),
			zap.String("user_id", identity.UserID))
		return snapshot, nil
	}
}

// Leave removes the connection from the document's room, releasing any held
// lock, and destroys the room when it empties. Safe to call repeatedly: a
// leave racing an idle eviction for the same connection is a no-op the
// second time.
func (reg *Registry) Leave(documentID, connectionID string, reason LeaveReason) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[documentID]
	if !ok {
		return
	}
	removed, empty := r.leave(connectionID, reason, reg.clock())
	if removed {
		reg.logger.Debug("collaborator left",
			zap.String("document_id", documentID),
			zap.String("connection_id", connectionID),
			zap.String("reason", string(reason)))
	}
	if empty {
		delete(reg.rooms, documentID)
		reg.logger.Info("room destroyed", zap.String("document_id", documentID))
	}
}

// SubmitOperation routes one structural edit through the room's resolver.
// Accepted and merged operations are broadcast and handed to the write-through
// queue; rejections are returned to the caller only.
func (reg *Registry) SubmitOperation(ctx context.Context, documentID, connectionID string, op collab.Operation) (collab.Decision, error) {
	r, err := reg.room(documentID)
	if err != nil {
		return collab.Decision{}, err
	}

	decision, err := r.submit(reg.resolver, connectionID, op, reg.clock())
	if err != nil {
		return collab.Decision{}, err
	}

	if decision.Outcome != collab.OutcomeRejected && reg.writer != nil {
		reg.writer.Enqueue(documentID, decision.Operation)
	}
	return decision, nil
}

// UpdateCursor records the calling collaborator's cursor and broadcasts the
// delta to everyone else in the room.
func (reg *Registry) UpdateCursor(documentID, connectionID string, x, y float64) error {
	r, err := reg.room(documentID)
	if err != nil {
		return err
	}
	return r.updateCursor(connectionID, x, y, reg.clock())
}

// UpdateSelection records the calling collaborator's field selection. An
// empty field id clears the selection.
func (reg *Registry) UpdateSelection(documentID, connectionID, fieldID string) error {
	r, err := reg.room(documentID)
	if err != nil {
		return err
	}
	return r.updateSelection(connectionID, fieldID, reg.clock())
}

// RequestLock attempts to acquire the document's single-writer lock.
func (reg *Registry) RequestLock(documentID, connectionID string) error {
	r, err := reg.room(documentID)
	if err != nil {
		return err
	}
	return r.requestLock(connectionID, reg.clock())
}

// ReleaseLock releases the lock if the caller holds it; otherwise a no-op.
func (reg *Registry) ReleaseLock(documentID, connectionID string) error {
	r, err := reg.room(documentID)
	if err != nil {
		return err
	}
	return r.releaseLock(connectionID, reg.clock())
}

// HasRoom reports whether a live room exists for the document.
func (reg *Registry) HasRoom(documentID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[documentID]
	return ok
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// sweepIdle evicts collaborators inactive since before cutoff and destroys
// rooms that become empty. Returns the number of evicted collaborators.
func (reg *Registry) sweepIdle(cutoff time.Time) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	evicted := 0
	now := reg.clock()
	for documentID, r := range reg.rooms {
		for _, connectionID := range r.idleConnections(cutoff) {
			if removed, _ := r.leave(connectionID, LeaveReasonIdle, now); removed {
				evicted++
				reg.logger.Info("collaborator evicted for inactivity",
					zap.String("document_id", documentID),
					zap.String("connection_id", connectionID))
			}
		}
		if r.memberCount() == 0 {
			delete(reg.rooms, documentID)
			reg.logger.Info("room destroyed", zap.String("document_id", documentID))
		}
	}
	return evicted
}

func (reg *Registry) room(documentID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[documentID]
	if !ok {
		return nil, ErrNotInRoom
	}
	return r, nil
}
