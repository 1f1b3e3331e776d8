package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"github.com/MarcoPoloResearchLab/formdeck/internal/room"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBufferSize = 32
	defaultPongTimeout    = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// connection runs one authenticated websocket session. The read loop is the
// only goroutine touching registry state for this connection; the write loop
// is the only goroutine writing to the socket. Outbound traffic reaches the
// write loop over two buffered channels: direct replies from the read loop
// and fan-out events from the rooms this connection joined.
type connection struct {
	ws           *websocket.Conn
	connectionID string
	identity     auth.Identity
	registry     *room.Registry
	clock        func() time.Time
	ids          collab.IDProvider
	logger       *zap.Logger

	send        chan serverMessage
	events      chan room.Event
	joined      map[string]struct{}
	done        chan struct{}
	pongTimeout time.Duration
}

func newConnection(ws *websocket.Conn, connectionID string, identity auth.Identity, deps Dependencies) *connection {
	bufferSize := deps.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	pongTimeout := deps.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}
	return &connection{
		ws:           ws,
		connectionID: connectionID,
		identity:     identity,
		registry:     deps.Registry,
		clock:        deps.Clock,
		ids:          deps.IDProvider,
		logger:       deps.Logger,
		send:         make(chan serverMessage, bufferSize),
		events:       make(chan room.Event, bufferSize),
		joined:       make(map[string]struct{}),
		done:         make(chan struct{}),
		pongTimeout:  pongTimeout,
	}
}

// run blocks until the socket closes. On exit the connection is removed from
// every room it joined, with the disconnect reason, lock release included.
// The write loop pings on a fraction of the pong timeout and the read
// deadline is refreshed only by pongs, so a silently dead peer is detected
// here instead of waiting for the idle reaper.
func (c *connection) run(ctx context.Context) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	go c.writeLoop()
	defer c.cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var message clientMessage
		if err := c.ws.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed",
					zap.String("connection_id", c.connectionID),
					zap.Error(err))
			}
			return
		}
		c.handle(ctx, message)
	}
}

func (c *connection) cleanup() {
	for documentID := range c.joined {
		c.registry.Leave(documentID, c.connectionID, room.LeaveReasonDisconnect)
	}
	close(c.done)
	_ = c.ws.Close()
}

func (c *connection) handle(ctx context.Context, message clientMessage) {
	documentID := strings.TrimSpace(message.DocumentID)
	if documentID == "" {
		c.reply(serverMessage{Type: serverMessageError, Error: "documentId is required"})
		return
	}

	switch message.Type {
	case clientMessageJoin:
		c.handleJoin(ctx, documentID)
	case clientMessageLeave:
		c.handleLeave(documentID)
	case clientMessageSubmitOperation:
		c.handleSubmit(ctx, documentID, message)
	case clientMessageCursor:
		c.handleCursor(documentID, message)
	case clientMessageSelection:
		c.handleSelection(documentID, message)
	case clientMessageRequestLock:
		c.handleRequestLock(documentID)
	case clientMessageReleaseLock:
		c.handleReleaseLock(documentID)
	default:
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      "unknown message type: " + message.Type,
		})
	}
}

func (c *connection) handleJoin(ctx context.Context, documentID string) {
	snapshot, err := c.registry.Join(ctx, documentID, c.identity, c.connectionID, c.events)
	if err != nil {
		c.logger.Error("join failed",
			zap.String("document_id", documentID),
			zap.String("connection_id", c.connectionID),
			zap.Error(err))
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      "failed to join document",
		})
		return
	}
	c.joined[documentID] = struct{}{}
	c.reply(encodeSnapshot(snapshot))
}

func (c *connection) handleLeave(documentID string) {
	c.registry.Leave(documentID, c.connectionID, room.LeaveReasonExplicit)
	delete(c.joined, documentID)
}

func (c *connection) handleSubmit(ctx context.Context, documentID string, message clientMessage) {
	if message.Operation == nil {
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      "submit-operation requires an operation",
		})
		return
	}

	op, err := decodeOperation(*message.Operation, c.connectionID, c.clock())
	if err != nil {
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      err.Error(),
		})
		return
	}
	if op.ID == "" {
		id, idErr := c.ids.NewID()
		if idErr != nil {
			c.reply(serverMessage{
				Type:       serverMessageError,
				DocumentID: documentID,
				Error:      "failed to assign operation id",
			})
			return
		}
		op.ID = id
	}
	if err := op.Validate(); err != nil {
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      err.Error(),
		})
		return
	}

	decision, err := c.registry.SubmitOperation(ctx, documentID, c.connectionID, op)
	if err != nil {
		c.replyError(documentID, err)
		return
	}
	// Accepted and merged operations come back through the room broadcast.
	if decision.Outcome == collab.OutcomeRejected {
		c.reply(serverMessage{
			Type:       serverMessageOperationRejected,
			DocumentID: documentID,
			Operation:  encodeOperation(op),
			Outcome:    string(decision.Outcome),
			Reason:     decision.Reason,
		})
	}
}

func (c *connection) handleCursor(documentID string, message clientMessage) {
	if message.Cursor == nil {
		c.reply(serverMessage{
			Type:       serverMessageError,
			DocumentID: documentID,
			Error:      "cursor requires coordinates",
		})
		return
	}
	if err := c.registry.UpdateCursor(documentID, c.connectionID, message.Cursor.X, message.Cursor.Y); err != nil {
		c.replyError(documentID, err)
	}
}

func (c *connection) handleSelection(documentID string, message clientMessage) {
	if err := c.registry.UpdateSelection(documentID, c.connectionID, message.FieldID); err != nil {
		c.replyError(documentID, err)
	}
}

func (c *connection) handleRequestLock(documentID string) {
	err := c.registry.RequestLock(documentID, c.connectionID)
	if err == nil {
		return
	}
	var denied *room.LockDeniedError
	if errors.As(err, &denied) {
		c.reply(serverMessage{
			Type:           serverMessageLockDenied,
			DocumentID:     documentID,
			LockHolder:     denied.HolderConnectionID,
			LockHolderName: denied.HolderDisplayName,
		})
		return
	}
	c.replyError(documentID, err)
}

func (c *connection) handleReleaseLock(documentID string) {
	if err := c.registry.ReleaseLock(documentID, c.connectionID); err != nil {
		c.replyError(documentID, err)
	}
}

func (c *connection) replyError(documentID string, err error) {
	text := "internal error"
	if errors.Is(err, room.ErrNotInRoom) {
		text = "not a member of this document"
	}
	c.reply(serverMessage{
		Type:       serverMessageError,
		DocumentID: documentID,
		Error:      text,
	})
}

// reply queues a direct frame for the write loop. The same drop-on-full
// policy as room broadcasts applies, so a stalled socket never blocks the
// read loop.
func (c *connection) reply(message serverMessage) {
	select {
	case c.send <- message:
	default:
		c.logger.Warn("dropping reply for slow consumer",
			zap.String("connection_id", c.connectionID),
			zap.String("type", message.Type))
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.pongTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			if !c.write(message) {
				return
			}
		case event := <-c.events:
			if !c.write(encodeEvent(event)) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) write(message serverMessage) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(message); err != nil {
		c.logger.Debug("websocket write failed",
			zap.String("connection_id", c.connectionID),
			zap.Error(err))
		_ = c.ws.Close()
		return false
	}
	return true
}
