package server

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"github.com/MarcoPoloResearchLab/formdeck/internal/room"
)

// Client message kinds. The set is closed: anything else is answered with an
// error frame and ignored.
const (
	clientMessageJoin            = "join"
	clientMessageLeave           = "leave"
	clientMessageSubmitOperation = "submit-operation"
	clientMessageCursor          = "cursor"
	clientMessageSelection       = "selection"
	clientMessageRequestLock     = "request-lock"
	clientMessageReleaseLock     = "release-lock"
)

// Server message kinds.
const (
	serverMessageSnapshot           = "snapshot"
	serverMessageCollaboratorJoined = "collaborator-joined"
	serverMessageCollaboratorLeft   = "collaborator-left"
	serverMessageCursor             = "cursor"
	serverMessageSelection          = "selection"
	serverMessageLockAcquired       = "lock-acquired"
	serverMessageLockReleased       = "lock-released"
	serverMessageLockDenied         = "lock-denied"
	serverMessageOperationAccepted  = "operation-accepted"
	serverMessageOperationRejected  = "operation-rejected"
	serverMessageError              = "error"
)

type clientMessage struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"documentId"`
	Operation  *operationPayload `json:"operation,omitempty"`
	Cursor     *cursorPayload    `json:"cursor,omitempty"`
	FieldID    string            `json:"fieldId,omitempty"`
}

type operationPayload struct {
	ID            string          `json:"id,omitempty"`
	Type          string          `json:"type"`
	TargetFieldID string          `json:"targetFieldId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Position      int             `json:"position,omitempty"`
	FromIndex     int             `json:"fromIndex,omitempty"`
	ToIndex       int             `json:"toIndex,omitempty"`
	SubmittedAtMS int64           `json:"submittedAtMs,omitempty"`
}

type cursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type collaboratorPayload struct {
	UserID         string         `json:"userId"`
	ConnectionID   string         `json:"connectionId"`
	DisplayName    string         `json:"displayName"`
	ColorToken     string         `json:"colorToken"`
	Cursor         *cursorPayload `json:"cursor,omitempty"`
	SelectionField string         `json:"selectionFieldId,omitempty"`
}

type fieldPayload struct {
	FieldID  string          `json:"fieldId"`
	Label    string          `json:"label"`
	Kind     string          `json:"kind"`
	Position int             `json:"position"`
	Config   json.RawMessage `json:"config,omitempty"`
}

type serverMessage struct {
	Type           string                `json:"type"`
	DocumentID     string                `json:"documentId,omitempty"`
	Collaborators  []collaboratorPayload `json:"collaborators,omitempty"`
	Fields         []fieldPayload        `json:"fields,omitempty"`
	LockHolder     string                `json:"lockHolder,omitempty"`
	LockHolderName string                `json:"lockHolderName,omitempty"`
	Collaborator   *collaboratorPayload  `json:"collaborator,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Operation      *operationPayload     `json:"operation,omitempty"`
	Outcome        string                `json:"outcome,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func encodeCollaborator(c room.Collaborator) collaboratorPayload {
	payload := collaboratorPayload{
		UserID:         c.UserID,
		ConnectionID:   c.ConnectionID,
		DisplayName:    c.DisplayName,
		ColorToken:     c.ColorToken,
		SelectionField: c.SelectionFieldID,
	}
	if c.Cursor != nil {
		payload.Cursor = &cursorPayload{X: c.Cursor.X, Y: c.Cursor.Y}
	}
	return payload
}

func encodeFields(fields []collab.Field) []fieldPayload {
	payloads := make([]fieldPayload, 0, len(fields))
	for _, field := range fields {
		payload := fieldPayload{
			FieldID:  field.FieldID,
			Label:    field.Label,
			Kind:     field.Kind,
			Position: field.Position,
		}
		if field.Config != "" {
			payload.Config = json.RawMessage(field.Config)
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func encodeOperation(op collab.Operation) *operationPayload {
	payload := &operationPayload{
		ID:            op.ID,
		Type:          string(op.Type),
		TargetFieldID: op.TargetFieldID,
		Position:      op.Position,
		FromIndex:     op.FromIndex,
		ToIndex:       op.ToIndex,
		SubmittedAtMS: op.SubmittedAt.UnixMilli(),
	}
	if op.Payload != "" {
		payload.Payload = json.RawMessage(op.Payload)
	}
	return payload
}

func encodeSnapshot(s room.Snapshot) serverMessage {
	message := serverMessage{
		Type:           serverMessageSnapshot,
		DocumentID:     s.DocumentID,
		Collaborators:  make([]collaboratorPayload, 0, len(s.Collaborators)),
		Fields:         encodeFields(s.Fields),
		LockHolder:     s.LockHolder,
		LockHolderName: s.LockHolderName,
	}
	for _, c := range s.Collaborators {
		message.Collaborators = append(message.Collaborators, encodeCollaborator(c))
	}
	return message
}

// encodeEvent maps a room event onto its wire frame. The event kind set is
// closed; an unknown kind indicates a programming error and encodes to an
// error frame rather than panicking mid-broadcast.
func encodeEvent(event room.Event) serverMessage {
	collaborator := encodeCollaborator(event.Collaborator)
	message := serverMessage{
		DocumentID:   event.DocumentID,
		Collaborator: &collaborator,
	}
	switch event.Kind {
	case room.EventCollaboratorJoined:
		message.Type = serverMessageCollaboratorJoined
	case room.EventCollaboratorLeft:
		message.Type = serverMessageCollaboratorLeft
		message.Reason = string(event.Reason)
	case room.EventCursor:
		message.Type = serverMessageCursor
	case room.EventSelection:
		message.Type = serverMessageSelection
	case room.EventLockAcquired:
		message.Type = serverMessageLockAcquired
		message.LockHolder = event.Collaborator.ConnectionID
		message.LockHolderName = event.Collaborator.DisplayName
	case room.EventLockReleased:
		message.Type = serverMessageLockReleased
	case room.EventOperationAccepted:
		message.Type = serverMessageOperationAccepted
		message.Operation = encodeOperation(event.Operation)
		message.Outcome = string(event.Outcome)
	default:
		message.Type = serverMessageError
		message.Error = "unknown event kind"
	}
	return message
}

func decodeOperation(payload operationPayload, authorConnectionID string, now time.Time) (collab.Operation, error) {
	opType, err := collab.ParseOperationType(payload.Type)
	if err != nil {
		return collab.Operation{}, err
	}
	submittedAt := now
	if payload.SubmittedAtMS > 0 {
		submittedAt = time.UnixMilli(payload.SubmittedAtMS).UTC()
	}
	return collab.Operation{
		ID:                 payload.ID,
		Type:               opType,
		TargetFieldID:      payload.TargetFieldID,
		Payload:            string(payload.Payload),
		Position:           payload.Position,
		FromIndex:          payload.FromIndex,
		ToIndex:            payload.ToIndex,
		AuthorConnectionID: authorConnectionID,
		SubmittedAt:        submittedAt,
	}, nil
}
