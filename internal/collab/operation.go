package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperationType enumerates the structural edits a collaborator may submit.
type OperationType string

const (
	// OperationTypeAdd inserts a new field at a position.
	OperationTypeAdd OperationType = "add"
	// OperationTypeUpdate replaces the definition of an existing field.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete removes an existing field.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeReorder moves a field between two indexes.
	OperationTypeReorder OperationType = "reorder"
)

var (
	// ErrInvalidOperation indicates a structurally malformed operation.
	ErrInvalidOperation = errors.New("collab: invalid operation")
)

// Operation is one structural edit request. It is immutable once created:
// the resolver returns adjusted copies, never mutates the original.
type Operation struct {
	ID                 string
	Type               OperationType
	TargetFieldID      string
	Payload            string
	Position           int
	FromIndex          int
	ToIndex            int
	AuthorConnectionID string
	SubmittedAt        time.Time
}

// Validate checks the operation carries the inputs its type requires.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidOperation)
	}
	switch op.Type {
	case OperationTypeAdd:
		if strings.TrimSpace(op.TargetFieldID) == "" {
			return fmt.Errorf("%w: add requires a field id", ErrInvalidOperation)
		}
		if op.Position < 0 {
			return fmt.Errorf("%w: add position must be non-negative", ErrInvalidOperation)
		}
	case OperationTypeUpdate, OperationTypeDelete:
		if strings.TrimSpace(op.TargetFieldID) == "" {
			return fmt.Errorf("%w: %s requires a target field id", ErrInvalidOperation, op.Type)
		}
	case OperationTypeReorder:
		if op.FromIndex < 0 || op.ToIndex < 0 {
			return fmt.Errorf("%w: reorder indexes must be non-negative", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.SubmittedAt.IsZero() {
		return fmt.Errorf("%w: submitted timestamp required", ErrInvalidOperation)
	}
	return nil
}

// ParseOperationType maps wire input onto the closed operation type set.
func ParseOperationType(value string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(value))) {
	case OperationTypeAdd:
		return OperationTypeAdd, nil
	case OperationTypeUpdate:
		return OperationTypeUpdate, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	case OperationTypeReorder:
		return OperationTypeReorder, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, value)
	}
}

// IDProvider generates identifiers for operations and connections.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider backed by random UUIDs.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
