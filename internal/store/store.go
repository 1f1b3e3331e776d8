package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opLoadFields     = "store.load_fields"
	opApplyOperation = "store.apply_operation"
)

// StoreError wraps a failure with a dotted operation code for log scraping.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the document store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists form field definitions and the operation audit trail. It
// sits off the hot path: rooms read it once on creation and write through it
// asynchronously after acceptance.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("store.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadFields returns the document's fields ordered by position.
func (s *Store) LoadFields(ctx context.Context, documentID string) ([]collab.Field, error) {
	var rows []FormField
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		s.logger.Error("field load failed",
			zap.String("operation", opLoadFields),
			zap.String("document_id", documentID),
			zap.Error(err))
		return nil, newStoreError(opLoadFields, "query_failed", err)
	}

	fields := make([]collab.Field, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, collab.Field{
			FieldID:  row.FieldID,
			Label:    row.Label,
			Kind:     row.Kind,
			Position: row.Position,
			Config:   row.ConfigJSON,
		})
	}
	return fields, nil
}

// ApplyOperation applies an accepted operation to the persisted field list
// and records it in the audit trail, in one transaction.
func (s *Store) ApplyOperation(ctx context.Context, documentID string, op collab.Operation) error {
	appliedAt := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []FormField
		if err := tx.Where("document_id = ?", documentID).
			Order("position ASC").
			Find(&rows).Error; err != nil {
			return newStoreError(opApplyOperation, "field_select_failed", err)
		}

		fields := make([]collab.Field, 0, len(rows))
		for _, row := range rows {
			fields = append(fields, collab.Field{
				FieldID:  row.FieldID,
				Label:    row.Label,
				Kind:     row.Kind,
				Position: row.Position,
				Config:   row.ConfigJSON,
			})
		}

		next := collab.ApplyToFields(fields, op)

		if err := tx.Where("document_id = ?", documentID).
			Delete(&FormField{}).Error; err != nil {
			return newStoreError(opApplyOperation, "field_clear_failed", err)
		}
		for _, field := range next {
			row := FormField{
				DocumentID: documentID,
				FieldID:    field.FieldID,
				Label:      field.Label,
				Kind:       field.Kind,
				Position:   field.Position,
				ConfigJSON: field.Config,
			}
			if err := tx.Create(&row).Error; err != nil {
				return newStoreError(opApplyOperation, "field_insert_failed", err)
			}
		}

		record := OperationRecord{
			OperationID:        op.ID,
			DocumentID:         documentID,
			Type:               string(op.Type),
			TargetFieldID:      op.TargetFieldID,
			PayloadJSON:        op.Payload,
			Position:           op.Position,
			FromIndex:          op.FromIndex,
			ToIndex:            op.ToIndex,
			AuthorConnectionID: op.AuthorConnectionID,
			SubmittedAtMillis:  op.SubmittedAt.UnixMilli(),
			AppliedAtMillis:    appliedAt.UnixMilli(),
		}
		if err := tx.Create(&record).Error; err != nil {
			return newStoreError(opApplyOperation, "audit_insert_failed", err)
		}
		return nil
	})
}

// ListOperations returns the audit records for a document in applied order.
func (s *Store) ListOperations(ctx context.Context, documentID string) ([]OperationRecord, error) {
	var records []OperationRecord
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("applied_at_ms ASC").
		Find(&records).Error; err != nil {
		return nil, newStoreError("store.list_operations", "query_failed", err)
	}
	return records, nil
}
