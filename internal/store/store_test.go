package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:formdeck_store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&FormField{}, &OperationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	s, err := NewStore(Config{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return s, db
}

func addOperation(id, fieldID string, position int, offsetMillis int64) collab.Operation {
	return collab.Operation{
		ID:                 id,
		Type:               collab.OperationTypeAdd,
		TargetFieldID:      fieldID,
		Payload:            fmt.Sprintf(`{"label":"Field %s","kind":"text"}`, fieldID),
		Position:           position,
		AuthorConnectionID: "conn-1",
		SubmittedAt:        time.UnixMilli(1700000000000 + offsetMillis).UTC(),
	}
}

func TestLoadFieldsReturnsEmptyForNewDocument(t *testing.T) {
	s, _ := newTestStore(t)

	fields, err := s.LoadFields(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(fields))
	}
}

func TestApplyOperationPersistsFieldsInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyOperation(ctx, "doc-1", addOperation("op-1", "f1", 0, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ApplyOperation(ctx, "doc-1", addOperation("op-2", "f2", 0, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, err := s.LoadFields(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].FieldID != "f2" || fields[1].FieldID != "f1" {
		t.Fatalf("unexpected order: %s, %s", fields[0].FieldID, fields[1].FieldID)
	}
	if fields[0].Position != 0 || fields[1].Position != 1 {
		t.Fatalf("expected dense positions, got %d and %d", fields[0].Position, fields[1].Position)
	}
}

func TestApplyOperationRecordsAuditTrail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	op := addOperation("op-1", "f1", 0, 0)
	if err := s.ApplyOperation(ctx, "doc-1", op); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := s.ListOperations(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
	record := records[0]
	if record.OperationID != "op-1" || record.Type != string(collab.OperationTypeAdd) {
		t.Fatalf("unexpected audit record: %+v", record)
	}
	if record.SubmittedAtMillis != op.SubmittedAt.UnixMilli() {
		t.Fatalf("unexpected submitted timestamp: %d", record.SubmittedAtMillis)
	}
	if record.AppliedAtMillis != 1700000000000 {
		t.Fatalf("unexpected applied timestamp: %d", record.AppliedAtMillis)
	}
}

func TestApplyOperationDeleteRemovesField(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyOperation(ctx, "doc-1", addOperation("op-1", "f1", 0, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deleteOp := collab.Operation{
		ID:                 "op-2",
		Type:               collab.OperationTypeDelete,
		TargetFieldID:      "f1",
		AuthorConnectionID: "conn-1",
		SubmittedAt:        time.UnixMilli(1700000000100).UTC(),
	}
	if err := s.ApplyOperation(ctx, "doc-1", deleteOp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, err := s.LoadFields(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected field removed, got %d", len(fields))
	}
}

func TestApplyOperationIsolatesDocuments(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ApplyOperation(ctx, "doc-1", addOperation("op-1", "f1", 0, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ApplyOperation(ctx, "doc-2", addOperation("op-2", "f2", 0, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, err := s.LoadFields(ctx, "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 1 || fields[0].FieldID != "f1" {
		t.Fatalf("expected doc-1 to keep only its own fields, got %+v", fields)
	}
}
