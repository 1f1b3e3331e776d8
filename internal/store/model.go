package store

// FormField is the persisted definition of one form field.
type FormField struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null;index:idx_fields_doc_position,priority:1"`
	FieldID    string `gorm:"column:field_id;primaryKey;size:190;not null"`
	Label      string `gorm:"column:label;size:255;not null;default:''"`
	Kind       string `gorm:"column:kind;size:64;not null;default:''"`
	Position   int    `gorm:"column:position;not null;index:idx_fields_doc_position,priority:2"`
	ConfigJSON string `gorm:"column:config_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (FormField) TableName() string {
	return "form_fields"
}

// OperationRecord is the append-only audit trail of accepted operations.
type OperationRecord struct {
	OperationID        string `gorm:"column:operation_id;primaryKey;size:190;not null"`
	DocumentID         string `gorm:"column:document_id;size:190;not null;index:idx_ops_doc_applied,priority:1"`
	Type               string `gorm:"column:op;size:16;not null"`
	TargetFieldID      string `gorm:"column:target_field_id;size:190;not null;default:''"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null;default:''"`
	Position           int    `gorm:"column:position;not null;default:0"`
	FromIndex          int    `gorm:"column:from_index;not null;default:0"`
	ToIndex            int    `gorm:"column:to_index;not null;default:0"`
	AuthorConnectionID string `gorm:"column:author_connection_id;size:190;not null"`
	SubmittedAtMillis  int64  `gorm:"column:submitted_at_ms;not null"`
	AppliedAtMillis    int64  `gorm:"column:applied_at_ms;not null;index:idx_ops_doc_applied,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRecord) TableName() string {
	return "operation_records"
}
