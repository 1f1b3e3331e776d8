package collab

import "encoding/json"

// Field is one entry of a form definition. Positions are dense and
// zero-based; every mutation renumbers them.
type Field struct {
	FieldID  string
	Label    string
	Kind     string
	Position int
	Config   string
}

type fieldPayload struct {
	Label  string          `json:"label"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// ApplyToFields applies an accepted operation to a field list and returns the
// resulting list. It is total: positions are clamped, missing targets are
// ignored, and malformed payloads degrade to empty definitions, so replaying
// any accepted history from an empty list always succeeds.
func ApplyToFields(fields []Field, op Operation) []Field {
	result := make([]Field, len(fields))
	copy(result, fields)

	switch op.Type {
	case OperationTypeAdd:
		payload := decodePayload(op.Payload)
		added := Field{
			FieldID: op.TargetFieldID,
			Label:   payload.Label,
			Kind:    payload.Kind,
			Config:  string(payload.Config),
		}
		at := clamp(op.Position, 0, len(result))
		result = append(result, Field{})
		copy(result[at+1:], result[at:])
		result[at] = added
	case OperationTypeUpdate:
		for i := range result {
			if result[i].FieldID == op.TargetFieldID {
				payload := decodePayload(op.Payload)
				result[i].Label = payload.Label
				result[i].Kind = payload.Kind
				result[i].Config = string(payload.Config)
				break
			}
		}
	case OperationTypeDelete:
		for i := range result {
			if result[i].FieldID == op.TargetFieldID {
				result = append(result[:i], result[i+1:]...)
				break
			}
		}
	case OperationTypeReorder:
		if len(result) == 0 {
			break
		}
		from := clamp(op.FromIndex, 0, len(result)-1)
		to := clamp(op.ToIndex, 0, len(result)-1)
		moved := result[from]
		result = append(result[:from], result[from+1:]...)
		result = append(result, Field{})
		copy(result[to+1:], result[to:])
		result[to] = moved
	}

	for i := range result {
		result[i].Position = i
	}
	return result
}

func decodePayload(raw string) fieldPayload {
	var payload fieldPayload
	if raw == "" {
		return payload
	}
	// Malformed payloads produce an empty definition rather than an error.
	_ = json.Unmarshal([]byte(raw), &payload)
	return payload
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// FindField returns the field with the given id, if present.
func FindField(fields []Field, fieldID string) (Field, bool) {
	for _, field := range fields {
		if field.FieldID == fieldID {
			return field, true
		}
	}
	return Field{}, false
}
