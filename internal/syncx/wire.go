package syncx

import (
	"fmt"

	"github.com/google/uuid"
)

// createNamespace seeds uuid v5 record ids derived from queue item ids, so a
// replayed create always targets the same record
var createNamespace = uuid.MustParse("6f1c3a52-8a0e-4f43-9d0b-2f7f1d2e8c11")

// WireItem is the body the Worker sends to the Sync Endpoint
type WireItem struct {
	ID         string         `json:"id"`
	Operation  Operation      `json:"operation"`
	Collection string         `json:"collection"`
	DocumentID string         `json:"documentId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Validate enforces the per-operation field requirements:
// create needs data, update needs data and documentId, delete needs documentId
func (w WireItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if w.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrInvalidItem)
	}
	if err := w.Operation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if w.Operation.NeedsDocumentID() && w.DocumentID == "" {
		return fmt.Errorf("%w: %s requires documentId", ErrInvalidItem, w.Operation)
	}
	if w.Operation.NeedsPayload() && w.Data == nil {
		return fmt.Errorf("%w: %s requires data", ErrInvalidItem, w.Operation)
	}
	if w.Operation == OpCreate {
		return ValidatePayloadID(w.Data)
	}
	return nil
}

// ValidatePayloadID rejects a create whose client-chosen id is not a UUID.
// The record is stored under that id, and later updates and deletes address
// it as a documentId, which must be a UUID.
func ValidatePayloadID(data map[string]any) error {
	s, ok := PayloadID(data)
	if !ok {
		return nil
	}
	if _, ok := ParseUUID(s); !ok {
		return fmt.Errorf("%w: payload id %q is not a uuid", ErrInvalidItem, s)
	}
	return nil
}

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// ParseUUID parses a UUID string
func ParseUUID(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}

// PayloadID returns the client-chosen record id from a payload ("id", then "uid")
func PayloadID(data map[string]any) (string, bool) {
	for _, k := range []string{"id", "uid"} {
		if s, ok := GetString(data, k); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// RecordUID resolves the record a wire item targets.
// Updates and deletes use documentId. Creates use the payload id, else a
// name-based UUID of the item id.
func RecordUID(w WireItem) (uuid.UUID, error) {
	switch w.Operation {
	case OpUpdate, OpDelete:
		id, ok := ParseUUID(w.DocumentID)
		if !ok {
			return uuid.Nil, fmt.Errorf("%w: documentId %q is not a uuid", ErrInvalidItem, w.DocumentID)
		}
		return id, nil
	case OpCreate:
		if s, ok := PayloadID(w.Data); ok {
			id, ok := ParseUUID(s)
			if !ok {
				return uuid.Nil, fmt.Errorf("%w: payload id %q is not a uuid", ErrInvalidItem, s)
			}
			return id, nil
		}
		return uuid.NewSHA1(createNamespace, []byte(w.ID)), nil
	default:
		return uuid.Nil, fmt.Errorf("%w: %d", ErrUnknownOperation, uint8(w.Operation))
	}
}
