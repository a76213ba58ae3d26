package syncx

import (
	"encoding/json"
	"fmt"
)

// Operation is the kind of write carried by a transaction or queue item.
// It is a closed set; every switch over it must handle all three values.
type Operation uint8

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

// ParseOperation maps the wire name to an Operation
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Validate returns ErrUnknownOperation for the zero value or anything out of range
func (o Operation) Validate() error {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOperation, uint8(o))
	}
}

// NeedsDocumentID reports whether the operation targets an existing record
func (o Operation) NeedsDocumentID() bool {
	switch o {
	case OpCreate:
		return false
	case OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// NeedsPayload reports whether the operation carries record data
func (o Operation) NeedsPayload() bool {
	switch o {
	case OpCreate, OpUpdate:
		return true
	case OpDelete:
		return false
	default:
		return false
	}
}

func (o Operation) MarshalJSON() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(o.String())
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	op, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}
