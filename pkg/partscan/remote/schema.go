package remote

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownColumn is returned when a projection names a column the
	// table does not have.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrDuplicateColumn is returned when a projection names a column more
	// than once.
	ErrDuplicateColumn = errors.New("duplicate column")
)

// Slot is a projected column of a [Schema].
type Slot struct {
	ID     int
	Column string
	Type   ColumnType
}

// Schema is the resolved layout of the rows a scan produces. A Schema is
// immutable once resolved.
type Schema struct {
	Slots []Slot
}

// ResolveSchema projects columns against the columns of a table. An empty
// projection selects every column in table order.
func ResolveSchema(columns []Column, projection []string) (*Schema, error) {
	if len(projection) == 0 {
		s := &Schema{Slots: make([]Slot, 0, len(columns))}
		for i, c := range columns {
			s.Slots = append(s.Slots, Slot{ID: i, Column: c.Name, Type: c.Type})
		}
		return s, nil
	}

	byName := make(map[string]Column, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}

	s := &Schema{Slots: make([]Slot, 0, len(projection))}
	seen := make(map[string]struct{}, len(projection))
	for i, name := range projection {
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
		}
		seen[name] = struct{}{}
		s.Slots = append(s.Slots, Slot{ID: i, Column: c.Name, Type: c.Type})
	}
	return s, nil
}

// Columns returns the names of the projected columns in slot order.
func (s *Schema) Columns() []string {
	names := make([]string, len(s.Slots))
	for i, slot := range s.Slots {
		names[i] = slot.Column
	}
	return names
}

// Project returns a new row holding only the projected columns of r.
func (s *Schema) Project(r Row) Row {
	out := make(Row, len(s.Slots))
	for _, slot := range s.Slots {
		if v, ok := r[slot.Column]; ok {
			out[slot.Column] = v
		}
	}
	return out
}

// DebugString renders the schema for logs and debug output.
func (s *Schema) DebugString() string {
	if s == nil {
		return "<nil>"
	}

	var sb strings.Builder
	for i, slot := range s.Slots {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "[slot_id=%d col=%s type=%s]", slot.ID, slot.Column, slot.Type)
	}
	return sb.String()
}
