// Package remote defines the boundary between the scan coordinator and the
// remote storage system holding a partitioned table.
package remote

import (
	"context"
	"errors"

	"github.com/grafana/partscan/pkg/partscan/tokens"
)

var (
	// ErrTableNotFound is returned when a table does not exist. It is never
	// retried.
	ErrTableNotFound = errors.New("table not found")

	// ErrInvalidToken is returned when a session is opened for a token that
	// was not produced for the table.
	ErrInvalidToken = errors.New("invalid scan token")
)

// ColumnType is the type of values stored in a column.
type ColumnType string

// Supported column types.
const (
	ColumnTypeString  ColumnType = "string"
	ColumnTypeInt64   ColumnType = "int64"
	ColumnTypeFloat64 ColumnType = "float64"
	ColumnTypeBool    ColumnType = "bool"
	ColumnTypeBytes   ColumnType = "bytes"
)

// Valid reports whether t is a supported column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeString, ColumnTypeInt64, ColumnTypeFloat64, ColumnTypeBool, ColumnTypeBytes:
		return true
	}
	return false
}

// Column describes a column of a remote table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Row is a single decoded row keyed by column name.
type Row map[string]any

// Client opens tables in the remote storage system.
type Client interface {
	// OpenTable opens the table called name. OpenTable returns an error
	// wrapping ErrTableNotFound if the table does not exist; other errors
	// are considered transient.
	OpenTable(ctx context.Context, name string) (Table, error)
}

// Table is an open handle to a remote table. A Table may be shared by many
// scans and is safe for concurrent use.
type Table interface {
	Name() string
	Columns() []Column

	// Open starts reading the partition described by tok.
	Open(ctx context.Context, tok tokens.Token) (Session, error)

	Close() error
}

// Session reads the rows of a single partition. A Session is owned by one
// scanner thread and is not safe for concurrent use.
type Session interface {
	// Next returns up to limit rows. Next returns io.EOF once the partition
	// has been fully read.
	Next(ctx context.Context, limit int) ([]Row, error)

	// Stats returns the statistics accumulated by the session so far.
	Stats() SessionStats

	Close() error
}

// SessionStats describes the work performed by a [Session].
type SessionStats struct {
	RoundTrips int64 // Requests sent to the remote storage system.
	BytesRead  int64
	Remote     bool // Whether the partition was not local to this host.
}
