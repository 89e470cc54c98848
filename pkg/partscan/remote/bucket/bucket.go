// Package bucket implements remote tables stored in an object storage bucket.
//
// A table called name is laid out as:
//
//	<name>/schema.json         column list
//	<name>/parts/<part>.jsonl  one JSON row per line
//
// Every part is a partition and is scanned through one token.
package bucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/tokens"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	schemaObject = "schema.json"
	partsDir     = "parts"
	partSuffix   = ".jsonl"
)

func schemaPath(table string) string { return path.Join(table, schemaObject) }
func partsPath(table string) string  { return path.Join(table, partsDir) + "/" }
func partPath(table, part string) string {
	return path.Join(table, partsDir, part+partSuffix)
}

type tableSchema struct {
	Columns []remote.Column `json:"columns"`
}

// descriptor is the decoded form of a token produced by [Planner].
type descriptor struct {
	Table  string `json:"table"`
	Object string `json:"object"`
	Host   string `json:"host,omitempty"`
}

func encodeToken(d descriptor) (tokens.Token, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return tokens.Token(b), nil
}

func decodeToken(tok tokens.Token) (descriptor, error) {
	var d descriptor
	if err := json.Unmarshal(tok, &d); err != nil {
		return d, fmt.Errorf("%w: %s", remote.ErrInvalidToken, err)
	}
	if d.Table == "" || d.Object == "" {
		return d, fmt.Errorf("%w: missing table or object", remote.ErrInvalidToken)
	}
	return d, nil
}

// Client opens tables stored in an objstore bucket.
type Client struct {
	bkt       objstore.Bucket
	localHost string
	logger    log.Logger
}

var _ remote.Client = (*Client)(nil)

// NewClient returns a client reading tables from bkt. Partitions whose
// replica host differs from localHost are reported as remote.
func NewClient(bkt objstore.Bucket, localHost string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{bkt: bkt, localHost: localHost, logger: logger}
}

// OpenTable implements [remote.Client].
func (c *Client) OpenTable(ctx context.Context, name string) (remote.Table, error) {
	rc, err := c.bkt.Get(ctx, schemaPath(name))
	if err != nil {
		if c.bkt.IsObjNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s", remote.ErrTableNotFound, name)
		}
		return nil, errors.Wrapf(err, "failed to get schema of table %s", name)
	}
	defer rc.Close()

	var schema tableSchema
	if err := json.NewDecoder(rc).Decode(&schema); err != nil {
		return nil, errors.Wrapf(err, "failed to decode schema of table %s", name)
	}
	for _, col := range schema.Columns {
		if col.Name == "" {
			return nil, fmt.Errorf("table %s has a column without a name", name)
		}
		if !col.Type.Valid() {
			return nil, fmt.Errorf("table %s: column %s has unsupported type %q", name, col.Name, col.Type)
		}
	}

	types := make(map[string]remote.ColumnType, len(schema.Columns))
	for _, col := range schema.Columns {
		types[col.Name] = col.Type
	}

	level.Debug(c.logger).Log("msg", "opened table", "table", name, "columns", len(schema.Columns))
	return &Table{client: c, name: name, columns: schema.Columns, types: types}, nil
}

// Table is a table stored in a bucket.
type Table struct {
	client  *Client
	name    string
	columns []remote.Column
	types   map[string]remote.ColumnType
}

var _ remote.Table = (*Table)(nil)

// Name implements [remote.Table].
func (t *Table) Name() string { return t.name }

// Columns implements [remote.Table].
func (t *Table) Columns() []remote.Column { return t.columns }

// Open implements [remote.Table]. Opening a session reads the partition
// object, which counts as one round trip.
func (t *Table) Open(ctx context.Context, tok tokens.Token) (remote.Session, error) {
	d, err := decodeToken(tok)
	if err != nil {
		return nil, err
	}
	if d.Table != t.name || !strings.HasPrefix(d.Object, partsPath(t.name)) {
		return nil, fmt.Errorf("%w: token for %s does not belong to table %s", remote.ErrInvalidToken, d.Object, t.name)
	}

	rc, err := t.client.bkt.Get(ctx, d.Object)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get partition %s", d.Object)
	}

	cr := &countingReader{r: rc}
	dec := json.NewDecoder(cr)
	dec.UseNumber()
	return &Session{
		table:  t,
		object: d.Object,
		rc:     rc,
		cr:     cr,
		dec:    dec,
		stats: remote.SessionStats{
			RoundTrips: 1,
			Remote:     d.Host != "" && d.Host != t.client.localHost,
		},
	}, nil
}

// Close implements [remote.Table]. Tables hold no resources.
func (t *Table) Close() error { return nil }

// Session reads the rows of one partition object.
type Session struct {
	table  *Table
	object string
	rc     io.ReadCloser
	cr     *countingReader
	dec    *jsoniter.Decoder
	stats  remote.SessionStats
	done   bool
}

var _ remote.Session = (*Session)(nil)

// Next implements [remote.Session].
func (s *Session) Next(ctx context.Context, limit int) ([]remote.Row, error) {
	if s.done {
		return nil, io.EOF
	}
	if limit <= 0 {
		limit = 1
	}

	rows := make([]remote.Row, 0, limit)
	for len(rows) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.dec.More() {
			s.done = true
			break
		}

		var row remote.Row
		if err := s.dec.Decode(&row); err != nil {
			return nil, errors.Wrapf(err, "failed to decode row %d of %s", len(rows), s.object)
		}
		row, err := s.table.coerce(row)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode row %d of %s", len(rows), s.object)
		}
		rows = append(rows, row)
	}

	s.stats.BytesRead = s.cr.n
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// Stats implements [remote.Session].
func (s *Session) Stats() remote.SessionStats { return s.stats }

// Close implements [remote.Session].
func (s *Session) Close() error { return s.rc.Close() }

// number is a JSON number decoded without loss of precision.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// coerce converts decoded JSON values to the types of their columns.
// Numbers in columns that are neither int64 nor float64 become float64.
func (t *Table) coerce(row remote.Row) (remote.Row, error) {
	for name, v := range row {
		switch v := v.(type) {
		case number:
			converted, err := coerceNumber(t.types[name], v)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s", name)
			}
			row[name] = converted
		case string:
			if t.types[name] == remote.ColumnTypeBytes {
				row[name] = []byte(v)
			}
		}
	}
	return row, nil
}

func coerceNumber(typ remote.ColumnType, n number) (any, error) {
	if typ == remote.ColumnTypeInt64 {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		// Fractional values are truncated.
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	}
	return n.Float64()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// WriteTable stores the schema of a table called name in bkt.
func WriteTable(ctx context.Context, bkt objstore.Bucket, name string, columns []remote.Column) error {
	b, err := json.Marshal(tableSchema{Columns: columns})
	if err != nil {
		return err
	}
	return bkt.Upload(ctx, schemaPath(name), bytes.NewReader(b))
}

// WritePart stores rows as the partition called part of the table called name.
func WritePart(ctx context.Context, bkt objstore.Bucket, name, part string, rows []remote.Row) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return errors.Wrapf(err, "failed to encode row of part %s", part)
		}
	}
	return bkt.Upload(ctx, partPath(name, part), &buf)
}
