// Package filters implements the admission gate that holds back a scan until
// its runtime filters have arrived, and the filter set scanners consult for
// row-level pruning.
package filters

import (
	"fmt"
	"strconv"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is a runtime filter computed during query execution. A Filter
// restricts the values of a single column: rows whose value for Column is
// definitely not in Bloom can be skipped.
type Filter struct {
	ID     int
	Column string
	Bloom  *bloom.BloomFilter
}

// NewFilter builds a Filter for column from the set of values that may pass.
// falsePositive is the target false positive rate of the underlying bloom
// filter.
func NewFilter(id int, column string, values []any, falsePositive float64) Filter {
	bf := bloom.NewWithEstimates(uint(max(len(values), 1)), falsePositive)
	for _, v := range values {
		bf.Add(Key(v))
	}
	return Filter{ID: id, Column: column, Bloom: bf}
}

// MayContain reports whether v may pass the filter. A filter without a bloom
// filter passes everything.
func (f Filter) MayContain(v any) bool {
	if f.Bloom == nil {
		return true
	}
	return f.Bloom.Test(Key(v))
}

// Key returns the canonical byte encoding of v used when adding values to and
// testing values against a filter. Producers and consumers of filters must
// both use Key so encodings agree.
func Key(v any) []byte {
	switch v := v.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float64:
		// Integral floats share the encoding of integers, since decoded JSON
		// numbers are float64.
		if v == float64(int64(v)) {
			return strconv.AppendInt(nil, int64(v), 10)
		}
		return strconv.AppendFloat(nil, v, 'g', -1, 64)
	case bool:
		return strconv.AppendBool(nil, v)
	default:
		return fmt.Appendf(nil, "%v", v)
	}
}

// Set is a read-only view of the runtime filters available to scanners.
type Set interface {
	// Columns returns the names of columns restricted by at least one
	// filter.
	Columns() []string

	// MayContain reports whether value passes every filter on column.
	MayContain(column string, value any) bool
}

// EmptySet is a [Set] without any filters.
var EmptySet Set = emptySet{}

type emptySet struct{}

func (emptySet) Columns() []string           { return nil }
func (emptySet) MayContain(string, any) bool { return true }
