package flagext

import (
	"fmt"
	"strconv"
	"strings"
)

// IntSliceCSV is a slice of ints that is parsed from a comma-separated string.
// It implements flag.Value and yaml Marshalers.
type IntSliceCSV []int

// String implements flag.Value
func (v IntSliceCSV) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value
func (v *IntSliceCSV) Set(s string) error {
	if strings.TrimSpace(s) == "" {
		*v = nil
		return nil
	}

	fields := strings.Split(s, ",")
	out := make(IntSliceCSV, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", f, err)
		}
		out = append(out, n)
	}
	*v = out
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Both a sequence of integers and a
// comma-separated string are accepted.
func (v *IntSliceCSV) UnmarshalYAML(unmarshal func(any) error) error {
	var ints []int
	if err := unmarshal(&ints); err == nil {
		*v = ints
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return v.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (v IntSliceCSV) MarshalYAML() (any, error) {
	return []int(v), nil
}
