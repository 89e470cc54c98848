package partscan

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"

	util_flagext "github.com/grafana/partscan/pkg/util/flagext"
)

const (
	DefaultRuntimeFilterWaitTime = time.Second
	DefaultAcquireMinBackoff     = 100 * time.Millisecond
	DefaultAcquireMaxBackoff     = 2 * time.Second
	DefaultAcquireRetries        = 5
)

// FilterMode controls whether a scan waits for runtime filters.
type FilterMode string

const (
	// FilterModeOff disables runtime filters: the scan starts immediately
	// and arriving filters are not used for pruning.
	FilterModeOff FilterMode = "off"

	// FilterModeLocal waits for filters produced on the same host.
	FilterModeLocal FilterMode = "local"

	// FilterModeGlobal waits for filters aggregated across every host.
	FilterModeGlobal FilterMode = "global"
)

// String implements flag.Value.
func (m *FilterMode) String() string { return string(*m) }

// Set implements flag.Value.
func (m *FilterMode) Set(s string) error {
	switch FilterMode(s) {
	case FilterModeOff, FilterModeLocal, FilterModeGlobal:
		*m = FilterMode(s)
		return nil
	default:
		return fmt.Errorf("invalid runtime filter mode %q: must be one of off, local, global", s)
	}
}

// Config configures a scan of a single table.
type Config struct {
	// Table is the name of the remote table to scan.
	Table string `yaml:"table"`

	// Columns to project. An empty list selects every column.
	Columns flagext.StringSliceCSV `yaml:"columns"`

	// RuntimeFilterMode controls whether the scan waits for runtime filters.
	RuntimeFilterMode FilterMode `yaml:"runtime_filter_mode"`

	// RuntimeFilterWaitTime bounds how long the scan waits for runtime
	// filters before starting without them.
	RuntimeFilterWaitTime time.Duration `yaml:"runtime_filter_wait_time"`

	// ExpectedFilters lists the IDs of runtime filters targeting this scan.
	ExpectedFilters util_flagext.IntSliceCSV `yaml:"expected_filters"`

	// AcquireBackoff controls retries of transient failures when acquiring
	// the table handle.
	AcquireBackoff backoff.Config `yaml:"acquire_backoff"`
}

// RegisterFlags registers flags for the scan.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("scan.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Table, prefix+"table", "", "Name of the remote table to scan.")
	f.Var(&cfg.Columns, prefix+"columns", "Comma-separated list of columns to read. All columns are read if empty.")

	cfg.RuntimeFilterMode = FilterModeGlobal
	f.Var(&cfg.RuntimeFilterMode, prefix+"runtime-filter-mode", "Runtime filter mode. Valid values: [off, local, global]")
	f.DurationVar(&cfg.RuntimeFilterWaitTime, prefix+"runtime-filter-wait-time", DefaultRuntimeFilterWaitTime, "Maximum time to wait for runtime filters before starting the scan without them. 0 to not wait.")
	f.Var(&cfg.ExpectedFilters, prefix+"expected-filters", "Comma-separated list of runtime filter IDs the scan waits for.")

	cfg.AcquireBackoff.RegisterFlagsWithPrefix(prefix+"acquire", f)
	// Override dskit defaults; opening a table should give up quickly.
	cfg.AcquireBackoff.MinBackoff = DefaultAcquireMinBackoff
	cfg.AcquireBackoff.MaxBackoff = DefaultAcquireMaxBackoff
	cfg.AcquireBackoff.MaxRetries = DefaultAcquireRetries
}

// Validate returns an error if the config is invalid.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Table == "" {
		errs = append(errs, errors.New("table must be set"))
	}
	if err := cfg.RuntimeFilterMode.Set(string(cfg.RuntimeFilterMode)); err != nil {
		errs = append(errs, err)
	}
	if cfg.RuntimeFilterWaitTime < 0 {
		errs = append(errs, errors.New("runtime_filter_wait_time must not be negative"))
	}
	// dskit backoff retries forever with zero retries.
	if cfg.AcquireBackoff.MaxRetries <= 0 {
		errs = append(errs, errors.New("acquire_backoff.max_retries must be greater than 0"))
	}
	if cfg.AcquireBackoff.MaxBackoff < cfg.AcquireBackoff.MinBackoff {
		errs = append(errs, errors.New("acquire_backoff.max_period must not be less than min_period"))
	}

	return errors.Join(errs...)
}

// waitsForFilters reports whether the scan waits for runtime filters.
func (cfg *Config) waitsForFilters() bool {
	return cfg.RuntimeFilterMode != FilterModeOff
}
