// Package log builds the process logger.
package log

import (
	"flag"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Supported log formats.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config configures the process logger.
type Config struct {
	Level  dslog.Level `yaml:"level"`
	Format string      `yaml:"format"`
}

// RegisterFlags registers flags for the logger.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Level.RegisterFlags(f)
	f.StringVar(&cfg.Format, "log.format", FormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// Validate returns an error if the config is invalid.
func (cfg *Config) Validate() error {
	switch cfg.Format {
	case FormatLogfmt, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

// NewLogger returns a logger writing to w in the configured format, dropping
// messages below the configured level. Every message carries a timestamp and
// its caller.
func NewLogger(cfg Config, w io.Writer) (log.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logger log.Logger
	w = log.NewSyncWriter(w)
	if cfg.Format == FormatJSON {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}

	if cfg.Level.Option != nil {
		logger = level.NewFilter(logger, cfg.Level.Option)
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
