package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	testCases := []struct {
		testName  string
		level     string
		format    string
		expectErr bool
		contains  []string
		excludes  []string
	}{
		{
			testName: "logfmt drops debug at info",
			level:    "info",
			format:   FormatLogfmt,
			contains: []string{`level=info`, `msg="scan finished"`, `caller=log_test.go:`},
			excludes: []string{"level=debug"},
		},
		{
			testName: "json keeps debug at debug",
			level:    "debug",
			format:   FormatJSON,
			contains: []string{`"level":"debug"`, `"msg":"scan finished"`, `"caller":"log_test.go:`},
		},
		{
			testName:  "unsupported format",
			level:     "info",
			format:    "xml",
			expectErr: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.testName, func(t *testing.T) {
			var lvl dslog.Level
			require.NoError(t, lvl.Set(testCase.level))

			var buf bytes.Buffer
			logger, err := NewLogger(Config{Level: lvl, Format: testCase.format}, &buf)
			if testCase.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			level.Debug(logger).Log("msg", "planning scan")
			level.Info(logger).Log("msg", "scan finished")

			out := buf.String()
			for _, s := range testCase.contains {
				require.Contains(t, out, s)
			}
			for _, s := range testCase.excludes {
				require.False(t, strings.Contains(out, s), "unexpected %q in %q", s, out)
			}
		})
	}
}

func TestNewLogger_CallerWithContext(t *testing.T) {
	var lvl dslog.Level
	require.NoError(t, lvl.Set("info"))

	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: lvl, Format: FormatLogfmt}, &buf)
	require.NoError(t, err)

	level.Info(log.With(logger, "table", "logs")).Log("msg", "opened scan")
	require.Contains(t, buf.String(), "caller=log_test.go:")
	require.Contains(t, buf.String(), "table=logs")
}
