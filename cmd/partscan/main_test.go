package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/partscan/pkg/partscan"
	"github.com/grafana/partscan/pkg/partscan/remote"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
bucket:
  dir: /data
scan:
  table: logs
  columns: ts,host
  expected_filters: [1, 2]
scanner:
  threads: 8
`), 0o644))

	override := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
scan:
  runtime_filter_mode: local
  runtime_filter_wait_time: 250ms
log:
  level: debug
`), 0o644))

	cfg, err := loadConfig([]string{base, override})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/data", cfg.Bucket.Dir)
	require.Equal(t, "logs", cfg.Scan.Table)
	require.Equal(t, []string{"ts", "host"}, []string(cfg.Scan.Columns))
	require.Equal(t, []int{1, 2}, []int(cfg.Scan.ExpectedFilters))
	require.Equal(t, partscan.FilterModeLocal, cfg.Scan.RuntimeFilterMode)
	require.Equal(t, 250*time.Millisecond, cfg.Scan.RuntimeFilterWaitTime)
	require.Equal(t, 8, cfg.Scanner.Threads)
	require.Equal(t, 1024, cfg.Scanner.BatchSize, "unset values keep their defaults")
	require.Equal(t, partscan.DefaultAcquireRetries, cfg.Scan.AcquireBackoff.MaxRetries)
	require.Equal(t, "debug", cfg.Log.Level.String())
}

func TestLoadConfig_UnknownField(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("scan:\n  tabel: logs\n"), 0o644))

	_, err := loadConfig([]string{file})
	require.Error(t, err)
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter("3:host=a,b")
	require.NoError(t, err)
	require.Equal(t, 3, f.ID)
	require.Equal(t, "host", f.Column)
	require.True(t, f.MayContain("a"))
	require.True(t, f.MayContain("b"))

	for _, bad := range []string{"host=a", "x:host=a", "3:=a", "3:host"} {
		_, err := parseFilter(bad)
		require.Error(t, err, bad)
	}
}

func TestParseColumns(t *testing.T) {
	columns, err := parseColumns([]string{"ts:int64", "line:string"})
	require.NoError(t, err)
	require.Equal(t, []remote.Column{
		{Name: "ts", Type: remote.ColumnTypeInt64},
		{Name: "line", Type: remote.ColumnTypeString},
	}, columns)

	_, err = parseColumns([]string{"ts:decimal"})
	require.Error(t, err)
	_, err = parseColumns([]string{"ts"})
	require.Error(t, err)
}

func TestReadRows_KeepsIntegerPrecision(t *testing.T) {
	file := filepath.Join(t.TempDir(), "0000.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(`{"id": 9007199254740993, "line": "a"}`+"\n"), 0o644))

	rows, size, err := readRows(file)
	require.NoError(t, err)
	require.Positive(t, size)
	require.Len(t, rows, 1)
	require.Equal(t, "9007199254740993", fmt.Sprint(rows[0]["id"]))
	require.Equal(t, "a", rows[0]["line"])
}
