package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/remote/bucket"
)

// loadCommand loads JSON lines files into a table, one partition per file.
type loadCommand struct {
	bucketDir *string
	table     *string
	columns   *[]string
	files     *[]string
}

func addLoadCommand(app *kingpin.Application) {
	cmd := &loadCommand{}
	load := app.Command("load", "Load JSON lines files into a table, one partition per file.").Action(cmd.run)

	cmd.bucketDir = load.Flag("bucket.dir", "Root directory of the filesystem bucket.").Required().String()
	cmd.table = load.Flag("table", "Table to load into.").Required().String()
	cmd.columns = load.Flag("column", "Column as name:type. May be repeated. Valid types: string, int64, float64, bool, bytes.").Required().Strings()
	cmd.files = load.Arg("file", "The JSON lines files to load.").Required().ExistingFiles()
}

func (cmd *loadCommand) run(_ *kingpin.ParseContext) error {
	columns, err := parseColumns(*cmd.columns)
	if err != nil {
		exitWithErr(err)
	}

	bkt, err := filesystem.NewBucket(*cmd.bucketDir)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to open bucket: %w", err))
	}
	defer bkt.Close()

	ctx := context.Background()
	if err := bucket.WriteTable(ctx, bkt, *cmd.table, columns); err != nil {
		exitWithErr(fmt.Errorf("failed to write table schema: %w", err))
	}

	for _, file := range *cmd.files {
		rows, size, err := readRows(file)
		if err != nil {
			exitWithErr(err)
		}

		part := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		if err := bucket.WritePart(ctx, bkt, *cmd.table, part, rows); err != nil {
			exitWithErr(fmt.Errorf("failed to write partition %s: %w", part, err))
		}
		fmt.Printf("loaded %s: %s rows, %s\n", part, humanize.Comma(int64(len(rows))), humanize.Bytes(uint64(size)))
	}
	return nil
}

func parseColumns(specs []string) ([]remote.Column, error) {
	columns := make([]remote.Column, 0, len(specs))
	for _, spec := range specs {
		name, typ, ok := strings.Cut(spec, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid column %q: expected name:type", spec)
		}
		col := remote.Column{Name: name, Type: remote.ColumnType(typ)}
		if !col.Type.Valid() {
			return nil, fmt.Errorf("invalid column %q: unsupported type %q", spec, typ)
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func readRows(file string) ([]remote.Row, int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read fileinfo: %w", err)
	}

	var rows []remote.Row
	dec := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(f)
	dec.UseNumber()
	for {
		var row remote.Row
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, 0, fmt.Errorf("failed to decode row %d of %s: %w", len(rows)+1, file, err)
		}
		rows = append(rows, row)
	}
	return rows, fi.Size(), nil
}
