package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/grafana/partscan/pkg/partscan"
	"github.com/grafana/partscan/pkg/partscan/counters"
	"github.com/grafana/partscan/pkg/partscan/filters"
	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/remote/bucket"
	"github.com/grafana/partscan/pkg/partscan/scanner"
	util_flagext "github.com/grafana/partscan/pkg/util/flagext"
	util_log "github.com/grafana/partscan/pkg/util/log"
)

// scanCommand scans a table and prints its rows and statistics.
type scanCommand struct {
	configFiles util_flagext.ConfigFiles

	bucketDir   *string
	table       *string
	columns     *string
	threads     *int
	filters     *[]string
	filterDelay *time.Duration
	output      *bool
	metrics     *bool
}

func addScanCommand(app *kingpin.Application) {
	cmd := &scanCommand{}
	scan := app.Command("scan", "Scan a table.").Action(cmd.run)

	scan.Flag("config.file", "YAML configuration file. May be repeated; later files override earlier ones.").SetValue(&cmd.configFiles)
	cmd.bucketDir = scan.Flag("bucket.dir", "Root directory of the filesystem bucket. Overrides the config file.").String()
	cmd.table = scan.Flag("table", "Table to scan. Overrides the config file.").String()
	cmd.columns = scan.Flag("columns", "Comma-separated list of columns to read. Overrides the config file.").String()
	cmd.threads = scan.Flag("threads", "Number of scanner threads. Overrides the config file.").Int()
	cmd.filters = scan.Flag("filter", "Runtime filter as ID:column=value1,value2. May be repeated.").Strings()
	cmd.filterDelay = scan.Flag("filter.delay", "Delay before runtime filters given with --filter arrive.").Default("0s").Duration()
	cmd.output = scan.Flag("output", "Print scanned rows as JSON lines to stdout.").Bool()
	cmd.metrics = scan.Flag("metrics", "Print Prometheus metrics after the scan.").Bool()
}

func (cmd *scanCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := loadConfig(cmd.configFiles)
	if err != nil {
		exitWithErr(err)
	}
	cmd.applyOverrides(&cfg)

	runtimeFilters := make([]filters.Filter, 0, len(*cmd.filters))
	for _, s := range *cmd.filters {
		f, err := parseFilter(s)
		if err != nil {
			exitWithErr(err)
		}
		runtimeFilters = append(runtimeFilters, f)
		cfg.Scan.ExpectedFilters = append(cfg.Scan.ExpectedFilters, f.ID)
	}

	if err := cfg.Validate(); err != nil {
		exitWithErr(err)
	}
	logger, err := util_log.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		exitWithErr(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.scan(ctx, cfg, runtimeFilters, logger); err != nil {
		exitWithErr(err)
	}
	return nil
}

func (cmd *scanCommand) applyOverrides(cfg *config) {
	if *cmd.bucketDir != "" {
		cfg.Bucket.Dir = *cmd.bucketDir
	}
	if *cmd.table != "" {
		cfg.Scan.Table = *cmd.table
	}
	if *cmd.columns != "" {
		_ = cfg.Scan.Columns.Set(*cmd.columns)
	}
	if *cmd.threads > 0 {
		cfg.Scanner.Threads = *cmd.threads
	}
}

func (cmd *scanCommand) scan(ctx context.Context, cfg config, runtimeFilters []filters.Filter, logger log.Logger) error {
	bkt, err := filesystem.NewBucket(cfg.Bucket.Dir)
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}
	defer bkt.Close()

	metrics := partscan.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	cache, err := remote.NewSchemaCache(0)
	if err != nil {
		return err
	}
	profile := counters.NewProfile()

	handles := remote.NewHandles(bucket.NewClient(bkt, cfg.Bucket.LocalHost, logger), logger)
	handles.OnClose(cache.Forget)

	coord, err := partscan.New(partscan.Params{
		Logger:      logger,
		Handles:     handles,
		Tokens:      bucket.NewPlanner(bkt, cfg.Scan.Table, cfg.Bucket.Hosts, logger),
		SchemaCache: cache,
		Reporter:    profile,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(context.Background()); err != nil {
			level.Warn(logger).Log("msg", "failed to close scan", "err", err)
		}
	}()

	if err := coord.Init(cfg.Scan); err != nil {
		return err
	}
	if err := coord.Prepare(ctx); err != nil {
		return err
	}

	for _, f := range runtimeFilters {
		time.AfterFunc(*cmd.filterDelay, func() { coord.MarkFilterArrived(f) })
	}

	start := time.Now()
	if err := coord.Open(ctx); err != nil {
		return err
	}

	var sink scanner.Sink = scanner.SinkFunc(func(context.Context, []remote.Row) error { return nil })
	if *cmd.output {
		sink = newJSONSink(os.Stdout)
	}

	pool, err := scanner.NewPool(cfg.Scanner, coord, sink, logger)
	if err != nil {
		return err
	}
	if err := pool.Run(ctx); err != nil {
		return err
	}
	if err := coord.Close(ctx); err != nil {
		return err
	}

	printSummary(os.Stderr, coord, profile, time.Since(start))
	if *cmd.metrics {
		return printMetrics(os.Stderr, reg)
	}
	return nil
}

// parseFilter parses a runtime filter given as ID:column=value1,value2.
func parseFilter(s string) (filters.Filter, error) {
	idStr, rest, ok := strings.Cut(s, ":")
	if !ok {
		return filters.Filter{}, fmt.Errorf("invalid filter %q: missing ID", s)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return filters.Filter{}, fmt.Errorf("invalid filter %q: %w", s, err)
	}
	column, values, ok := strings.Cut(rest, "=")
	if !ok || column == "" {
		return filters.Filter{}, fmt.Errorf("invalid filter %q: missing column", s)
	}

	var set []any
	for _, v := range strings.Split(values, ",") {
		set = append(set, v)
	}
	return filters.NewFilter(id, column, set, 0.001), nil
}

// jsonSink writes rows as JSON lines.
type jsonSink struct {
	mut sync.Mutex
	enc *jsoniter.Encoder
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)}
}

func (s *jsonSink) Send(_ context.Context, rows []remote.Row) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, row := range rows {
		if err := s.enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, coord *partscan.Coordinator, profile *counters.Profile, elapsed time.Duration) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, "Scan:")
	fmt.Fprintf(w, "\t%s\n", coord)
	fmt.Fprintf(w,
		"\ttokens: %d (remote: %d), round trips: %d, elapsed: %v\n",
		profile.Get(counters.StatTokensScanned),
		profile.Get(counters.StatRemoteTokens),
		profile.Get(counters.StatRoundTrips),
		elapsed.Round(time.Millisecond),
	)
	fmt.Fprintf(w,
		"\trows read: %s, rows filtered: %s, bytes read: %s\n",
		humanize.Comma(profile.Get(counters.StatRowsRead)),
		humanize.Comma(profile.Get(counters.StatRowsFiltered)),
		humanize.Bytes(uint64(profile.Get(counters.StatBytesRead))),
	)
	fmt.Fprintf(w,
		"\tscanner time: %v, slowest token: %v\n",
		time.Duration(profile.Get(counters.StatActiveDuration)).Round(time.Millisecond),
		time.Duration(profile.Get(counters.StatMaxTokenDuration)).Round(time.Millisecond),
	)
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
