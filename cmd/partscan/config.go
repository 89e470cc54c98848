package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/grafana/partscan/pkg/partscan"
	"github.com/grafana/partscan/pkg/partscan/scanner"
	util_log "github.com/grafana/partscan/pkg/util/log"
)

// config is the configuration file of the scan command.
type config struct {
	Bucket  bucketConfig    `yaml:"bucket"`
	Scan    partscan.Config `yaml:"scan"`
	Scanner scanner.Config  `yaml:"scanner"`
	Log     util_log.Config `yaml:"log"`
}

type bucketConfig struct {
	// Dir is the root directory of the filesystem bucket.
	Dir string `yaml:"dir"`

	// LocalHost is the name of this host. Partitions assigned to other
	// hosts are counted as remote.
	LocalHost string `yaml:"local_host"`

	// Hosts partitions are assigned to, round-robin.
	Hosts flagext.StringSliceCSV `yaml:"hosts"`
}

func (cfg *bucketConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Dir, "bucket.dir", "", "Root directory of the filesystem bucket holding tables.")
	f.StringVar(&cfg.LocalHost, "bucket.local-host", "", "Name of this host.")
	f.Var(&cfg.Hosts, "bucket.hosts", "Comma-separated list of hosts partitions are assigned to.")
}

func (cfg *config) RegisterFlags(f *flag.FlagSet) {
	cfg.Bucket.RegisterFlags(f)
	cfg.Scan.RegisterFlags(f)
	cfg.Scanner.RegisterFlags(f)
	cfg.Log.RegisterFlags(f)
}

func (cfg *config) Validate() error {
	if cfg.Bucket.Dir == "" {
		return errors.New("bucket.dir must be set")
	}
	if err := cfg.Scan.Validate(); err != nil {
		return errors.Wrap(err, "invalid scan config")
	}
	if err := cfg.Scanner.Validate(); err != nil {
		return errors.Wrap(err, "invalid scanner config")
	}
	return cfg.Log.Validate()
}

// loadConfig returns the default config overridden by every file in order.
func loadConfig(files []string) (config, error) {
	var cfg config

	// Registering flags applies their default values.
	cfg.RegisterFlags(flag.NewFlagSet("partscan", flag.ContinueOnError))

	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config file %s", file)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}
	return cfg, nil
}
