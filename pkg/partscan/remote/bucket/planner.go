package bucket

import (
	"context"
	"slices"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/grafana/partscan/pkg/partscan/tokens"
)

// Planner produces one token per partition of a table. Planner implements
// [tokens.Source].
type Planner struct {
	bkt    objstore.Bucket
	table  string
	hosts  []string
	logger log.Logger
}

var _ tokens.Source = (*Planner)(nil)

// NewPlanner returns a planner for the table called table. Partitions are
// assigned to hosts round-robin in object order; with no hosts every
// partition is local.
func NewPlanner(bkt objstore.Bucket, table string, hosts []string, logger log.Logger) *Planner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Planner{bkt: bkt, table: table, hosts: hosts, logger: logger}
}

// Tokens implements [tokens.Source]. Tokens are ordered by object name.
func (p *Planner) Tokens(ctx context.Context) ([]tokens.Token, error) {
	var objects []string
	err := p.bkt.Iter(ctx, partsPath(p.table), func(name string) error {
		if strings.HasSuffix(name, partSuffix) {
			objects = append(objects, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list partitions of table %s", p.table)
	}
	slices.Sort(objects)

	toks := make([]tokens.Token, 0, len(objects))
	for i, object := range objects {
		d := descriptor{Table: p.table, Object: object}
		if len(p.hosts) > 0 {
			d.Host = p.hosts[i%len(p.hosts)]
		}

		tok, err := encodeToken(d)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode token for %s", object)
		}
		toks = append(toks, tok)
	}

	level.Debug(p.logger).Log("msg", "planned scan", "table", p.table, "tokens", len(toks))
	return toks, nil
}
