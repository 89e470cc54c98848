package counters

import (
	"maps"
	"sync"
)

// Reporter receives finalized statistics. An [Aggregator] calls Publish at
// most once.
type Reporter interface {
	Publish(s Snapshot)
}

// ReporterFunc adapts a function to a [Reporter].
type ReporterFunc func(s Snapshot)

// Publish implements [Reporter].
func (f ReporterFunc) Publish(s Snapshot) { f(s) }

// MultiReporter publishes to every reporter in order.
type MultiReporter []Reporter

// Publish implements [Reporter].
func (m MultiReporter) Publish(s Snapshot) {
	for _, r := range m {
		if r != nil {
			r.Publish(s)
		}
	}
}

// Profile is an in-memory [Reporter] holding the values of the last published
// snapshot, similar to a node's runtime profile.
type Profile struct {
	mut       sync.RWMutex
	values    map[string]int64
	published int
}

var _ Reporter = (*Profile)(nil)

// NewProfile returns an empty Profile.
func NewProfile() *Profile {
	return &Profile{values: make(map[string]int64)}
}

// Publish implements [Reporter].
func (p *Profile) Publish(s Snapshot) {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.values = s.Values()
	p.published++
}

// Values returns a copy of the published values.
func (p *Profile) Values() map[string]int64 {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return maps.Clone(p.values)
}

// Get returns the published value of stat.
func (p *Profile) Get(stat Statistic) int64 {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return p.values[stat.Name]
}

// Published returns how many snapshots were published to p.
func (p *Profile) Published() int {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return p.published
}
