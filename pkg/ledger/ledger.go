// Package ledger records dispatch outcomes and answers aggregate queries
// about them.
//
// Each model keeps a bounded ring of its most recent samples; the oldest
// sample is evicted first. Writers for different models never contend:
// the model map is guarded by a read-mostly lock and each model's ring by
// its own mutex. Usage counters are atomic and independent of samples.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/kv"
)

// DefaultCapacity is the per-model sample cap.
const DefaultCapacity = 1000

// ErrInvalidFeedback is returned for feedback outside [0,1] or without a
// model.
var ErrInvalidFeedback = errors.New("ledger: invalid feedback")

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	series   map[string]*series
	usage    map[string]*atomic.Int64
	pruned   map[string]bool
	capacity int
	halfLife int
	recent   *recency

	// flushMu serialises Flush so an older snapshot never overwrites a
	// newer one.
	flushMu sync.Mutex

	store  kv.Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCapacity sets the per-model sample cap.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithUsageHalfLife sets how many dispatches it takes for a dispatch to
// count half in RecentUsage.
func WithUsageHalfLife(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.halfLife = n
		}
	}
}

// WithStore sets the persistence backend used by Load and Flush.
func WithStore(s kv.Store) Option {
	return func(l *Ledger) {
		l.store = s
	}
}

// WithLogger sets the ledger logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		series:   make(map[string]*series),
		usage:    make(map[string]*atomic.Int64),
		pruned:   make(map[string]bool),
		capacity: DefaultCapacity,
		halfLife: DefaultUsageHalfLife,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ledger")
	l.recent = newRecency(l.halfLife)
	return l
}

func (l *Ledger) seriesFor(modelID string, create bool) *series {
	l.mu.RLock()
	s := l.series[modelID]
	l.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.series[modelID]; s == nil {
		s = newSeries(l.capacity)
		l.series[modelID] = s
		delete(l.pruned, modelID)
	}
	return s
}

// Record appends a sample, evicting the model's oldest sample beyond the
// cap. A zero timestamp is set to now.
func (l *Ledger) Record(sample Sample) error {
	if sample.ModelID == "" {
		return fmt.Errorf("ledger: sample without model id")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = l.now()
	}
	l.seriesFor(sample.ModelID, true).add(sample)
	return nil
}

// RecordFeedback stores a satisfaction score in [0,1] for a model and tier.
func (l *Ledger) RecordFeedback(modelID string, tier complexity.Tier, score float64) error {
	if modelID == "" || score < 0 || score > 1 {
		return fmt.Errorf("%w: model=%q score=%v", ErrInvalidFeedback, modelID, score)
	}
	l.seriesFor(modelID, true).addFeedback(Feedback{
		ModelID:   modelID,
		Tier:      tier,
		Score:     score,
		Timestamp: l.now(),
	})
	return nil
}

// Aggregate summarises a model's samples for tier. No samples yields
// Neutral.
func (l *Ledger) Aggregate(modelID string, tier complexity.Tier) Aggregate {
	s := l.seriesFor(modelID, false)
	if s == nil {
		return Neutral()
	}
	return s.aggregate(tier)
}

// Len reports how many samples are retained for a model.
func (l *Ledger) Len(modelID string) int {
	s := l.seriesFor(modelID, false)
	if s == nil {
		return 0
	}
	return s.len()
}

// Recorded reports how many samples were ever recorded for a model,
// including evicted ones.
func (l *Ledger) Recorded(modelID string) int64 {
	s := l.seriesFor(modelID, false)
	if s == nil {
		return 0
	}
	return s.recorded.Load()
}

// Samples returns a model's retained samples, oldest first.
func (l *Ledger) Samples(modelID string) []Sample {
	s := l.seriesFor(modelID, false)
	if s == nil {
		return nil
	}
	return s.all()
}

// Models returns every model with samples, feedback or usage, sorted.
func (l *Ledger) Models() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := make(map[string]bool, len(l.series)+len(l.usage))
	for id := range l.series {
		set[id] = true
	}
	for id := range l.usage {
		set[id] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) counter(modelID string) *atomic.Int64 {
	l.mu.RLock()
	c := l.usage[modelID]
	l.mu.RUnlock()
	if c != nil {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c = l.usage[modelID]; c == nil {
		c = new(atomic.Int64)
		l.usage[modelID] = c
	}
	return c
}

// IncrementUsage bumps the model's lifetime and recent dispatch counters
// and returns the new lifetime value.
func (l *Ledger) IncrementUsage(modelID string) int64 {
	l.recent.touch(modelID)
	return l.counter(modelID).Add(1)
}

// Usage returns the model's dispatch counter.
func (l *Ledger) Usage(modelID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c := l.usage[modelID]; c != nil {
		return c.Load()
	}
	return 0
}

// UsageSnapshot copies every usage counter.
func (l *Ledger) UsageSnapshot() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64, len(l.usage))
	for id, c := range l.usage {
		out[id] = c.Load()
	}
	return out
}

// Prune drops samples, feedback and usage of every model not in keep and
// returns the dropped IDs. Dropped models are deleted from the store on
// the next Flush.
func (l *Ledger) Prune(keep []string) []string {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	l.recent.forget(keepSet)

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := make(map[string]bool)
	for id := range l.series {
		if !keepSet[id] {
			delete(l.series, id)
			dropped[id] = true
		}
	}
	for id := range l.usage {
		if !keepSet[id] {
			delete(l.usage, id)
			dropped[id] = true
		}
	}

	ids := make([]string, 0, len(dropped))
	for id := range dropped {
		l.pruned[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		l.logger.Info("pruned ledger history", zap.Strings("models", ids))
	}
	return ids
}
