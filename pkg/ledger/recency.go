package ledger

import (
	"math"
	"sync"
)

// DefaultUsageHalfLife is the number of dispatches, across all models,
// after which a dispatch counts half in RecentUsage.
const DefaultUsageHalfLife = 8

// recency tracks recent dispatches in memory only. Lifetime counters are
// persisted; this is what load balancing reads.
type recency struct {
	mu     sync.Mutex
	seq    uint64
	decay  float64
	models map[string]*recentUse
}

type recentUse struct {
	value float64
	last  uint64
}

func newRecency(halfLife int) *recency {
	return &recency{
		decay:  math.Pow(0.5, 1/float64(halfLife)),
		models: make(map[string]*recentUse),
	}
}

func (r *recency) touch(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	u := r.models[modelID]
	if u == nil {
		u = &recentUse{}
		r.models[modelID] = u
	}
	u.value = u.value*math.Pow(r.decay, float64(r.seq-u.last)) + 1
	u.last = r.seq
}

func (r *recency) usage(modelID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.models[modelID]
	if u == nil {
		return 0
	}
	return u.value * math.Pow(r.decay, float64(r.seq-u.last))
}

func (r *recency) lastUsed(modelID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u := r.models[modelID]; u != nil {
		return u.last
	}
	return 0
}

func (r *recency) forget(keep map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.models {
		if !keep[id] {
			delete(r.models, id)
		}
	}
}

// RecentUsage returns the model's dispatch count decayed by the usage
// half-life. It starts at zero for every model in a new process.
func (l *Ledger) RecentUsage(modelID string) float64 {
	return l.recent.usage(modelID)
}

// LastUsed returns the sequence number of the model's latest dispatch in
// this process, zero if it has not been dispatched.
func (l *Ledger) LastUsed(modelID string) uint64 {
	return l.recent.lastUsed(modelID)
}
