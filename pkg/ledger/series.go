package ledger

import (
	"sync"
	"sync/atomic"

	"github.com/zen-systems/taskroute/pkg/complexity"
)

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// each visits elements oldest first.
func (r *ring[T]) each(fn func(T)) {
	if r.full {
		for _, v := range r.buf[r.next:] {
			fn(v)
		}
	}
	for _, v := range r.buf[:r.next] {
		fn(v)
	}
}

// series holds one model's history.
type series struct {
	mu       sync.Mutex
	samples  ring[Sample]
	feedback ring[Feedback]
	dirty    bool

	recorded atomic.Int64
}

func newSeries(capacity int) *series {
	return &series{
		samples:  newRing[Sample](capacity),
		feedback: newRing[Feedback](capacity),
	}
}

func (s *series) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.push(sample)
	s.dirty = true
	s.recorded.Add(1)
}

func (s *series) addFeedback(f Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback.push(f)
	s.dirty = true
}

func (s *series) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.len()
}

func (s *series) all() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, s.samples.len())
	s.samples.each(func(v Sample) { out = append(out, v) })
	return out
}

// snapshot returns samples and feedback and clears the dirty flag if it
// was set.
func (s *series) snapshot() ([]Sample, []Feedback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil, nil, false
	}
	samples := make([]Sample, 0, s.samples.len())
	s.samples.each(func(v Sample) { samples = append(samples, v) })
	feedback := make([]Feedback, 0, s.feedback.len())
	s.feedback.each(func(v Feedback) { feedback = append(feedback, v) })
	s.dirty = false
	return samples, feedback, true
}

func (s *series) setDirty(dirty bool) {
	s.mu.Lock()
	s.dirty = dirty
	s.mu.Unlock()
}

func (s *series) aggregate(tier complexity.Tier) Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		agg                Aggregate
		latency, successes float64
		effSum, satSum     float64
		effCount, satCount int
	)
	s.samples.each(func(v Sample) {
		if v.Tier != tier {
			return
		}
		agg.SampleCount++
		latency += float64(v.LatencyMs)
		if v.Success {
			successes++
		}
		if v.TokenEfficiency != nil {
			effSum += *v.TokenEfficiency
			effCount++
		}
		if v.Satisfaction != nil {
			satSum += *v.Satisfaction
			satCount++
		}
	})
	s.feedback.each(func(f Feedback) {
		if f.Tier == tier {
			satSum += f.Score
			satCount++
		}
	})

	if agg.SampleCount == 0 {
		neutral := Neutral()
		if satCount > 0 {
			avg := satSum / float64(satCount)
			neutral.AvgSatisfaction = &avg
		}
		return neutral
	}

	n := float64(agg.SampleCount)
	agg.AvgLatencyMs = latency / n
	agg.SuccessRate = successes / n
	if effCount > 0 {
		avg := effSum / float64(effCount)
		agg.AvgEfficiency = &avg
	}
	if satCount > 0 {
		avg := satSum / float64(satCount)
		agg.AvgSatisfaction = &avg
	}
	return agg
}
