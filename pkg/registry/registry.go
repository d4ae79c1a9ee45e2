// Package registry tracks the adapters and models known to one engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/taskroute/pkg/adapter"
)

var (
	ErrDuplicateAdapter = errors.New("registry: adapter already registered")
	ErrDuplicateModel   = errors.New("registry: duplicate model id")
	ErrUnknownModel     = errors.New("registry: unknown model")
	ErrUnknownAdapter   = errors.New("registry: unknown adapter")
)

// DefaultCooldown is how long an unreachable model sits out before it is
// offered for selection again.
const DefaultCooldown = time.Minute

type entry struct {
	model   adapter.ModelDescriptor
	adapter adapter.Adapter
	since   time.Time // when status last changed
}

// Registry is safe for concurrent use. Callers take a Snapshot per
// selection so status changes never race with scoring.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	models   map[string]*entry

	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCooldown sets the re-probe cooldown for unreachable models. Zero
// disables automatic re-entry.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		r.cooldown = d
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		adapters: make(map[string]adapter.Adapter),
		models:   make(map[string]*entry),
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

// Register lists the adapter's models and adds them. Registration fails
// without side effects if any model ID is already taken.
func (r *Registry) Register(ctx context.Context, a adapter.Adapter) error {
	models := a.ListModels(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.Name())
	}

	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if _, ok := r.models[m.ID]; ok || seen[m.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, m.ID)
		}
		seen[m.ID] = true
	}

	r.adapters[a.Name()] = a
	now := r.now()
	for _, m := range models {
		r.models[m.ID] = &entry{model: m, adapter: a, since: now}
	}

	if len(models) == 0 {
		r.logger.Warn("adapter registered with no models", zap.String("adapter", a.Name()))
	} else {
		r.logger.Info("adapter registered", zap.String("adapter", a.Name()), zap.Int("models", len(models)))
	}
	return nil
}

// Unregister removes an adapter and its models, returning the removed IDs.
func (r *Registry) Unregister(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	delete(r.adapters, name)

	var removed []string
	for id, e := range r.models {
		if e.adapter.Name() == name {
			delete(r.models, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	r.logger.Info("adapter unregistered", zap.String("adapter", name), zap.Strings("models", removed))
	return removed, nil
}

// Snapshot returns a copy of every model descriptor sorted by ID.
// Unreachable models whose cooldown has elapsed are returned as available.
func (r *Registry) Snapshot() []adapter.ModelDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]adapter.ModelDescriptor, 0, len(r.models))
	for _, e := range r.models {
		if e.model.Status == adapter.StatusUnreachable && r.cooldown > 0 && now.Sub(e.since) >= r.cooldown {
			e.model.Status = adapter.StatusAvailable
			e.since = now
			r.logger.Info("model re-entering candidacy after cooldown", zap.String("model", e.model.ID))
		}
		m := e.model
		m.Capabilities = append([]string(nil), e.model.Capabilities...)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Model returns the descriptor for id.
func (r *Registry) Model(id string) (adapter.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[id]
	if !ok {
		return adapter.ModelDescriptor{}, false
	}
	return e.model, true
}

// Adapter returns the adapter that serves model id.
func (r *Registry) Adapter(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Adapters returns the registered adapter names in sorted order.
func (r *Registry) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStatus records a status reported for model id.
func (r *Registry) SetStatus(id string, status adapter.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.models[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if e.model.Status != status {
		r.logger.Debug("model status changed",
			zap.String("model", id),
			zap.String("from", string(e.model.Status)),
			zap.String("to", string(status)))
		e.model.Status = status
		e.since = r.now()
	}
	return nil
}

// Refresh re-lists every adapter's models. New models are added, models
// that disappeared are removed, and health reported by the registry is
// kept for models that remain. Adapters that list nothing are skipped so a
// backend outage does not wipe its catalog. Refresh returns the IDs it
// removed.
func (r *Registry) Refresh(ctx context.Context) []string {
	r.mu.RLock()
	adapters := make([]adapter.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	listed := make(map[string][]adapter.ModelDescriptor, len(adapters))
	for _, a := range adapters {
		listed[a.Name()] = a.ListModels(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed []string
	for _, a := range adapters {
		if _, still := r.adapters[a.Name()]; !still {
			continue
		}
		models := listed[a.Name()]
		if len(models) == 0 {
			r.logger.Warn("refresh listed no models; keeping catalog", zap.String("adapter", a.Name()))
			continue
		}

		current := make(map[string]bool, len(models))
		for _, m := range models {
			if prev, ok := r.models[m.ID]; ok {
				if prev.adapter.Name() != a.Name() {
					r.logger.Warn("model id claimed by another adapter", zap.String("model", m.ID))
					continue
				}
				switch prev.model.Status {
				case adapter.StatusReady, adapter.StatusDegraded, adapter.StatusUnreachable:
					m.Status = prev.model.Status
				}
				prev.model = m
			} else {
				r.models[m.ID] = &entry{model: m, adapter: a, since: now}
			}
			current[m.ID] = true
		}

		for id, e := range r.models {
			if e.adapter.Name() == a.Name() && !current[id] {
				delete(r.models, id)
				removed = append(removed, id)
			}
		}
	}
	sort.Strings(removed)
	return removed
}
