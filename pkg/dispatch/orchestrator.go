// Package dispatch runs a task end to end: classify, select, activate,
// generate, record, and fall back to the next candidate on failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/ledger"
	"github.com/zen-systems/taskroute/pkg/registry"
	"github.com/zen-systems/taskroute/pkg/selector"
)

// MaxFallbacksLimit bounds Options.MaxFallbacks.
const MaxFallbacksLimit = 5

const (
	DefaultAttemptTimeout    = 60 * time.Second
	DefaultActivationTimeout = 2 * time.Minute
	flushTimeout             = 5 * time.Second
)

// Options control one submission.
type Options struct {
	// Timeout bounds each attempt, activation included. Zero uses the
	// orchestrator default.
	Timeout time.Duration

	// MaxFallbacks is how many further candidates are tried after the
	// first failure. It must be in [0, MaxFallbacksLimit].
	MaxFallbacks int

	// DisableFallback stops after the first failed attempt.
	DisableFallback bool

	PreferredCapabilities []string

	// Sink receives streamed text. Adapters that cannot stream deliver the
	// full response in one chunk.
	Sink adapter.Sink
}

// Result is a successful submission.
type Result struct {
	ID        string                  `json:"id"`
	Response  *adapter.Response       `json:"response"`
	Model     adapter.ModelDescriptor `json:"model"`
	Tier      complexity.Tier         `json:"tier"`
	Analysis  complexity.Analysis     `json:"analysis"`
	Selection *selector.Selection     `json:"selection"`
	Attempts  []Attempt               `json:"attempts"`
	States    []State                 `json:"states"`
	Elapsed   time.Duration           `json:"elapsed"`
}

// Orchestrator is the caller-facing entry point. It is safe for concurrent
// use.
type Orchestrator struct {
	classifier *complexity.Classifier
	registry   *registry.Registry
	selector   *selector.Selector
	ledger     *ledger.Ledger
	logger     *zap.Logger

	attemptTimeout    time.Duration
	activationTimeout time.Duration

	activations singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAttemptTimeout sets the per-attempt timeout used when Options.Timeout
// is zero.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithActivationTimeout bounds a shared activation independently of the
// submission that started it.
func WithActivationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.activationTimeout = d
		}
	}
}

// New wires an orchestrator from its collaborators.
func New(cls *complexity.Classifier, reg *registry.Registry, sel *selector.Selector, led *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier:        cls,
		registry:          reg,
		selector:          sel,
		ledger:            led,
		logger:            zap.NewNop(),
		attemptTimeout:    DefaultAttemptTimeout,
		activationTimeout: DefaultActivationTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("dispatch")
	return o
}

type submission struct {
	id       string
	tier     complexity.Tier
	states   []State
	attempts []Attempt
	logger   *zap.Logger
}

func (s *submission) enter(state State) {
	var from State
	if len(s.states) > 0 {
		from = s.states[len(s.states)-1]
	}
	if !validTransition(from, state) {
		s.logger.Error("invalid state transition", zap.String("from", string(from)), zap.String("to", string(state)))
	}
	s.states = append(s.states, state)
	s.logger.Debug("state", zap.String("state", string(state)))
}

func (s *submission) fail(kind ErrorKind, cause error) *DispatchError {
	s.enter(StateFailed)
	return &DispatchError{
		Kind:         kind,
		SubmissionID: s.id,
		Tier:         s.tier,
		Attempts:     s.attempts,
		States:       s.states,
		Cause:        cause,
	}
}

func (s *submission) failures() int {
	n := 0
	for _, a := range s.attempts {
		if !a.Success {
			n++
		}
	}
	return n
}

// Submit classifies the task and dispatches it to the best candidate,
// falling back on failure. Failures are returned as *DispatchError.
func (o *Orchestrator) Submit(ctx context.Context, task complexity.Task, opts Options) (*Result, error) {
	if opts.MaxFallbacks < 0 || opts.MaxFallbacks > MaxFallbacksLimit {
		return nil, fmt.Errorf("%w: max fallbacks %d outside [0,%d]", ErrInvalidOptions, opts.MaxFallbacks, MaxFallbacksLimit)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	maxFallbacks := opts.MaxFallbacks
	if opts.DisableFallback {
		maxFallbacks = 0
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.attemptTimeout
	}

	start := time.Now()
	sub := &submission{id: uuid.NewString()}
	sub.logger = o.logger.With(zap.String("submission", sub.id))
	defer o.flush(ctx, sub.logger)

	sub.enter(StateClassifying)
	analysis := o.classifier.Analyze(task)
	sub.tier = analysis.Tier
	sub.logger.Info("task classified",
		zap.String("tier", analysis.Tier.String()),
		zap.Float64("score", analysis.Score),
		zap.String("task_type", analysis.TaskType))

	req := adapter.Request{
		Messages:    []adapter.Message{{Role: "user", Content: task.Text}},
		Temperature: &analysis.Temperature,
		MaxTokens:   analysis.TokenBudget,
	}

	excluded := make(map[string]bool)
	for {
		sub.enter(StateSelecting)
		model, a, selection, err := o.pick(sub.tier, excluded, opts.PreferredCapabilities)
		if err != nil {
			kind := KindNoEligibleCandidates
			if len(sub.attempts) > 0 {
				kind = KindAllFallbacksExhausted
			}
			derr := sub.fail(kind, nil)
			sub.logger.Warn("submission failed", zap.Error(derr))
			return nil, derr
		}
		sub.logger.Debug("model selected",
			zap.String("model", model.ID),
			zap.Strings("tie_set", selection.TieSet))

		o.ledger.IncrementUsage(model.ID)
		resp, attempt, err := o.attempt(ctx, sub, a, model, req, timeout, opts.Sink)
		sub.attempts = append(sub.attempts, attempt)

		var serr *sinkError
		switch {
		case err == nil:
			sub.enter(StateSucceeded)
			sub.logger.Info("submission succeeded",
				zap.String("model", model.ID),
				zap.Int("attempts", len(sub.attempts)),
				zap.Int64("latency_ms", attempt.LatencyMs))
			return &Result{
				ID:        sub.id,
				Response:  resp,
				Model:     model,
				Tier:      sub.tier,
				Analysis:  analysis,
				Selection: selection,
				Attempts:  sub.attempts,
				States:    sub.states,
				Elapsed:   time.Since(start),
			}, nil
		case errors.As(err, &serr):
			derr := sub.fail(KindAllFallbacksExhausted, serr.err)
			sub.logger.Warn("sink rejected output", zap.Error(serr.err))
			return nil, derr
		case ctx.Err() != nil:
			derr := sub.fail(KindAllFallbacksExhausted, ctx.Err())
			sub.logger.Warn("submission cancelled", zap.Error(derr))
			return nil, derr
		case sub.failures() > maxFallbacks:
			derr := sub.fail(KindAllFallbacksExhausted, nil)
			sub.logger.Warn("submission failed", zap.Error(derr))
			return nil, derr
		}

		excluded[model.ID] = true
		sub.enter(StateRetrying)
		sub.logger.Info("falling back",
			zap.String("model", model.ID),
			zap.String("kind", string(attempt.Kind)),
			zap.String("error", attempt.Error))
	}
}

// pick selects among the registry snapshot. Models whose adapter
// disappeared since the snapshot are skipped.
func (o *Orchestrator) pick(tier complexity.Tier, excluded map[string]bool, preferred []string) (adapter.ModelDescriptor, adapter.Adapter, *selector.Selection, error) {
	skip := make(map[string]bool, len(excluded))
	for id := range excluded {
		skip[id] = true
	}
	for {
		sel, err := o.selector.Choose(tier, o.candidates(tier, skip), selector.Options{PreferredCapabilities: preferred})
		if err != nil {
			return adapter.ModelDescriptor{}, nil, nil, err
		}
		a, ok := o.registry.Adapter(sel.Model.ID)
		if ok {
			return sel.Model, a, sel, nil
		}
		skip[sel.Model.ID] = true
	}
}

// candidates returns healthy tier-compatible models, or every healthy model
// when none is compatible.
func (o *Orchestrator) candidates(tier complexity.Tier, excluded map[string]bool) []adapter.ModelDescriptor {
	var healthy, compatible []adapter.ModelDescriptor
	for _, m := range o.registry.Snapshot() {
		if excluded[m.ID] || !m.Status.Eligible() {
			continue
		}
		healthy = append(healthy, m)
		if o.selector.Compatible(tier, m) {
			compatible = append(compatible, m)
		}
	}
	if len(compatible) == 0 {
		return healthy
	}
	return compatible
}

func (o *Orchestrator) attempt(
	ctx context.Context,
	sub *submission,
	a adapter.Adapter,
	model adapter.ModelDescriptor,
	req adapter.Request,
	timeout time.Duration,
	sink adapter.Sink,
) (*adapter.Response, Attempt, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	attempt := Attempt{ModelID: model.ID}

	if model.Status != adapter.StatusReady {
		sub.enter(StateActivating)
		attempt.Phase = StateActivating
		if err := o.activate(attemptCtx, a, model); err != nil {
			err = adapter.Classify(a.Name(), model.Name, err)
			o.markFailure(ctx, model, err)
			return nil, o.finish(sub, attempt, start, nil, err), err
		}
		if err := o.registry.SetStatus(model.ID, adapter.StatusReady); err != nil {
			sub.logger.Debug("model vanished after activation", zap.String("model", model.ID))
		}
	}

	sub.enter(StateGenerating)
	attempt.Phase = StateGenerating
	resp, err := o.generate(attemptCtx, sub.logger, a, model, req, sink)
	if err != nil {
		var serr *sinkError
		if !errors.As(err, &serr) {
			err = adapter.Classify(a.Name(), model.Name, err)
			o.markFailure(ctx, model, err)
		}
	}
	return resp, o.finish(sub, attempt, start, resp, err), err
}

// finish records the attempt's sample and returns its summary.
func (o *Orchestrator) finish(sub *submission, attempt Attempt, start time.Time, resp *adapter.Response, err error) Attempt {
	attempt.LatencyMs = time.Since(start).Milliseconds()
	sample := ledger.Sample{
		ModelID:   attempt.ModelID,
		Tier:      sub.tier,
		LatencyMs: attempt.LatencyMs,
		Success:   err == nil,
	}

	var serr *sinkError
	switch {
	case errors.As(err, &serr):
		// The caller rejected the output; the model did nothing wrong.
		attempt.Error = serr.Error()
		return attempt
	case err != nil:
		attempt.Kind = adapter.KindOf(err)
		attempt.Error = err.Error()
		sample.ErrorKind = attempt.Kind
	default:
		attempt.Success = true
		sample.TokenEfficiency = ledger.Efficiency(resp.PromptTokens, resp.TokenCount)
	}

	if recErr := o.ledger.Record(sample); recErr != nil {
		sub.logger.Error("failed to record sample", zap.String("model", attempt.ModelID), zap.Error(recErr))
	}
	return attempt
}

// markFailure updates registry health. Only unreachable backends leave
// candidacy; auth and malformed errors affect this submission alone.
func (o *Orchestrator) markFailure(parent context.Context, model adapter.ModelDescriptor, err error) {
	if parent.Err() != nil || adapter.KindOf(err) != adapter.KindUnreachable {
		return
	}
	if setErr := o.registry.SetStatus(model.ID, adapter.StatusUnreachable); setErr == nil {
		o.logger.Warn("model marked unreachable", zap.String("model", model.ID), zap.Error(err))
	}
}

// activate runs at most one Activate per model at a time. The shared call
// is detached from the caller so one caller giving up does not fail the
// others waiting on it.
func (o *Orchestrator) activate(ctx context.Context, a adapter.Adapter, model adapter.ModelDescriptor) error {
	ch := o.activations.DoChan(model.ID, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.activationTimeout)
		defer cancel()
		o.logger.Debug("activating model", zap.String("model", model.ID))
		return nil, a.Activate(actx, model)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "sink: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func (o *Orchestrator) generate(
	ctx context.Context,
	logger *zap.Logger,
	a adapter.Adapter,
	model adapter.ModelDescriptor,
	req adapter.Request,
	sink adapter.Sink,
) (*adapter.Response, error) {
	if sink == nil {
		return a.Generate(ctx, model, req)
	}

	var (
		text    strings.Builder
		sinkErr error
	)
	err := a.Stream(ctx, model, req, func(chunk string) error {
		text.WriteString(chunk)
		if err := sink(chunk); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	switch {
	case sinkErr != nil:
		return nil, &sinkError{err: sinkErr}
	case err == nil:
		return &adapter.Response{
			Text:         text.String(),
			FinishReason: "stop",
			ModelID:      model.ID,
			ProviderID:   a.Name(),
		}, nil
	case !errors.Is(err, adapter.ErrUnsupported):
		return nil, err
	}

	logger.Debug("streaming unsupported, generating instead", zap.String("model", model.ID))
	resp, err := a.Generate(ctx, model, req)
	if err != nil {
		return nil, err
	}
	if err := sink(resp.Text); err != nil {
		return nil, &sinkError{err: err}
	}
	return resp, nil
}

// Feedback records a user satisfaction score in [0,1] for a model's
// answer to a task of the given tier.
func (o *Orchestrator) Feedback(ctx context.Context, modelID string, tier complexity.Tier, score float64) error {
	if err := o.ledger.RecordFeedback(modelID, tier, score); err != nil {
		return err
	}
	o.flush(ctx, o.logger)
	return nil
}

// flush persists the ledger. Failures are logged, never returned.
func (o *Orchestrator) flush(ctx context.Context, logger *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := o.ledger.Flush(fctx); err != nil {
		logger.Warn("ledger flush failed", zap.Error(err))
	}
}
