package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Store keys. Samples and feedback are newline-delimited JSON, one key per
// model; usage counters are a single JSON object.
const (
	samplesPrefix  = "ledger/samples/"
	feedbackPrefix = "ledger/feedback/"
	usageKey       = "ledger/usage"
)

// Load merges stored state into the ledger. Call it once before recording.
// Undecodable records are logged and skipped.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	sampleKeys, err := l.store.Keys(ctx, samplesPrefix)
	if err != nil {
		return fmt.Errorf("failed to list ledger samples: %w", err)
	}
	for _, key := range sampleKeys {
		modelID := strings.TrimPrefix(key, samplesPrefix)
		var samples []Sample
		if err := l.readLines(ctx, key, func(dec *json.Decoder) error {
			var s Sample
			if err := dec.Decode(&s); err != nil {
				return err
			}
			s.ModelID = modelID
			samples = append(samples, s)
			return nil
		}); err != nil {
			return err
		}
		for _, s := range samples {
			_ = l.Record(s)
		}
	}

	feedbackKeys, err := l.store.Keys(ctx, feedbackPrefix)
	if err != nil {
		return fmt.Errorf("failed to list ledger feedback: %w", err)
	}
	for _, key := range feedbackKeys {
		modelID := strings.TrimPrefix(key, feedbackPrefix)
		if err := l.readLines(ctx, key, func(dec *json.Decoder) error {
			var f Feedback
			if err := dec.Decode(&f); err != nil {
				return err
			}
			f.ModelID = modelID
			l.seriesFor(modelID, true).addFeedback(f)
			return nil
		}); err != nil {
			return err
		}
	}

	data, ok, err := l.store.Get(ctx, usageKey)
	if err != nil {
		return fmt.Errorf("failed to read usage counters: %w", err)
	}
	if ok {
		var usage map[string]int64
		if err := json.Unmarshal(data, &usage); err != nil {
			l.logger.Warn("discarding undecodable usage counters", zap.Error(err))
		}
		for id, n := range usage {
			l.counter(id).Store(n)
		}
	}

	l.mu.RLock()
	for _, s := range l.series {
		s.setDirty(false)
	}
	l.mu.RUnlock()
	return nil
}

func (l *Ledger) readLines(ctx context.Context, key string, decode func(*json.Decoder) error) error {
	data, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for line := 1; ; line++ {
		err := decode(dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			l.logger.Warn("skipping undecodable ledger records",
				zap.String("key", key), zap.Int("record", line), zap.Error(err))
			return nil
		}
	}
}

// Flush writes every model changed since the last flush, the usage
// counters, and deletions for pruned models.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.RLock()
	ids := make([]string, 0, len(l.series))
	all := make([]*series, 0, len(l.series))
	for id, s := range l.series {
		ids = append(ids, id)
		all = append(all, s)
	}
	pruned := make([]string, 0, len(l.pruned))
	for id := range l.pruned {
		pruned = append(pruned, id)
	}
	l.mu.RUnlock()

	var errs []error
	for i, s := range all {
		samples, feedback, dirty := s.snapshot()
		if !dirty {
			continue
		}
		if err := l.writeSeries(ctx, ids[i], samples, feedback); err != nil {
			s.setDirty(true)
			errs = append(errs, err)
		}
	}

	usage, err := json.Marshal(l.UsageSnapshot())
	if err == nil {
		err = l.store.Put(ctx, usageKey, usage)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to write usage counters: %w", err))
	}

	for _, id := range pruned {
		delErr := errors.Join(
			l.store.Delete(ctx, samplesPrefix+id),
			l.store.Delete(ctx, feedbackPrefix+id),
		)
		if delErr != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", id, delErr))
			continue
		}
		l.mu.Lock()
		delete(l.pruned, id)
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (l *Ledger) writeSeries(ctx context.Context, modelID string, samples []Sample, feedback []Feedback) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode sample for %s: %w", modelID, err)
		}
	}
	if err := l.store.Put(ctx, samplesPrefix+modelID, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write samples for %s: %w", modelID, err)
	}

	if len(feedback) == 0 {
		return nil
	}
	buf.Reset()
	for _, f := range feedback {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode feedback for %s: %w", modelID, err)
		}
	}
	if err := l.store.Put(ctx, feedbackPrefix+modelID, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write feedback for %s: %w", modelID, err)
	}
	return nil
}
