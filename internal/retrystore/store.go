// Package retrystore keeps telemetry batches that failed delivery in a
// durable medium and resubmits them at the start of the next session.
package retrystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
)

// DefaultKey is the medium key holding the failed-event array.
const DefaultKey = "beacon.failed_events"

var errNoSink = errors.New("no sink configured")

// Options configures a Store.
type Options struct {
	Medium  kv.Medium
	Sink    telemetry.Sink
	Key     string
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Store is the failure-retry side buffer. Append and DrainAndRetry are
// serialized, so an append that lands while a drain is in flight is never
// wiped by the drain's clear.
type Store struct {
	mu      sync.Mutex
	medium  kv.Medium
	sink    telemetry.Sink
	key     string
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// New creates a retry store.
func New(opts Options) *Store {
	s := &Store{
		medium:  opts.Medium,
		sink:    opts.Sink,
		key:     opts.Key,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if s.medium == nil {
		s.medium = kv.NewMemory()
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("retrystore")
	return s
}

// Append adds events to the stored array, keeping their order. Failures are
// logged; the events are lost in that case.
func (s *Store) Append(ctx context.Context, events []store.TelemetryEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _, err := s.load(ctx)
	if err != nil {
		s.log.Warn("read retry store failed, starting from empty", zap.Error(err))
		existing = nil
	}

	merged := make([]store.TelemetryEvent, 0, len(existing)+len(events))
	merged = append(merged, existing...)
	merged = append(merged, events...)

	raw, err := json.Marshal(merged)
	if err != nil {
		s.log.Error("encode retry store failed", zap.Int("events", len(events)), zap.Error(err))
		return
	}
	if err := s.medium.SetItem(ctx, s.key, string(raw)); err != nil {
		s.log.Error("write retry store failed", zap.Int("events", len(events)), zap.Error(err))
		return
	}
	s.log.Debug("events appended to retry store",
		zap.Int("events", len(events)),
		zap.Int("total", len(merged)),
	)
}

// DrainAndRetry resubmits every stored event as one batch. On success the
// stored array is removed; on failure it is left exactly as it was.
func (s *Store) DrainAndRetry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, present, err := s.load(ctx)
	if err != nil {
		var corrupt *CorruptError
		if errors.As(err, &corrupt) {
			s.log.Warn("discarding unreadable retry store", zap.Error(err))
			if rmErr := s.medium.RemoveItem(ctx, s.key); rmErr != nil {
				s.log.Warn("clear unreadable retry store failed", zap.Error(rmErr))
			}
			s.metrics.RetryDrain("empty")
			return
		}
		s.log.Warn("read retry store failed", zap.Error(err))
		s.metrics.RetryDrain("failed")
		return
	}
	if len(events) == 0 {
		if present {
			if err := s.medium.RemoveItem(ctx, s.key); err != nil {
				s.log.Debug("clear empty retry store failed", zap.Error(err))
			}
		}
		s.metrics.RetryDrain("empty")
		return
	}

	insertErr := errNoSink
	if s.sink != nil {
		insertErr = s.sink.InsertEvents(ctx, events)
	}
	if insertErr != nil {
		s.log.Warn("retry delivery failed, keeping events for next attempt",
			zap.Int("events", len(events)),
			zap.Error(insertErr),
		)
		s.metrics.RetryDrain("failed")
		return
	}

	if err := s.medium.RemoveItem(ctx, s.key); err != nil {
		// The batch was delivered; a later drain resubmits it and ingest
		// drops the duplicates by event ID.
		s.log.Warn("clear retry store failed", zap.Error(err))
	}
	s.metrics.RetryDrain("delivered")
	s.log.Info("retry store drained", zap.Int("events", len(events)))
}

// Events returns the stored events. Unreadable content reads as empty.
func (s *Store) Events(ctx context.Context) ([]store.TelemetryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, _, err := s.load(ctx)
	var corrupt *CorruptError
	if errors.As(err, &corrupt) {
		return nil, nil
	}
	return events, err
}

// Pending returns the number of stored events.
func (s *Store) Pending(ctx context.Context) (int, error) {
	events, err := s.Events(ctx)
	return len(events), err
}

// Clear removes every stored event.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.medium.RemoveItem(ctx, s.key); err != nil {
		return fmt.Errorf("clear retry store: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) ([]store.TelemetryEvent, bool, error) {
	raw, ok, err := s.medium.GetItem(ctx, s.key)
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", s.key, err)
	}
	if !ok || raw == "" {
		return nil, ok, nil
	}
	var events []store.TelemetryEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, true, &CorruptError{Key: s.key, Err: err}
	}
	return events, true, nil
}
