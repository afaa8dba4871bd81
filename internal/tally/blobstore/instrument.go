package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
)

// MetricsPrefix prefixes every metric registered by Instrumented.
const MetricsPrefix = "tally.store"

// Instrumented records call latency and error counts for a wrapped Store in
// the go-metrics default registry, under "tally.store.<backend>.<op>".
type Instrumented struct {
	Store

	backend string

	loadTimer metrics.Timer
	saveTimer metrics.Timer
	keysTimer metrics.Timer
	misses    metrics.Counter
	errors    metrics.Counter
}

// NewInstrumented wraps inner, naming its metrics after backend.
func NewInstrumented(inner Store, backend string) *Instrumented {
	name := func(op string) string {
		return fmt.Sprintf("%s.%s.%s", MetricsPrefix, backend, op)
	}

	return &Instrumented{
		Store:     inner,
		backend:   backend,
		loadTimer: metrics.GetOrRegisterTimer(name("load"), nil),
		saveTimer: metrics.GetOrRegisterTimer(name("save"), nil),
		keysTimer: metrics.GetOrRegisterTimer(name("keys"), nil),
		misses:    metrics.GetOrRegisterCounter(name("misses"), nil),
		errors:    metrics.GetOrRegisterCounter(name("errors"), nil),
	}
}

// Backend returns the backend name given to NewInstrumented.
func (s *Instrumented) Backend() string {
	return s.backend
}

// Unwrap returns the wrapped Store.
func (s *Instrumented) Unwrap() Store {
	return s.Store
}

func (s *Instrumented) Load(ctx context.Context, key string) ([]byte, error) {
	defer s.loadTimer.UpdateSince(time.Now())

	v, err := s.Store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.misses.Inc(1)
	case err != nil:
		s.errors.Inc(1)
	}

	return v, err
}

func (s *Instrumented) Save(ctx context.Context, key string, value []byte) error {
	defer s.saveTimer.UpdateSince(time.Now())

	err := s.Store.Save(ctx, key, value)
	if err != nil {
		s.errors.Inc(1)
	}

	return err
}

func (s *Instrumented) Keys(ctx context.Context, prefix string) ([]string, error) {
	defer s.keysTimer.UpdateSince(time.Now())

	keys, err := s.Store.Keys(ctx, prefix)
	if err != nil {
		s.errors.Inc(1)
	}

	return keys, err
}
