package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/speedrun-hq/intentflow/pkg/metrics"
)

// ErrNoValue is returned when nothing has been published under a key.
var ErrNoValue = errors.New("no value published")

// Reader reads a published numeric value keyed by key from the oracle identified by ref.
type Reader interface {
	Read(ctx context.Context, ref uint64, key []byte) (uint64, error)
}

// Static serves fixed values. It is used for tests and for pinned feeds in the network file.
type Static struct {
	mu     sync.RWMutex
	values map[string]uint64
}

func NewStatic() *Static {
	return &Static{values: make(map[string]uint64)}
}

func staticKey(ref uint64, key []byte) string {
	return fmt.Sprintf("%d/%x", ref, key)
}

// Set publishes value under (ref, key).
func (s *Static) Set(ref uint64, key []byte, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[staticKey(ref, key)] = value
}

// Unset removes a value so reads fail.
func (s *Static) Unset(ref uint64, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, staticKey(ref, key))
}

func (s *Static) Read(_ context.Context, ref uint64, key []byte) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[staticKey(ref, key)]
	if !ok {
		return 0, fmt.Errorf("oracle %d key %q: %w", ref, key, ErrNoValue)
	}
	return value, nil
}

// Router sends each oracle reference to its own reader, falling back to a default.
type Router struct {
	mu       sync.RWMutex
	routes   map[uint64]namedReader
	fallback namedReader
}

type namedReader struct {
	name   string
	reader Reader
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallbackName string, fallback Reader) *Router {
	r := &Router{routes: make(map[uint64]namedReader)}
	if fallback != nil {
		r.fallback = namedReader{name: fallbackName, reader: fallback}
	}
	return r
}

// Route assigns ref to reader.
func (r *Router) Route(ref uint64, name string, reader Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[ref] = namedReader{name: name, reader: reader}
}

func (r *Router) Read(ctx context.Context, ref uint64, key []byte) (uint64, error) {
	r.mu.RLock()
	target, ok := r.routes[ref]
	if !ok {
		target = r.fallback
	}
	r.mu.RUnlock()

	if target.reader == nil {
		metrics.OracleReads.WithLabelValues("none", "error").Inc()
		return 0, fmt.Errorf("oracle %d: no reader configured", ref)
	}

	value, err := target.reader.Read(ctx, ref, key)
	if err != nil {
		metrics.OracleReads.WithLabelValues(target.name, "error").Inc()
		return 0, err
	}
	metrics.OracleReads.WithLabelValues(target.name, "ok").Inc()
	return value, nil
}
