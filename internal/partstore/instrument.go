package partstore

import (
	"context"
	"io"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/metrics"
)

// Instrumented wraps a PartStore and records per-call metrics labelled with
// the backend name. Optional capabilities of the inner store stay reachable
// through Unwrap.
type Instrumented struct {
	inner   PartStore
	backend string
}

// Instrument wraps ps with Prometheus metrics.
func Instrument(ps PartStore, backend string) *Instrumented {
	return &Instrumented{inner: ps, backend: backend}
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() PartStore {
	return s.inner
}

// Upload records latency, outcome and payload size.
func (s *Instrumented) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	start := time.Now()
	ref, err := s.inner.Upload(ctx, name, payload, size)
	s.observe("upload", start, err)
	if err == nil {
		metrics.PartSize.WithLabelValues(s.backend).Observe(float64(size))
	}
	return ref, err
}

// OpenRange records latency to first byte and outcome of opening the stream.
func (s *Instrumented) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.inner.OpenRange(ctx, ref, offset, length)
	s.observe("open_range", start, err)
	return rc, err
}

// MaxPartSize forwards to the inner store when it has a ceiling.
func (s *Instrumented) MaxPartSize() int64 {
	if l, ok := s.inner.(Limiter); ok {
		return l.MaxPartSize()
	}
	return 0
}

// HealthCheck forwards to the inner store when it supports probing.
func (s *Instrumented) HealthCheck(ctx context.Context) error {
	if h, ok := s.inner.(HealthChecker); ok {
		return h.HealthCheck(ctx)
	}
	return nil
}

// Delete forwards to the inner store. Backends without delete support
// fail with Fatal; check Unwrap for a Deleter first.
func (s *Instrumented) Delete(ctx context.Context, ref PartRef) error {
	d, ok := s.inner.(Deleter)
	if !ok {
		return stasherr.ErrFatal.WithMessage("backend %s cannot delete parts", s.backend)
	}
	start := time.Now()
	err := d.Delete(ctx, ref)
	s.observe("delete", start, err)
	return err
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = stasherr.KindOf(err).String()
	}
	metrics.PartOperationsTotal.WithLabelValues(s.backend, op, status).Inc()
	metrics.PartOperationDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}
