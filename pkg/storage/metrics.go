package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for blob operations.
type Observer interface {
	RecordUpload(duration time.Duration, sizeBytes int64, err error)
	RecordDelete(duration time.Duration, err error)
}

// PrometheusObserver exports blob store metrics to Prometheus.
type PrometheusObserver struct {
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	uploadBytes prometheus.Counter
}

// NewPrometheusObserver registers upload/delete metrics on reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "registry_blob"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of blob store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed blob store operations.",
		}, []string{"operation"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes successfully uploaded to the blob store.",
		}),
	}
	if err := register(reg, &o.duration); err != nil {
		return nil, err
	}
	if err := register(reg, &o.errors); err != nil {
		return nil, err
	}
	if err := register(reg, &o.uploadBytes); err != nil {
		return nil, err
	}
	return o, nil
}

// register adopts an already registered collector of the same type so that
// several stores can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return fmt.Errorf("register blob metric: %w", err)
}

func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("upload").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("upload").Inc()
		return
	}
	if sizeBytes > 0 {
		o.uploadBytes.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues("delete").Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues("delete").Inc()
	}
}

// InstrumentedStore decorates a BlobStore with an Observer.
type InstrumentedStore struct {
	next     BlobStore
	observer Observer
}

func NewInstrumentedStore(next BlobStore, observer Observer) *InstrumentedStore {
	return &InstrumentedStore{next: next, observer: observer}
}

func (s *InstrumentedStore) EnsureContainer(ctx context.Context) error {
	return s.next.EnsureContainer(ctx)
}

func (s *InstrumentedStore) Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	start := time.Now()
	url, err := s.next.Upload(ctx, name, r, size, contentType)
	if s.observer != nil {
		s.observer.RecordUpload(time.Since(start), size, err)
	}
	return url, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := s.next.Delete(ctx, name)
	if s.observer != nil {
		s.observer.RecordDelete(time.Since(start), err)
	}
	return err
}

var (
	_ BlobStore = (*InstrumentedStore)(nil)
	_ Observer  = (*PrometheusObserver)(nil)
)
