// Package telemetry wires the event store's commit lifecycle into
// Prometheus metrics and OpenTelemetry tracing. A second NewMetrics call
// against the same registry does not panic: the duplicate registration is
// ignored, and the second Metrics records into its own collectors, which
// that registry does not export.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
)

const namespace = "eventlog"

// Metrics collects Prometheus instrumentation for the commit protocol.
// It satisfies notify.MetricsCollector.
type Metrics struct {
	commitBatches       *prometheus.CounterVec
	commitEvents        prometheus.Counter
	chunkRollovers      prometheus.Counter
	orphanRecoveries    prometheus.Counter
	hashDriftRecoveries prometheus.Counter
	optimisticConflicts prometheus.Counter
	streamClosures      prometheus.Counter
}

// NewMetrics builds the collector set, registering each one against
// registry. Collectors already registered there are not reused.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		commitBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_batches_total",
			Help:      "Number of batches committed, labeled by whether the batch closed its stream.",
		}, []string{"closed"}),
		commitEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_events_total",
			Help:      "Number of individual events committed.",
		}),
		chunkRollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_rollovers_total",
			Help:      "Number of times a stream rolled over to a continuation chunk.",
		}),
		orphanRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_recoveries_total",
			Help:      "Number of commits recovered from an already-committed retry (orphan marker).",
		}),
		hashDriftRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_drift_recoveries_total",
			Help:      "Number of commits recovered from a document hash that drifted from the blob's chain head.",
		}),
		optimisticConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_conflicts_total",
			Help:      "Number of commit attempts rejected by an ETag or offset precondition.",
		}),
		streamClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_closures_total",
			Help:      "Number of streams administratively closed via EventStream.Closed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.commitBatches, m.commitEvents, m.chunkRollovers,
		m.orphanRecoveries, m.hashDriftRecoveries, m.optimisticConflicts, m.streamClosures,
	} {
		registerOrReuse(registry, c)
	}
	return m
}

// registerOrReuse registers collector against registry, tolerating a
// duplicate registration (e.g. a second Metrics built against a shared
// registry in the same test process).
func registerOrReuse(registry prometheus.Registerer, collector prometheus.Collector) {
	if err := registry.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}

// ObserveCommit implements notify.MetricsCollector.
func (m *Metrics) ObserveCommit(eventCount int, closed bool) {
	label := "false"
	if closed {
		label = "true"
		m.streamClosures.Inc()
	}
	m.commitBatches.WithLabelValues(label).Inc()
	m.commitEvents.Add(float64(eventCount))
}

// ObserveChunkRollover implements notify.MetricsCollector.
func (m *Metrics) ObserveChunkRollover() {
	m.chunkRollovers.Inc()
}

// ObserveOutcome records which recovery branch (if any) a blobstore.Append
// call took.
func (m *Metrics) ObserveOutcome(outcome blobstore.AppendOutcome) {
	switch outcome {
	case blobstore.OutcomeOrphan:
		m.orphanRecoveries.Inc()
	case blobstore.OutcomeHashDrift:
		m.hashDriftRecoveries.Inc()
	}
}

// ObserveConflict records a rejected commit attempt.
func (m *Metrics) ObserveConflict() {
	m.optimisticConflicts.Inc()
}

// tracerName is the OpenTelemetry instrumentation library name reported on
// every span this package starts.
const tracerName = "github.com/fluxorio/eventstore/pkg/eventlog"

// Tracer returns the package-scoped tracer from the global OTel provider.
// Call otel.SetTracerProvider once at process start (with the
// stdouttrace/zipkin/jaeger exporter of your choice); this package never
// constructs its own provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name with the given object/stream
// attributes, returning the derived context to pass down to the traced
// operation.
func StartSpan(ctx context.Context, name, objectName, objectID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("eventlog.object_name", objectName),
		attribute.String("eventlog.object_id", objectID),
	))
}

// EndSpan records err on span (if non-nil) and ends it. A nil err marks
// the span Ok.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
