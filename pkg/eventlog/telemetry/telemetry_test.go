package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
)

func TestNewMetrics_ToleratesDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.ObserveCommit(3, false)
	second.ObserveCommit(1, true)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one metric family registered")
	}
}

func TestMetrics_ObserveOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveOutcome(blobstore.OutcomeOrphan)
	m.ObserveOutcome(blobstore.OutcomeHashDrift)
	m.ObserveOutcome(blobstore.OutcomeCommitted)

	if counterValue(t, m.orphanRecoveries) != 1 {
		t.Fatalf("expected exactly one orphan recovery counted")
	}
	if counterValue(t, m.hashDriftRecoveries) != 1 {
		t.Fatalf("expected exactly one hash-drift recovery counted")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return pb.GetCounter().GetValue()
}
