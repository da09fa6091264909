package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("expected collectors to gather cleanly, got %v", err)
	}
	// Only the 5 unlabeled collectors gather before any sample is recorded;
	// the 8 label vectors emit nothing until they have a child.
	if len(families) != 5 {
		t.Errorf("expected 5 metric families gathered before any labeled sample, got %d", len(families))
	}

	r.FramesReceived.WithLabelValues("liquidation").Inc()
	r.SignalsGenerated.Inc()
	r.QueueDepth.Set(5)

	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("expected collectors to gather after recording samples, got %v", err)
	}
	var sawQueueDepth bool
	for _, fam := range families {
		if fam.GetName() == "liquidwatch_alert_queue_depth" {
			sawQueueDepth = true
			if len(fam.Metric) != 1 || fam.Metric[0].GetGauge().GetValue() != 5 {
				t.Errorf("expected alert_queue_depth gauge set to 5, got %+v", fam.Metric)
			}
		}
	}
	if !sawQueueDepth {
		t.Error("expected to find the alert_queue_depth metric family")
	}
}

func TestNewRegistryDoublesPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected registering the same collectors twice against one registry to panic")
		}
	}()
	NewRegistry(reg)
}
