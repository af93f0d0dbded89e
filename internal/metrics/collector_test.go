package uwbmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	uwbmetrics "github.com/dantte-lp/uwbd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uwbmetrics.NewCollector(reg)

	if c.SessionsOpen == nil {
		t.Error("SessionsOpen is nil")
	}
	if c.OpensTotal == nil {
		t.Error("OpensTotal is nil")
	}
	if c.StartsTotal == nil {
		t.Error("StartsTotal is nil")
	}
	if c.StopsTotal == nil {
		t.Error("StopsTotal is nil")
	}
	if c.ClosesTotal == nil {
		t.Error("ClosesTotal is nil")
	}
	if c.DataSentTotal == nil {
		t.Error("DataSentTotal is nil")
	}
	if c.DataReceivedTotal == nil {
		t.Error("DataReceivedTotal is nil")
	}
	if c.DataSendFailuresTotal == nil {
		t.Error("DataSendFailuresTotal is nil")
	}
	if c.RangingResultsTotal == nil {
		t.Error("RangingResultsTotal is nil")
	}
	if c.AdmissionEvictionsTotal == nil {
		t.Error("AdmissionEvictionsTotal is nil")
	}
	if c.ErrorStreakFiresTotal == nil {
		t.Error("ErrorStreakFiresTotal is nil")
	}
	if c.BgAppTimerFiresTotal == nil {
		t.Error("BgAppTimerFiresTotal is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	_ = families
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uwbmetrics.NewCollector(reg)

	c.RegisterSession("uwb0", "fira")

	val := gaugeValue(t, c.SessionsOpen, "uwb0", "fira")
	if val != 1 {
		t.Errorf("after RegisterSession: open gauge = %v, want 1", val)
	}

	c.RegisterSession("uwb0", "ccc")

	val = gaugeValue(t, c.SessionsOpen, "uwb0", "ccc")
	if val != 1 {
		t.Errorf("after second RegisterSession: ccc gauge = %v, want 1", val)
	}

	c.UnregisterSession("uwb0", "fira", "client_requested")

	val = gaugeValue(t, c.SessionsOpen, "uwb0", "fira")
	if val != 0 {
		t.Errorf("after UnregisterSession: fira gauge = %v, want 0", val)
	}

	val = gaugeValue(t, c.SessionsOpen, "uwb0", "ccc")
	if val != 1 {
		t.Errorf("ccc gauge = %v, want 1 (should be unaffected)", val)
	}

	opens := counterValue(t, c.OpensTotal, "uwb0", "fira")
	if opens != 1 {
		t.Errorf("OpensTotal(fira) = %v, want 1", opens)
	}

	closes := counterValue(t, c.ClosesTotal, "uwb0", "fira", "client_requested")
	if closes != 1 {
		t.Errorf("ClosesTotal(fira, client_requested) = %v, want 1", closes)
	}
}

func TestStartStopCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uwbmetrics.NewCollector(reg)

	c.RecordStart("uwb0", "fira")
	c.RecordStart("uwb0", "fira")

	val := counterValue(t, c.StartsTotal, "uwb0", "fira")
	if val != 2 {
		t.Errorf("StartsTotal = %v, want 2", val)
	}

	c.RecordStop("uwb0", "fira", "error_streak")

	val = counterValue(t, c.StopsTotal, "uwb0", "fira", "error_streak")
	if val != 1 {
		t.Errorf("StopsTotal(error_streak) = %v, want 1", val)
	}
}

func TestDataPlaneCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uwbmetrics.NewCollector(reg)

	c.IncDataSent("uwb0")
	c.IncDataSent("uwb0")
	c.IncDataSent("uwb0")

	if val := counterValue(t, c.DataSentTotal, "uwb0"); val != 3 {
		t.Errorf("DataSentTotal = %v, want 3", val)
	}

	c.IncDataReceived("uwb0")
	c.IncDataReceived("uwb0")

	if val := counterValue(t, c.DataReceivedTotal, "uwb0"); val != 2 {
		t.Errorf("DataReceivedTotal = %v, want 2", val)
	}

	c.IncDataSendFailure("uwb0")

	if val := counterValue(t, c.DataSendFailuresTotal, "uwb0"); val != 1 {
		t.Errorf("DataSendFailuresTotal = %v, want 1", val)
	}

	c.IncRangingResult("uwb0")

	if val := counterValue(t, c.RangingResultsTotal, "uwb0"); val != 1 {
		t.Errorf("RangingResultsTotal = %v, want 1", val)
	}
}

func TestAdmissionAndTimerCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uwbmetrics.NewCollector(reg)

	c.IncAdmissionEviction("uwb0")
	c.IncAdmissionEviction("uwb0")

	if val := counterValue(t, c.AdmissionEvictionsTotal, "uwb0"); val != 2 {
		t.Errorf("AdmissionEvictionsTotal = %v, want 2", val)
	}

	c.IncErrorStreakFire("uwb0")

	if val := counterValue(t, c.ErrorStreakFiresTotal, "uwb0"); val != 1 {
		t.Errorf("ErrorStreakFiresTotal = %v, want 1", val)
	}

	c.IncBgAppTimerFire("uwb0")

	if val := counterValue(t, c.BgAppTimerFiresTotal, "uwb0"); val != 1 {
		t.Errorf("BgAppTimerFiresTotal = %v, want 1", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
