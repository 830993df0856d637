package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.SyncPass("full", "completed", time.Second)
	r.SyncEntities("tracks", 3)
	r.Download("completed")
	r.Offline(true)
	r.BreakerState(2)
}

func TestSyncPass_ObservesDurationOnlyWhenCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SyncPass("full", "completed", 3*time.Second)
	r.SyncPass("incremental", "failed", time.Second)
	r.SyncPass("incremental", "aborted", time.Second)

	if got := testutil.ToFloat64(r.syncPasses.WithLabelValues("full", "completed")); got != 1 {
		t.Errorf("full/completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.syncPasses.WithLabelValues("incremental", "failed")); got != 1 {
		t.Errorf("incremental/failed = %v, want 1", got)
	}

	mf := gather(t, reg, "ampfin_sync_duration_seconds")
	if mf == nil || mf.GetType() != dto.MetricType_HISTOGRAM {
		t.Fatalf("duration family = %v", mf)
	}
	if len(mf.GetMetric()) != 1 {
		t.Fatalf("duration series = %d, want only the completed mode", len(mf.GetMetric()))
	}
	m := mf.GetMetric()[0]
	if labels(m)["mode"] != "full" || m.GetHistogram().GetSampleCount() != 1 || m.GetHistogram().GetSampleSum() != 3 {
		t.Errorf("duration series = %v", m)
	}
}

func TestSyncEntities_IgnoresEmptyBatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SyncEntities("tracks", 250)
	r.SyncEntities("tracks", 0)
	r.SyncEntities("albums", -1)

	mf := gather(t, reg, "ampfin_sync_entities_total")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("entities family = %v, want one series", mf)
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 250 {
		t.Errorf("tracks = %v, want 250", got)
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Offline(true)
	r.BreakerState(2)
	if got := testutil.ToFloat64(r.offline); got != 1 {
		t.Errorf("offline = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.breakerState); got != 2 {
		t.Errorf("breaker = %v, want 2", got)
	}

	r.Offline(false)
	if got := testutil.ToFloat64(r.offline); got != 0 {
		t.Errorf("offline = %v, want 0", got)
	}
}

func TestDownload(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Download("completed")
	r.Download("completed")
	r.Download("failed")

	if got := testutil.CollectAndCount(r.downloads); got != 2 {
		t.Errorf("download series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(r.downloads.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed = %v, want 2", got)
	}
}
