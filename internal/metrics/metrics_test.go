package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/slidegate/internal/version"
)

// helpers

func family(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// sample returns the metric in family name whose labels include all of want.
func sample(t *testing.T, m *ServerMetrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	f := family(t, m, name)
	if f == nil {
		t.Fatalf("metric %q not registered", name)
	}
next:
	for _, mt := range f.GetMetric() {
		got := map[string]string{}
		for _, lp := range mt.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		for k, v := range want {
			if got[k] != v {
				continue next
			}
		}
		return mt
	}
	t.Fatalf("no %s sample with labels %v", name, want)
	return nil
}

func TestNew_RegistersServiceMetrics(t *testing.T) {
	m := New()
	for _, name := range []string{
		"ratelimit_decisions_total",
		"http_inflight_requests",
		"profiling_active",
		"go_goroutines",
	} {
		if family(t, m, name) == nil {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestObserveDecision(t *testing.T) {
	m := New()
	if v := sample(t, m, "ratelimit_decisions_total", map[string]string{"result": "denied"}).GetCounter().GetValue(); v != 0 {
		t.Fatalf("denied pre-created at %v", v)
	}
	m.ObserveDecision(true)
	m.ObserveDecision(true)
	m.ObserveDecision(false)

	if v := sample(t, m, "ratelimit_decisions_total", map[string]string{"result": "allowed"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("allowed = %v", v)
	}
	if v := sample(t, m, "ratelimit_decisions_total", map[string]string{"result": "denied"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("denied = %v", v)
	}
}

func TestTrackIdentities(t *testing.T) {
	m := New()
	n := 3
	m.TrackIdentities(func() int { return n })
	m.TrackIdentities(func() int { return -1 }) // ignored

	if v := sample(t, m, "ratelimit_tracked_identities", nil).GetGauge().GetValue(); v != 3 {
		t.Fatalf("tracked = %v", v)
	}
	n = 7
	if v := sample(t, m, "ratelimit_tracked_identities", nil).GetGauge().GetValue(); v != 7 {
		t.Fatalf("tracked = %v, want value read at scrape time", v)
	}
}

func TestSweepCounters(t *testing.T) {
	m := New()
	m.AddSwept(4)
	m.AddSwept(0)
	m.IncSweepPanic()
	if v := sample(t, m, "ratelimit_swept_identities_total", nil).GetCounter().GetValue(); v != 4 {
		t.Errorf("swept = %v", v)
	}
	if v := sample(t, m, "ratelimit_sweep_panics_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("sweep panics = %v", v)
	}
}

func TestUpstreamMetrics(t *testing.T) {
	m := New()
	m.IncFetchAttempt("s3", "retry")
	m.IncFetchAttempt("s3", "ok")
	m.ObserveFetch("s3", 250*time.Millisecond, nil)
	m.ObserveFetch("s3", time.Second, errors.New("exhausted"))

	if v := sample(t, m, "upstream_fetch_attempts_total", map[string]string{"source": "s3", "result": "retry"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("retry attempts = %v", v)
	}
	h := sample(t, m, "upstream_fetch_duration_seconds", map[string]string{"source": "s3", "outcome": "error"}).GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1 {
		t.Errorf("error histogram = %d / %v", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestBuildInfo(t *testing.T) {
	m := New()
	dirty := false
	m.SetBuildInfoFromVersion(version.AppName, version.Component, &version.Info{
		Version: "v1.0.0", Commit: "abc", GoVersion: "go1.24.11", VCSDirty: &dirty,
	})
	s := sample(t, m, "build_info", map[string]string{"app": "slidegate", "version": "v1.0.0", "vcs_dirty": "false"})
	if s.GetGauge().GetValue() != 1 {
		t.Fatal("build_info should be 1")
	}
}

func TestProfilingActiveAndPanics(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	m.IncHttpPanic()
	if v := sample(t, m, "profiling_active", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("profiling_active = %v", v)
	}
	m.SetProfilingActive(false)
	if v := sample(t, m, "profiling_active", nil).GetGauge().GetValue(); v != 0 {
		t.Errorf("profiling_active = %v", v)
	}
	if v := sample(t, m, "http_panic_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("panics = %v", v)
	}
}

func TestHandler_ServesOpenMetrics(t *testing.T) {
	m := New()
	m.ObserveDecision(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), `ratelimit_decisions_total{result="denied"} 1`) {
		t.Fatalf("status %d body:\n%s", rec.Code, body)
	}
}
