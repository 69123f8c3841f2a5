package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveDoris(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveDoris(OutcomeStem, 200*time.Millisecond)
	m.ObserveDoris(OutcomeStem, 100*time.Millisecond)
	m.ObserveDoris(OutcomeError, 0)

	body := scrape(t, m)
	for _, want := range []string{
		`deathform_doris_requests_total{outcome="stem"} 2`,
		`deathform_doris_requests_total{outcome="error"} 1`,
		`deathform_doris_request_duration_seconds_count 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestIncrementNotice(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncrementNotice("age", "error")

	if body := scrape(t, m); !strings.Contains(body, `deathform_rule_notices_total{field="age",level="error"} 1`) {
		t.Errorf("notice counter missing from exposition:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDoris(OutcomeStem, time.Second)
	m.IncrementNotice("age", "error")
}
