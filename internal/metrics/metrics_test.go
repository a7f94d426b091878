package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.CycleStarted()
	m.CycleSkipped()
	m.CycleFinished(20 * time.Millisecond)
	m.AccountChecked("ok")
	m.Transition()
	m.TokenRefreshed("revoked")
	m.Delivered(false)

	h := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`presencebot_poller_cycles_total{result="skipped"} 1`,
		`presencebot_poller_account_checks_total{outcome="ok"} 1`,
		`presencebot_tracker_transitions_total 1`,
		`presencebot_vault_token_refreshes_total{result="revoked"} 1`,
		`presencebot_notifier_deliveries_total{result="failed"} 1`,
		`presencebot_http_requests_total{method="GET",path="/health",status="418"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.CycleStarted()
	m.Delivered(true)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := m.InstrumentHandler(next); got == nil {
		t.Fatalf("nil handler")
	}
}
