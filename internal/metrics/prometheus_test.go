package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(WSMessagesEcho)
	m.Add(WSConnectionsOpened, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE selkies_signalling_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `selkies_signalling_events_total{event="ws_connections_opened"} 2`) {
		t.Fatalf("missing opened counter: %s", body)
	}
	if !strings.Contains(body, `selkies_signalling_events_total{event="ws_messages_echo"} 1`) {
		t.Fatalf("missing echo counter: %s", body)
	}
	if !strings.Contains(body, `selkies_signalling_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
	// Keys are sorted.
	if strings.Index(body, "quote") > strings.Index(body, "ws_connections_opened") {
		t.Fatalf("expected sorted output: %s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	if strings.Contains(rr.Body.String(), "{event=") {
		t.Fatalf("expected no samples, got %s", rr.Body.String())
	}
}

func TestMetrics_SnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(WSReadErrors)
	snap := m.Snapshot()
	snap[WSReadErrors] = 42
	if got := m.Get(WSReadErrors); got != 1 {
		t.Fatalf("Get=%d, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(WSReadErrors)
	if got := nilMetrics.Get(WSReadErrors); got != 0 {
		t.Fatalf("nil Get=%d, want 0", got)
	}
}
