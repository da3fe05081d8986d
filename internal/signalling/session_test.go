package signalling

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selkies-project/selkies-signalling/internal/metrics"
)

type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, text string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write %q: %v", text, err)
	}
}

func expectText(t *testing.T, c *websocket.Conn, want string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read (want %q): %v", want, err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type=%d, want text", msgType)
	}
	if got := string(data); got != want {
		t.Fatalf("got=%q, want %q", got, want)
	}
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("expected close %d, got a message", code)
	}
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close %d, got %v", code, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_HandshakeThenEcho(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{Metrics: m})
	c := dial(t, wsURL)

	send(t, c, "HELLO 1")
	expectText(t, c, "HELLO")
	send(t, c, "SESSION 1")
	expectText(t, c, "SESSION_OK")
	send(t, c, `{"type":"offer","sdp":"v=0\r\n"}`)
	expectText(t, c, `Echo: {"type":"offer","sdp":"v=0\r\n"}`)

	if got := m.Get(metrics.WSMessagesEcho); got != 1 {
		t.Fatalf("echo counter=%d, want 1", got)
	}
	if got := m.Get(metrics.WSConnectionsOpened); got != 1 {
		t.Fatalf("opened counter=%d, want 1", got)
	}
}

func TestSession_DiscardsBeforeEstablished(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{Metrics: m})
	c := dial(t, wsURL)

	// Replies are strictly ordered, so the first frame back answering HELLO
	// proves the earlier frames produced nothing.
	send(t, c, "too early")
	send(t, c, "")
	send(t, c, "HELLO")
	expectText(t, c, "HELLO")
	send(t, c, "still too early")
	send(t, c, "SESSION")
	expectText(t, c, "SESSION_OK")

	if got := m.Get(metrics.WSMessagesDiscarded); got != 3 {
		t.Fatalf("discarded counter=%d, want 3", got)
	}
}

func TestSession_EchoAlwaysMode(t *testing.T) {
	_, wsURL := startServer(t, Config{EchoMode: EchoAlways})
	c := dial(t, wsURL)

	send(t, c, "plain")
	expectText(t, c, "Echo: plain")
}

func TestSession_IgnoresBinaryFrames(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{Metrics: m})
	c := dial(t, wsURL)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	send(t, c, "HELLO")
	expectText(t, c, "HELLO")

	if got := m.Get(metrics.WSMessagesBinary); got != 1 {
		t.Fatalf("binary counter=%d, want 1", got)
	}
}

func TestSession_ClosingOneConnectionLeavesOthersRunning(t *testing.T) {
	m := metrics.New()
	srv, wsURL := startServer(t, Config{Metrics: m})

	a := dial(t, wsURL)
	b := dial(t, wsURL)

	send(t, a, "SESSION")
	expectText(t, a, "SESSION_OK")
	send(t, b, "SESSION")
	expectText(t, b, "SESSION_OK")
	waitFor(t, func() bool { return srv.ActiveSessions() == 2 })

	// Drop a without a close handshake.
	_ = a.Close()
	waitFor(t, func() bool { return srv.ActiveSessions() == 1 })

	for _, msg := range []string{"one", "two", "three"} {
		send(t, b, msg)
		expectText(t, b, "Echo: "+msg)
	}

	if err := b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	waitFor(t, func() bool { return srv.ActiveSessions() == 0 })
	if got := m.Get(metrics.WSConnectionsClosed); got != 2 {
		t.Fatalf("closed counter=%d, want 2", got)
	}
}

func TestSession_ConnectionsDoNotShareState(t *testing.T) {
	_, wsURL := startServer(t, Config{})

	a := dial(t, wsURL)
	b := dial(t, wsURL)

	send(t, a, "SESSION")
	expectText(t, a, "SESSION_OK")

	// b never completed the handshake, so it must not echo.
	send(t, b, "not established")
	send(t, b, "HELLO")
	expectText(t, b, "HELLO")
}

func TestSession_UnlimitedByDefaultEchoesBurst(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{Metrics: m})
	c := dial(t, wsURL)

	send(t, c, "SESSION")
	expectText(t, c, "SESSION_OK")

	const burst = 100
	for i := 0; i < burst; i++ {
		send(t, c, "x")
	}
	for i := 0; i < burst; i++ {
		expectText(t, c, "Echo: x")
	}
	if got := m.Get(metrics.WSRateLimited); got != 0 {
		t.Fatalf("rate limited counter=%d, want 0", got)
	}
}

func TestSession_RateLimitClosesConnection(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{
		Metrics:              m,
		MaxMessagesPerSecond: 2,
		Clock:                &frozenClock{now: time.Unix(0, 0)},
	})
	c := dial(t, wsURL)

	send(t, c, "HELLO")
	send(t, c, "HELLO")
	send(t, c, "HELLO")
	expectText(t, c, "HELLO")
	expectText(t, c, "HELLO")
	expectClose(t, c, websocket.ClosePolicyViolation)

	if got := m.Get(metrics.WSRateLimited); got != 1 {
		t.Fatalf("rate limited counter=%d, want 1", got)
	}
}

func TestSession_OversizedMessageCloses(t *testing.T) {
	_, wsURL := startServer(t, Config{MaxMessageBytes: 16})
	c := dial(t, wsURL)

	send(t, c, "SESSION"+strings.Repeat("x", 64))
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestSession_HandlePassesUpgradeHeaders(t *testing.T) {
	srv := NewServer(Config{Logger: testLogger()})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = srv.Handle(w, r, http.Header{"Access-Control-Allow-Origin": {"*"}})
	}))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin=%q, want *", got)
	}
}

func TestSession_PlainRequestIsRejected(t *testing.T) {
	m := metrics.New()
	srv := NewServer(Config{Logger: testLogger(), Metrics: m})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusBadRequest)
	}
	if got := m.Get(metrics.WSUpgradeFailed); got != 1 {
		t.Fatalf("upgrade failed counter=%d, want 1", got)
	}
}

func TestServer_CloseSendsGoingAway(t *testing.T) {
	srv, wsURL := startServer(t, Config{})
	c := dial(t, wsURL)

	send(t, c, "HELLO")
	expectText(t, c, "HELLO")
	waitFor(t, func() bool { return srv.ActiveSessions() == 1 })

	srv.Close()
	expectClose(t, c, websocket.CloseGoingAway)
	waitFor(t, func() bool { return srv.ActiveSessions() == 0 })

	// Upgrades after Close are turned away immediately.
	late := dial(t, wsURL)
	expectClose(t, late, websocket.CloseGoingAway)
}
