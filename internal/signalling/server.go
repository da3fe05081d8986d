package signalling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selkies-project/selkies-signalling/internal/metrics"
	"github.com/selkies-project/selkies-signalling/internal/ratelimit"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = int64(64 * 1024)
)

// Config wires together the runtime dependencies for the signalling server.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	EchoMode EchoMode

	// IdleTimeout closes connections that sent no frame (including pongs) for
	// this long. PingInterval must be shorter so healthy clients stay alive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond caps inbound frames per connection. <= 0 disables.
	MaxMessagesPerSecond int

	// Clock drives the per-connection rate limiter. Nil uses the wall clock.
	Clock ratelimit.Clock
}

// Server accepts WebSocket upgrades and runs one Session per connection.
//
// Sessions share no protocol state. The server only tracks live sessions so
// Close can tear down hijacked sockets that http.Server.Shutdown leaves alone.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			// CORS is wildcard for every route, so any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades without extra response headers. The production router
// calls Handle so the upgrade response carries CORS headers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = s.Handle(w, r, nil)
}

// Handle upgrades the request, adding header to the 101 response, and serves
// the connection until it closes. The upgrade commits the response, so any
// headers the client must see have to be passed here.
//
// A failed handshake has already been answered with an HTTP error by the
// upgrader and is not reported as an error.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request, header http.Header) error {
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.metrics.Inc(metrics.WSUpgradeFailed)
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return nil
	}

	sess := newSession(s, conn, r)
	if !s.track(sess) {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return nil
	}
	defer s.untrack(sess)

	sess.run()
	return nil
}

// Close sends a going-away close frame to every live session and closes
// their sockets. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*Session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}
}

// ActiveSessions reports how many connections are currently being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout > 0 {
		return s.cfg.IdleTimeout
	}
	return defaultIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval > 0 {
		return s.cfg.PingInterval
	}
	return defaultPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes > 0 {
		return s.cfg.MaxMessageBytes
	}
	return defaultMaxMessageBytes
}

func (s *Server) countMessage(kind MessageKind) {
	switch kind {
	case KindHello:
		s.metrics.Inc(metrics.WSMessagesHello)
	case KindSession:
		s.metrics.Inc(metrics.WSMessagesSession)
	case KindEcho:
		s.metrics.Inc(metrics.WSMessagesEcho)
	default:
		s.metrics.Inc(metrics.WSMessagesDiscarded)
	}
}
