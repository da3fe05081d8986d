package signalling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/selkies-project/selkies-signalling/internal/metrics"
	"github.com/selkies-project/selkies-signalling/internal/ratelimit"
)

const wsWriteWait = 5 * time.Second

// Session owns one WebSocket connection. All protocol work happens on the
// goroutine calling run; the keepalive goroutine only sends control frames.
type Session struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	log     *slog.Logger
	machine *Machine
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	stopping  atomic.Bool
}

func newSession(srv *Server, conn *websocket.Conn, r *http.Request) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		srv:     srv,
		conn:    conn,
		log:     srv.log.With("conn_id", id, "remote_addr", r.RemoteAddr, "path", r.URL.Path),
		machine: NewMachine(srv.cfg.EchoMode),
		limiter: ratelimit.NewPerSecond(srv.cfg.Clock, srv.cfg.MaxMessagesPerSecond),
		done:    make(chan struct{}),
	}
}

// ID is the connection identifier used in logs.
func (sess *Session) ID() string { return sess.id }

func (sess *Session) run() {
	defer sess.release()

	sess.srv.metrics.Inc(metrics.WSConnectionsOpened)
	sess.log.Debug("websocket connected")

	sess.conn.SetReadLimit(sess.srv.maxMessageBytes())
	sess.extendDeadline()
	sess.conn.SetPongHandler(func(string) error {
		sess.extendDeadline()
		return nil
	})
	sess.conn.SetPingHandler(func(appData string) error {
		sess.extendDeadline()
		err := sess.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) || isTimeout(err) {
			return nil
		}
		return err
	})

	go sess.keepalive()

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.handleReadError(err)
			return
		}
		sess.extendDeadline()

		// Rate limit after reading so the frame is consumed and the client
		// reliably sees the close code.
		if !sess.limiter.Allow(1) {
			sess.srv.metrics.Inc(metrics.WSRateLimited)
			sess.log.Info("closing websocket: rate limit exceeded")
			sess.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			sess.srv.metrics.Inc(metrics.WSMessagesBinary)
			sess.log.Debug("discarding non-text message", "type", msgType, "bytes", len(data))
			continue
		}

		if err := sess.handleText(string(data)); err != nil {
			sess.srv.metrics.Inc(metrics.WSWriteErrors)
			sess.log.Warn("websocket write failed", "err", err)
			return
		}
	}
}

func (sess *Session) handleText(payload string) error {
	reply, kind := sess.machine.Handle(payload)
	sess.srv.countMessage(kind)

	if kind == KindDiscard {
		sess.log.Debug("discarding unrecognised message", "phase", sess.machine.Phase(), "bytes", len(payload))
		return nil
	}
	sess.log.Debug("signalling message", "kind", kind, "phase", sess.machine.Phase())
	return sess.send(reply)
}

func (sess *Session) handleReadError(err error) {
	switch {
	case sess.stopping.Load():
		sess.log.Debug("websocket closed for shutdown")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		sess.log.Debug("websocket closed by peer", "err", err)
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009 (message too big).
		sess.srv.metrics.Inc(metrics.WSReadErrors)
		sess.log.Info("closing websocket: message too large", "limit_bytes", sess.srv.maxMessageBytes())
	case isTimeout(err):
		sess.srv.metrics.Inc(metrics.WSIdleTimeouts)
		sess.log.Info("closing idle websocket", "idle_timeout", sess.srv.idleTimeout())
		sess.closeWith(websocket.CloseNormalClosure, "idle timeout")
	default:
		sess.srv.metrics.Inc(metrics.WSReadErrors)
		sess.log.Warn("websocket read failed", "err", err)
	}
}

func (sess *Session) keepalive() {
	ticker := time.NewTicker(sess.srv.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (sess *Session) extendDeadline() {
	_ = sess.conn.SetReadDeadline(time.Now().Add(sess.srv.idleTimeout()))
}

func (sess *Session) send(text string) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (sess *Session) closeWith(code int, reason string) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// shutdown is called from another goroutine; it unblocks the read loop by
// closing the socket after telling the peer why.
func (sess *Session) shutdown() {
	sess.stopping.Store(true)
	_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
	_ = sess.conn.Close()
}

func (sess *Session) release() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
		sess.srv.metrics.Inc(metrics.WSConnectionsClosed)
		sess.log.Debug("websocket released", "phase", sess.machine.Phase())
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
