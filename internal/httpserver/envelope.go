package httpserver

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ErrEnvelopeCommitted is returned when headers are changed after the status
// line has been sent or the connection was hijacked.
var ErrEnvelopeCommitted = errors.New("httpserver: response already committed")

// Envelope wraps a ResponseWriter and records whether the response has been
// committed. Commit hooks run exactly once, just before the status line is
// written through the HTTP path. A hijacked envelope is committed but never
// runs its hooks.
type Envelope struct {
	w http.ResponseWriter

	prepared bool
	hijacked bool
	status   int

	onCommit []func(http.Header)
}

func newEnvelope(w http.ResponseWriter) *Envelope {
	return &Envelope{w: w}
}

// OnCommit registers fn to adjust headers right before they are sent.
func (e *Envelope) OnCommit(fn func(http.Header)) {
	e.onCommit = append(e.onCommit, fn)
}

func (e *Envelope) Header() http.Header {
	return e.w.Header()
}

// SetHeader sets a response header, failing once the envelope is prepared.
func (e *Envelope) SetHeader(key, value string) error {
	if e.prepared {
		return ErrEnvelopeCommitted
	}
	e.w.Header().Set(key, value)
	return nil
}

// Prepared reports whether the response has been committed.
func (e *Envelope) Prepared() bool { return e.prepared }

// Hijacked reports whether the connection was taken over (WebSocket upgrade).
func (e *Envelope) Hijacked() bool { return e.hijacked }

// Status is the committed status code, or 0 before commit and after hijack.
func (e *Envelope) Status() int { return e.status }

func (e *Envelope) WriteHeader(status int) {
	if e.prepared {
		return
	}
	e.prepared = true
	e.status = status
	h := e.w.Header()
	for _, fn := range e.onCommit {
		fn(h)
	}
	e.w.WriteHeader(status)
}

func (e *Envelope) Write(b []byte) (int, error) {
	if e.hijacked {
		return 0, http.ErrHijacked
	}
	if !e.prepared {
		e.WriteHeader(http.StatusOK)
	}
	return e.w.Write(b)
}

func (e *Envelope) Flush() {
	if e.hijacked {
		return
	}
	if !e.prepared {
		e.WriteHeader(http.StatusOK)
	}
	_ = http.NewResponseController(e.w).Flush()
}

func (e *Envelope) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if e.prepared {
		return nil, nil, ErrEnvelopeCommitted
	}
	conn, brw, err := http.NewResponseController(e.w).Hijack()
	if err != nil {
		return nil, nil, err
	}
	e.prepared = true
	e.hijacked = true
	return conn, brw, nil
}

func (e *Envelope) Unwrap() http.ResponseWriter {
	return e.w
}
