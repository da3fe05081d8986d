package httpserver

import (
	"errors"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/selkies-project/selkies-signalling/internal/metrics"
)

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "POST, GET, OPTIONS, PUT, DELETE"
	corsAllowHeaders = "Content-Type, Authorization"
)

// HandlerFunc is a route handler. Returning an *HTTPError produces that exact
// status and body; any other error becomes a 500.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

func applyCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// corsHeaders is the header set handed to the WebSocket upgrader, whose 101
// response bypasses the envelope.
func corsHeaders() http.Header {
	h := make(http.Header, 3)
	applyCORS(h)
	return h
}

// decorate answers preflight requests itself and makes sure every response
// committed through the HTTP path carries CORS headers, including faults.
func (s *Server) decorate(next HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := newEnvelope(w)
		env.OnCommit(applyCORS)

		if r.Method == http.MethodOptions {
			s.metrics.Inc(metrics.HTTPPreflight)
			env.WriteHeader(http.StatusOK)
			return
		}

		if err := invoke(next, env, r); err != nil {
			s.writeFault(env, r, err)
		}
		if !env.Prepared() {
			env.WriteHeader(http.StatusOK)
		}
	})
}

func invoke(next HandlerFunc, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return next(w, r)
}

func (s *Server) writeFault(env *Envelope, r *http.Request, err error) {
	var httpErr *HTTPError
	structured := errors.As(err, &httpErr)

	if env.Prepared() {
		// Nothing can be sent any more; the handler already answered or
		// the connection belongs to a WebSocket session.
		s.log.Warn("handler error after response was committed",
			"method", r.Method,
			"path", r.URL.Path,
			"hijacked", env.Hijacked(),
			"err", err,
		)
		return
	}

	if structured {
		s.metrics.Inc(metrics.HTTPStructuredFaults)
		writeText(env, httpErr.Status, httpErr.Message)
		return
	}

	s.metrics.Inc(metrics.HTTPInternalFaults)
	attrs := []any{"method", r.Method, "path", r.URL.Path, "err", err}
	var pe *panicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.stack))
		s.log.Error("panic in route handler", attrs...)
	} else {
		s.log.Error("route handler failed", attrs...)
	}
	writeText(env, http.StatusInternalServerError, err.Error())
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
