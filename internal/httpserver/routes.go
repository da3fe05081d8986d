package httpserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const rootBanner = "Selkies Signalling Server Running"

// Route binds a ServeMux pattern to a handler.
type Route struct {
	Pattern string
	Handler HandlerFunc
}

// routeHandler lets the router recover the HandlerFunc from the mux lookup.
type routeHandler struct {
	fn HandlerFunc
}

func (h routeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = h.fn(w, r)
}

// router resolves requests with a ServeMux but calls handlers directly so
// their errors reach the decorator. It is immutable after newRouter.
type router struct {
	mux *http.ServeMux
}

func newRouter(routes []Route) *router {
	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.Pattern, routeHandler{fn: rt.Handler})
	}
	return &router{mux: mux}
}

func (rt *router) dispatch(w http.ResponseWriter, r *http.Request) error {
	h, _ := rt.mux.Handler(r)
	if rh, ok := h.(routeHandler); ok {
		return rh.fn(w, r)
	}
	// Mux-generated 405s and redirects.
	h.ServeHTTP(w, r)
	return nil
}

// emptyTURNBody is the /turn body when no ICE servers are configured.
const emptyTURNBody = `{"iceServers": []}`

type turnResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) routes() []Route {
	routes := []Route{
		{Pattern: "GET /{$}", Handler: s.handleRoot},
		{Pattern: "GET /ws", Handler: s.handleWebSocket},
		{Pattern: "GET /healthz", Handler: s.handleHealthz},
		{Pattern: "GET /readyz", Handler: s.handleReadyz},
		{Pattern: "GET /version", Handler: s.handleVersion},
		{Pattern: "GET /metrics", Handler: s.handleMetrics},
		{Pattern: "GET /", Handler: s.handleStatic},
	}
	if s.cfg.TURNStub {
		routes = append(routes, Route{Pattern: "GET /turn", Handler: s.handleTURN})
	}
	return routes
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) error {
	if s.cfg.RootWebSocket && websocket.IsWebSocketUpgrade(r) {
		return s.sig.Handle(w, r, corsHeaders())
	}
	if s.staticAvailable {
		index := filepath.Join(s.cfg.StaticDir, "index.html")
		if fi, err := os.Stat(index); err == nil && fi.Mode().IsRegular() {
			http.ServeFile(w, r, index)
			return nil
		}
	}
	writeText(w, http.StatusOK, rootBanner)
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) error {
	return s.sig.Handle(w, r, corsHeaders())
}

func (s *Server) handleTURN(w http.ResponseWriter, r *http.Request) error {
	if len(s.cfg.ICEServers) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, err := io.WriteString(w, emptyTURNBody)
		return err
	}
	WriteJSON(w, http.StatusOK, turnResponse{ICEServers: s.cfg.ICEServers})
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	return nil
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) error {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return nil
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) error {
	WriteJSON(w, http.StatusOK, s.build)
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) error {
	s.promHandler.ServeHTTP(w, r)
	return nil
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) error {
	if !s.staticAvailable {
		return NotFound()
	}

	name := path.Clean("/" + r.URL.Path)
	f, err := http.Dir(s.cfg.StaticDir).Open(name)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return NotFound()
		case errors.Is(err, fs.ErrPermission):
			return Forbidden()
		}
		return fmt.Errorf("open static file %s: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat static file %s: %w", name, err)
	}
	if fi.IsDir() {
		return Forbidden()
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	return nil
}

func staticDirAvailable(dir string) bool {
	if dir == "" {
		return false
	}
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}
