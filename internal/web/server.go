// Package web serves the gateway's JSON API and event websocket.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"xsense-go-home/internal/automation"
	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/store"
	"xsense-go-home/internal/tree"
)

// Gateway is what the API exposes. *gateway.Gateway implements it.
type Gateway interface {
	Inventory() *inventory.Inventory
	Values() *tree.Memory
	Events() *inventory.EventBus
	Stations() []gateway.StationInfo
	Station(sn string) (gateway.StationInfo, bool)
	StationValues(sn string) map[string]tree.Value
	Diagnostics() (store.Diagnostics, error)
	SessionState() cloud.State
	Topics() []string
	Update(ctx context.Context) error
	TriggerAction(ctx context.Context, sn, action string) (map[string]any, error)
	RequestSensorReport(ctx context.Context, sn string) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the CORS and websocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithActionRate limits action triggers per station.
func WithActionRate(every time.Duration, burst int) ServerOption {
	return func(s *Server) {
		s.actionEvery = rate.Every(every)
		s.actionBurst = burst
	}
}

// Server is the HTTP API.
type Server struct {
	gw             Gateway
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string

	actionEvery rate.Limit
	actionBurst int
	limitMu     sync.Mutex
	limiters    map[string]*rate.Limiter // station serial -> limiter

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates the server and starts its websocket hub.
func NewServer(gw Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		gw:          gw,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
		actionEvery: rate.Every(2 * time.Second),
		actionBurst: 3,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = gw.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the websocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/houses", s.handleAPIHouses)
	s.mux.HandleFunc("GET /api/stations", s.handleAPIStations)
	s.mux.HandleFunc("GET /api/stations/{sn}", s.handleAPIStation)
	s.mux.HandleFunc("POST /api/stations/{sn}/actions/{action}", s.handleAPITriggerAction)
	s.mux.HandleFunc("POST /api/stations/{sn}/sensor-report", s.handleAPISensorReport)
	s.mux.HandleFunc("POST /api/sync", s.handleAPISync)
	s.mux.HandleFunc("GET /api/values", s.handleAPIValues)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleAPIDiagnostics)
	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.cors(w, r) {
		return
	}
	// The websocket upgrade cannot carry custom headers from a browser, so
	// only /api/ is key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// cors answers preflights and rejects cross-origin writes from unknown
// origins. It reports whether the request should continue.
func (s *Server) cors(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	allowed := s.isOriginAllowed(origin)

	if r.Method == http.MethodOptions {
		if !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return false
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != http.MethodGet && !allowed {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	if allowed {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	return true
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// allowAction takes a token from the station's action limiter.
func (s *Server) allowAction(sn string) (bool, time.Duration) {
	s.limitMu.Lock()
	l, ok := s.limiters[sn]
	if !ok {
		l = rate.NewLimiter(s.actionEvery, s.actionBurst)
		s.limiters[sn] = l
	}
	s.limitMu.Unlock()

	res := l.Reserve()
	if !res.OK() {
		return false, 0
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

type errorBody struct {
	Error string     `json:"error"`
	Kind  cloud.Kind `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
