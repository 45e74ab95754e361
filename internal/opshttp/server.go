// Package opshttp exposes the operational HTTP surface: device CRUD
// and scan endpoints under /api/v1, health and Prometheus metrics,
// and a WebSocket stream mirroring the internal event bus.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/avhub/avhub/internal/bus"
	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	"github.com/avhub/avhub/internal/manager"
	"github.com/avhub/avhub/internal/metrics"
	"github.com/avhub/avhub/internal/version"
)

var (
	errTooManyRequests   = errors.New("too many requests")
	errEmptyConfigUpdate = errors.New("config update carries no sections")
)

const (
	defaultReadHeaderTimeout     = 5 * time.Second
	defaultIdleTimeout           = 10 * time.Second
	defaultWriteTimeout          = 15 * time.Second
	defaultShutdownTimeout       = 5 * time.Second
	defaultStatsInterval         = 5 * time.Second
	defaultWebSocketReadLimit    = 1024
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second
	defaultRatePerSecond         = 50
	defaultRateBurst             = 100
)

// domainOrder fixes the presentation order for merged device lists.
//
//nolint:gochecknoglobals // static ordering table
var domainOrder = []devices.Domain{devices.DomainLocal, devices.DomainNetwork}

type Server struct {
	addr      string
	mux       *mux.Router
	cfg       *config.Config
	managers  map[devices.Domain]*manager.Manager
	b         *bus.Bus
	limiter   *rate.Limiter
	wsMu      sync.Mutex
	conns     map[*websocket.Conn]struct{}
	startTime time.Time
	version   string
	buildTime string
}

func NewServer(addr string, cfg *config.Config, managers map[devices.Domain]*manager.Manager, b *bus.Bus) *Server {
	s := &Server{
		addr:      addr,
		mux:       mux.NewRouter(),
		cfg:       cfg,
		managers:  managers,
		b:         b,
		limiter:   rate.NewLimiter(defaultRatePerSecond, defaultRateBurst),
		conns:     make(map[*websocket.Conn]struct{}),
		startTime: time.Now(),
		version:   version.GetVersion(),
		buildTime: version.GetBuildTime(),
	}

	s.routes()

	return s
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errchkjson // intentionally ignoring error for any type
}

func jsonError(w http.ResponseWriter, status int, err error) {
	type e struct {
		Error string `json:"error"`
	}
	jsonResponse(w, status, e{Error: err.Error()})
}

func (s *Server) Start(ctx context.Context) error {
	// Fast-fail if port is occupied
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	_ = ln.Close()

	if err := s.relayEvents(); err != nil {
		return err
	}

	handler := s.Handler(ctx)
	srv := s.createServer(ctx, handler)

	zerolog.Ctx(ctx).Info().Str("addr", s.addr).Msg("http listen")

	go func() { _ = srv.ListenAndServe() }()

	// periodic WS broadcasts
	go func() {
		ticker := time.NewTicker(defaultStatsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcast(map[string]any{"type": "stats", "data": s.collectStats()})
				s.broadcast(map[string]any{"type": "overview", "data": s.overview()})
			}
		}
	}()

	return nil
}

func (s *Server) routes() {
	// API v1 routes
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	// Device management and discovery
	NewAPIHandler(s.managers).RegisterRoutes(api)

	// Statistics and monitoring
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/info", s.handleInfo).Methods("GET")
	api.HandleFunc("/overview", s.handleOverview).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Health check
	s.mux.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Metrics
	s.mux.Handle("/metrics", promhttp.Handler())
}

type serverInfoDTO struct {
	Version   string   `json:"version"`
	GoVersion string   `json:"go_version"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	Domains   []string `json:"domains"`
	Uptime    string   `json:"uptime"`
	BuildTime string   `json:"build_time,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, err := metrics.GatherStats(metrics.Service())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)

		return
	}

	jsonResponse(w, http.StatusOK, st)
}

// handleHealth provides health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"ready":     metrics.IsReady(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
	}
	jsonResponse(w, http.StatusOK, health)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	domains := make([]string, 0, len(s.managers))
	for _, domain := range domainOrder {
		if _, ok := s.managers[domain]; ok {
			domains = append(domains, string(domain))
		}
	}

	info := serverInfoDTO{
		Version:   s.version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Domains:   domains,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		BuildTime: s.buildTime,
	}

	jsonResponse(w, http.StatusOK, info)
}

// handleOverview aggregates lightweight data for dashboards.
func (s *Server) handleOverview(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, s.overview())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, s.cfg.ToSafeConfig())
}

// handleUpdateConfig validates and persists a configuration change.
// The running stack is left alone: the daemon's config watcher picks
// the write up and restarts with the new file.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var u config.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		jsonError(w, http.StatusBadRequest, err)

		return
	}

	if u.IsZero() {
		jsonError(w, http.StatusBadRequest, errEmptyConfigUpdate)

		return
	}

	next := *s.cfg
	if err := next.Apply(u); err != nil {
		jsonError(w, http.StatusBadRequest, err)

		return
	}

	if err := next.Save(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrConfigPathEmpty) {
			status = http.StatusConflict
		}

		jsonError(w, status, err)

		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"message": "configuration saved",
		"config":  next.ToSafeConfig(),
	})
}

func (s *Server) overview() map[string]any {
	var total, online int

	perDomain := make(map[string]int, len(s.managers))

	for _, domain := range domainOrder {
		m, ok := s.managers[domain]
		if !ok {
			continue
		}

		devs := m.Devices()
		perDomain[string(domain)] = len(devs)
		total += len(devs)

		for _, d := range devs {
			if d.Status == devices.StatusOnline {
				online++
			}
		}
	}

	return map[string]any{
		"stats":          s.collectStats(),
		"devices_total":  total,
		"devices_online": online,
		"domains":        perDomain,
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
	}
}

func (s *Server) collectStats() metrics.Stats {
	st, _ := metrics.GatherStats(metrics.Service())

	return st
}

func (s *Server) allDevices() []devices.Device {
	out := make([]devices.Device, 0)

	for _, domain := range domainOrder {
		if m, ok := s.managers[domain]; ok {
			out = append(out, m.Devices()...)
		}
	}

	return out
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			jsonError(w, http.StatusTooManyRequests, errTooManyRequests)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.mux

	h = s.rateLimit(h)

	// CORS
	c := cors.New(cors.Options{AllowOriginFunc: func(_ string) bool { return true }, AllowCredentials: true, AllowedHeaders: []string{"*"}})
	h = c.Handler(h)

	// Security headers
	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; " +
			"script-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	// Logging + request metadata
	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		metrics.RecordHTTP(r.Method, r.URL.Path, status)
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http")
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	// Recoverer last to catch panics
	h = chimw.Recoverer(h)

	// OTEL wrapper
	return otelhttp.NewHandler(h, "opshttp")
}

// Handler assembles the middleware chain with the WebSocket bypass.
// The bypass keeps http.Hijacker reachable for upgrades.
func (s *Server) Handler(ctx context.Context) http.Handler {
	chain := s.buildMiddlewareChain(ctx)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			s.handleWS(w, r)

			return
		}

		chain.ServeHTTP(w, r)
	})
}

func (s *Server) createServer(ctx context.Context, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		// graceful shutdown with timeout, then force close
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return srv
}