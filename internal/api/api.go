// Package api serves the kiosk's local control surface: operator login,
// conversation control, a JSON snapshot and a WebSocket feed of snapshots
// for display clients, visitor registration, health probes and metrics.
//
// All routes are registered on one [http.ServeMux] and wrapped by
// [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fulgencio/kiosk/internal/auth"
	"github.com/fulgencio/kiosk/internal/conversation"
	"github.com/fulgencio/kiosk/internal/health"
	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/internal/registration"
	"github.com/fulgencio/kiosk/internal/resilience"
	"github.com/fulgencio/kiosk/pkg/audio/capture"
)

// maxBody bounds request bodies. Registration carries a base64 selfie.
const maxBody = 16 << 20

// Conversation is the orchestrator surface the API drives.
type Conversation interface {
	Toggle(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	ClearError()
	Snapshot() conversation.Snapshot
	Subscribe(fn func(conversation.Snapshot)) (cancel func())
}

// Authenticator checks operator credentials.
type Authenticator interface {
	Check(ctx context.Context, user, pass string) error
}

// Registrar records visitors.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (string, error)
}

var (
	_ Conversation  = (*conversation.Orchestrator)(nil)
	_ Authenticator = (*auth.Checker)(nil)
	_ Registrar     = (*registration.Service)(nil)
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Server)

// WithAuthenticator enables POST /api/login.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRegistrar enables POST /api/photos.
func WithRegistrar(r Registrar) Option {
	return func(s *Server) { s.reg = r }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithFeedOrigins sets the origin patterns accepted by the WebSocket feed.
// Without it only same-origin browsers may connect.
func WithFeedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// ── Server ─────────────────────────────────────────────────────────────────────

// Server holds the API's collaborators.
type Server struct {
	conv           Conversation
	auth           Authenticator
	reg            Registrar
	health         *health.Handler
	metricsHandler http.Handler
	origins        []string
	logger         *slog.Logger
	metrics        *observe.Metrics
	pingInterval   time.Duration
}

// New returns a Server driving conv.
func New(conv Conversation, opts ...Option) *Server {
	s := &Server{conv: conv, pingInterval: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversation/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/conversation/start", s.handleStart)
	mux.HandleFunc("POST /api/conversation/stop", s.handleStop)
	mux.HandleFunc("POST /api/conversation/text", s.handleText)
	mux.HandleFunc("DELETE /api/conversation/error", s.handleClearError)
	mux.HandleFunc("GET /api/conversation", s.handleSnapshot)
	mux.HandleFunc("GET /api/conversation/feed", s.handleFeed)
	if s.auth != nil {
		mux.HandleFunc("POST /api/login", s.handleLogin)
	}
	if s.reg != nil {
		mux.HandleFunc("POST /api/photos", s.handlePhotos)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// ── Conversation ──────────────────────────────────────────────────────────────

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.conv.Toggle)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.conv.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.conv.Stop)
}

// control runs a lifecycle call detached from the request so a client
// disconnecting mid-start does not abort the session, then replies with the
// resulting snapshot.
func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.conv.SendText(r.Context(), req.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.conv.Snapshot())
}

func (s *Server) handleClearError(w http.ResponseWriter, _ *http.Request) {
	s.conv.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conv.Snapshot())
}

// ── Login and registration ────────────────────────────────────────────────────

type loginRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.Check(r.Context(), req.User, req.Pass); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type photosResponse struct {
	OrderNumber string `json:"orderNumber"`
}

func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if !s.decode(w, r, &req) {
		return
	}
	order, err := s.reg.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, photosResponse{OrderNumber: order})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptyText),
		errors.Is(err, registration.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrNotConnected),
		errors.Is(err, conversation.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrAllFailed),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrDeviceAccess),
		errors.Is(err, conversation.ErrClosed),
		errors.Is(err, auth.ErrNoCredentials):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path,
			"trace_id", observe.CorrelationID(r.Context()), "err", err)
	} else {
		s.logger.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v, replying 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
