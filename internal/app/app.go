// Package app wires the kiosk's subsystems into a running application.
//
// New builds everything from the config. Run serves the local HTTP API until
// its context ends. Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithCaptureSource, WithPlaybackSink, WithDialer). When an option is not
// provided, New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fulgencio/kiosk/internal/api"
	"github.com/fulgencio/kiosk/internal/auth"
	"github.com/fulgencio/kiosk/internal/config"
	"github.com/fulgencio/kiosk/internal/conversation"
	"github.com/fulgencio/kiosk/internal/health"
	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/internal/registration"
	"github.com/fulgencio/kiosk/pkg/audio"
	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/audio/playback"
	"github.com/fulgencio/kiosk/pkg/caricature"
	"github.com/fulgencio/kiosk/pkg/store"
	"github.com/fulgencio/kiosk/pkg/transport"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown inside Run.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	registry *config.Registry

	// Injected or built in New.
	store          store.Store
	source         capture.Source
	sink           playback.Sink
	dialer         conversation.Dialer
	metricsHandler http.Handler

	capture *capture.Engine
	player  *playback.Engine
	conv    *conversation.Orchestrator
	reg     *registration.Service
	health  *health.Handler
	api     *api.Server

	// addr is the bound listener address once Run is serving.
	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	// closers are called in order during Shutdown; see onShutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the storage collaborator instead of creating one from
// config. The App closes it on Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCaptureSource injects the microphone instead of opening PortAudio.
func WithCaptureSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithPlaybackSink injects the speaker instead of opening PortAudio.
func WithPlaybackSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithDialer replaces the realtime transport.
func WithDialer(d conversation.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithRegistry overrides the storage backend registry. Default:
// [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevel hands over the level variable behind the logger so config
// reloads can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics when telemetry.metrics is on.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// subsystem built so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry(a.logger, a.metrics)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"playback", a.initPlayback},
		{"capture", a.initCapture},
		{"conversation", a.initConversation},
		{"registration", a.initRegistration},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			_ = a.Shutdown(context.Background())
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	a.initAPI()
	return a, nil
}

// ─── Init steps ──────────────────────────────────────────────────────────────

// onShutdown registers fn to run before everything registered earlier, so
// subsystems close in reverse construction order.
func (a *App) onShutdown(fn func() error) {
	a.closers = append([]func() error{fn}, a.closers...)
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := a.registry.CreateStore(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		a.store = s
	}
	a.onShutdown(a.store.Close)
	a.logger.Info("store ready", "backend", a.cfg.Storage.Backend)
	return nil
}

func (a *App) format() audio.Format {
	return audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: 1}
}

func (a *App) initPlayback(context.Context) error {
	if a.sink == nil {
		sink, err := playback.OpenPortAudioSink(a.cfg.Audio.OutputDevice, a.format(), a.cfg.Audio.FrameSize)
		if err != nil {
			return err
		}
		a.sink = sink
	}
	a.player = playback.New(a.sink,
		playback.WithFormat(a.format()),
		playback.WithMetrics(a.metrics),
		playback.WithLogger(a.logger),
	)
	// The engine closes the sink.
	a.onShutdown(a.player.Close)
	return nil
}

func (a *App) initCapture(context.Context) error {
	if a.source == nil {
		a.source = capture.NewPortAudioSource(a.cfg.Audio.InputDevice)
	}
	a.capture = capture.New(a.source,
		capture.WithFormat(a.format()),
		capture.WithFrameSize(a.cfg.Audio.FrameSize),
		capture.WithThreshold(a.cfg.Audio.Threshold),
		capture.WithMetrics(a.metrics),
		capture.WithLogger(a.logger),
	)
	return nil
}

func (a *App) initConversation(context.Context) error {
	rt := a.cfg.Realtime
	topts := []transport.Option{
		transport.WithSessionConfig(rt.SessionConfig()),
		transport.WithDialTimeout(rt.DialTimeout()),
	}
	for k, v := range rt.Headers {
		topts = append(topts, transport.WithHeader(k, v))
	}

	copts := []conversation.Option{
		conversation.WithStore(a.store),
		conversation.WithTransportOptions(topts...),
		conversation.WithSilenceDuration(a.cfg.Conversation.Silence()),
		conversation.WithTextResponseDelay(a.cfg.Conversation.TextResponseDelay()),
		conversation.WithActivityPoll(a.cfg.Conversation.ActivityPoll()),
		conversation.WithRelayBreaker(rt.Breaker.CircuitBreaker("relay")),
		conversation.WithLogger(a.logger),
		conversation.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		copts = append(copts, conversation.WithDialer(a.dialer))
	}

	conv, err := conversation.New(rt.URLs, a.capture, a.player, copts...)
	if err != nil {
		return err
	}
	a.conv = conv
	// Stop persists a live transcript; Close then waits for the write.
	a.onShutdown(func() error {
		_ = conv.Stop(context.Background())
		return conv.Close()
	})
	return nil
}

func (a *App) initRegistration(context.Context) error {
	ropts := []registration.Option{registration.WithLogger(a.logger)}
	if cc := a.cfg.Caricature; cc.BaseURL != "" {
		client, err := caricature.New(cc.BaseURL,
			caricature.WithHTTPClient(tracedClient(cc.Timeout())),
			caricature.WithBreaker(cc.Breaker.CircuitBreaker("caricature")),
			caricature.WithLogger(a.logger),
		)
		if err != nil {
			return err
		}
		ropts = append(ropts, registration.WithGenerator(client))
	}
	a.reg = registration.New(a.store, ropts...)
	a.onShutdown(a.reg.Close)
	return nil
}

func (a *App) initAPI() {
	a.health = health.New(a.healthCheckers()...)
	opts := []api.Option{
		api.WithAuthenticator(auth.NewChecker(a.store, auth.WithLogger(a.logger))),
		api.WithRegistrar(a.reg),
		api.WithHealth(a.health),
		api.WithFeedOrigins(a.cfg.Server.FeedOrigins...),
		api.WithLogger(a.logger),
		api.WithMetrics(a.metrics),
	}
	if a.cfg.Telemetry.Metrics && a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	a.api = api.New(a.conv, opts...)
}

// pinger is implemented by stores with a cheap liveness probe.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) healthCheckers() []health.Checker {
	storeCheck := func(ctx context.Context) error {
		if p, ok := a.store.(pinger); ok {
			return p.Ping(ctx)
		}
		_, err := a.store.Read(ctx, auth.DefaultPath)
		return err
	}
	return []health.Checker{
		{Name: "store", Check: storeCheck},
		{Name: "relay", Check: a.conv.RelayCheck},
	}
}

// tracedClient returns an HTTP client whose requests carry trace context and
// produce client spans.
func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Conversation returns the orchestrator.
func (a *App) Conversation() *conversation.Orchestrator { return a.conv }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Addr blocks until Run is listening and returns the bound address, or nil
// if ctx ends first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.ready:
		a.addrMu.Lock()
		defer a.addrMu.Unlock()
		return a.addr
	case <-ctx.Done():
		return nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on server.listen_addr until ctx is cancelled, then
// shuts the server down gracefully. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.MarkNotReady()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	a.health.MarkReady()
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Sections that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SilenceChanged || d.ThresholdChanged {
		a.conv.SetTuning(conversation.Tuning{
			SilenceDuration:   new.Conversation.Silence(),
			SpeakingThreshold: new.Audio.Threshold,
		})
		a.logger.Info("conversation tuning changed",
			"silence_ms", new.Conversation.SilenceMs,
			"threshold", new.Audio.Threshold,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect",
			"sections", strings.Join(d.RestartRequired, ","))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse construction order: pending
// registrations, the conversation (persisting an active transcript), the
// player, then the store.
// If ctx expires first, remaining closers are skipped and ctx's error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ParseLevel maps a config log level to slog. Unknown values map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
