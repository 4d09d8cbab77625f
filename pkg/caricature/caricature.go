// Package caricature is a client for the backend endpoint that turns a
// visitor's selfie into generated caricatures.
//
// The backend stores its results under the visitor's record itself; this
// client only triggers generation and reports the outcome.
//
// Example usage:
//
//	c, err := caricature.New("https://kiosk-backend.example.com")
//	if err != nil { … }
//	res, err := c.Generate(ctx, "42", photoDataURL)
package caricature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fulgencio/kiosk/internal/resilience"
)

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("caricature: unexpected status")

// DefaultTimeout bounds a generation call. Image generation is slow.
const DefaultTimeout = 120 * time.Second

const generatePath = "/photo/generate-caricature"

// Result is the backend's reply.
type Result struct {
	OK               bool   `json:"ok"`
	OrderNumber      string `json:"orderNumber"`
	StoredInFirebase bool   `json:"storedInFirebase"`
	GeneratedCount   int    `json:"generatedCount"`
}

type generateRequest struct {
	OrderNumber string `json:"orderNumber"`
	PhotoBase64 string `json:"photoBase64"`
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	httpClient *http.Client
	breaker    resilience.CircuitBreakerConfig
	logger     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*config)

// WithTimeout sets the per-request timeout. Default: [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient overrides the HTTP client. Its own Timeout is left as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithBreaker configures the circuit breaker guarding the endpoint.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = cfg }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Client calls the caricature endpoint. It is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("caricature: base URL must not be empty")
	}
	cfg := &config{timeout: DefaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.breaker.Name == "" {
		cfg.breaker.Name = "caricature"
	}
	// Client mistakes say nothing about backend health.
	if cfg.breaker.IsFailure == nil {
		cfg.breaker.IsFailure = func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code >= 500 || se.Code == http.StatusTooManyRequests
			}
			return !errors.Is(err, context.Canceled)
		}
	}
	return &Client{
		endpoint:   baseURL + generatePath,
		httpClient: cfg.httpClient,
		breaker:    resilience.NewCircuitBreaker(cfg.breaker),
		logger:     cfg.logger,
	}, nil
}

// StatusError describes a non-2xx reply. It wraps [ErrStatus].
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Generate asks the backend to generate caricatures for orderNumber from
// photo, a base64 image or data URL. When the breaker is open it fails fast
// with [resilience.ErrCircuitOpen].
func (c *Client) Generate(ctx context.Context, orderNumber, photo string) (Result, error) {
	if orderNumber == "" || photo == "" {
		return Result{}, errors.New("caricature: order number and photo are required")
	}
	var res Result
	err := c.breaker.Execute(func() error {
		var err error
		res, err = c.generate(ctx, orderNumber, photo)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("caricature: generate %s: %w", orderNumber, err)
	}
	c.logger.Info("caricature generated", "order_number", orderNumber,
		"count", res.GeneratedCount, "stored", res.StoredInFirebase)
	return res, nil
}

func (c *Client) generate(ctx context.Context, orderNumber, photo string) (Result, error) {
	body, err := json.Marshal(generateRequest{OrderNumber: orderNumber, PhotoBase64: photo})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
