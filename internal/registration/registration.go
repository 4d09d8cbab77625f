// Package registration records visitors who leave their details at the
// kiosk and hands their selfie to caricature generation.
//
// Visitors are stored under users/{order number}, where the order number is
// the next integer after the highest numeric key already present. The order
// number is what the visitor later quotes to the assistant.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fulgencio/kiosk/pkg/caricature"
)

const usersPath = "users"

// ErrInvalidRequest is returned when required visitor fields are missing.
var ErrInvalidRequest = errors.New("registration: invalid request")

// Store is the part of the storage collaborator registration needs.
type Store interface {
	Read(ctx context.Context, path string) (json.RawMessage, error)
	Write(ctx context.Context, path string, value any) error
}

// Generator triggers caricature generation.
type Generator interface {
	Generate(ctx context.Context, orderNumber, photo string) (caricature.Result, error)
}

var _ Generator = (*caricature.Client)(nil)

// Request is what the visitor submits. Photo is a base64 image or data URL
// and may be empty when the visitor skips the selfie.
type Request struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Photo    string `json:"photo"`
}

// Record is the stored visitor.
type Record struct {
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Photo     string `json:"photo"`
	Timestamp string `json:"timestamp"`
}

// Option is a functional option for [New].
type Option func(*Service)

// WithGenerator enables caricature generation for visitors with a photo.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.gen = g }
}

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service registers visitors. Registrations through one Service are
// serialised so two visitors never receive the same order number.
type Service struct {
	store  Store
	gen    Generator
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New returns a Service writing to store.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register stores the visitor under the next order number and returns it.
// When a photo is present and a generator is configured, caricature
// generation starts in the background; its failure is logged and does not
// affect the registration.
func (s *Service) Register(ctx context.Context, req Request) (string, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(req.Email)
	req.Photo = strings.TrimSpace(req.Photo)
	if req.FullName == "" {
		return "", fmt.Errorf("%w: full name is required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return "", fmt.Errorf("%w: email %q: %w", ErrInvalidRequest, req.Email, err)
	}

	s.mu.Lock()
	order, err := s.nextOrderNumber(ctx)
	if err == nil {
		err = s.store.Write(ctx, usersPath+"/"+order, Record{
			FullName:  req.FullName,
			Email:     req.Email,
			Photo:     req.Photo,
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		})
	}
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("registration: save visitor: %w", err)
	}
	s.logger.Info("visitor registered", "order_number", order, "with_photo", req.Photo != "")

	if req.Photo != "" && s.gen != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if _, err := s.gen.Generate(s.ctx, order, req.Photo); err != nil {
				s.logger.Warn("caricature generation failed", "order_number", order, "err", err)
			}
		}()
	}
	return order, nil
}

// Close cancels pending caricature requests and waits for them to return.
func (s *Service) Close() error {
	s.cancel()
	s.inflight.Wait()
	return nil
}

// nextOrderNumber returns one more than the highest numeric key under users,
// or "1" when there is none.
func (s *Service) nextOrderNumber(ctx context.Context) (string, error) {
	raw, err := s.store.Read(ctx, usersPath)
	if err != nil {
		return "", err
	}
	keys, err := childKeys(raw)
	if err != nil {
		return "", err
	}
	highest := 0
	for _, k := range keys {
		if n, err := strconv.Atoi(k); err == nil && n > highest && isDigits(k) {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1), nil
}

// childKeys lists the child names of a stored node. Realtime databases
// return objects whose keys are small integers as arrays, so arrays are
// accepted with their non-null indexes as keys.
func childKeys(raw json.RawMessage) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		return keys, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	var keys []string
	for i, v := range arr {
		if string(v) != "null" {
			keys = append(keys, strconv.Itoa(i))
		}
	}
	return keys, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
