// Package auth checks operator logins against the credentials record kept in
// the store.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultPath is where the credentials record lives.
const DefaultPath = "credentials"

var (
	// ErrInvalidCredentials is returned when the user or password does not
	// match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrNoCredentials is returned when no credentials record is stored.
	ErrNoCredentials = errors.New("auth: no credentials record")
)

// Reader is the part of the store the checker needs.
type Reader interface {
	Read(ctx context.Context, path string) (json.RawMessage, error)
}

// Credentials is the stored record.
type Credentials struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Checker verifies logins. The record is read on every check so a changed
// password applies immediately.
type Checker struct {
	store  Reader
	path   string
	logger *slog.Logger
}

// Option is a functional option for [NewChecker].
type Option func(*Checker)

// WithPath overrides [DefaultPath].
func WithPath(path string) Option {
	return func(c *Checker) { c.path = path }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// NewChecker returns a Checker reading from r.
func NewChecker(r Reader, opts ...Option) *Checker {
	c := &Checker{store: r, path: DefaultPath}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Check returns nil when user and pass match the stored record. Store
// failures are returned wrapped; a mismatch returns [ErrInvalidCredentials].
func (c *Checker) Check(ctx context.Context, user, pass string) error {
	raw, err := c.store.Read(ctx, c.path)
	if err != nil {
		return fmt.Errorf("auth: read credentials: %w", err)
	}
	if raw == nil {
		return ErrNoCredentials
	}
	var want Credentials
	if err := json.Unmarshal(raw, &want); err != nil {
		return fmt.Errorf("auth: decode credentials: %w", err)
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(want.User))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(want.Pass))
	if userOK&passOK != 1 || want.User == "" {
		c.logger.Warn("login rejected", "user", user)
		return ErrInvalidCredentials
	}
	c.logger.Info("login accepted", "user", user)
	return nil
}
