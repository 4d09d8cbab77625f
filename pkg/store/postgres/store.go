package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

const listenRetry = time.Second

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Store)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// ── Store ──────────────────────────────────────────────────────────────────────

// Store holds a single [pgxpool.Pool] plus, once something subscribes, one
// dedicated LISTEN connection. All methods are safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *observe.Metrics

	mu         sync.Mutex
	subs       map[int]*subscription
	nextID     int
	stopListen context.CancelFunc
	listenDone chan struct{}
	closed     bool
}

// New connects to the database at dsn, verifies it with a ping and runs
// [Migrate].
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return NewWithPool(pool, opts...), nil
}

// NewWithPool wraps an existing pool. The caller must have run [Migrate];
// Close closes the pool.
func NewWithPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, subs: make(map[int]*subscription)}
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

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Write implements [store.Store.Write].
func (s *Store) Write(ctx context.Context, path string, value any) error {
	p, err := store.Clean(path)
	if err != nil {
		return fmt.Errorf("postgres store: write %q: %w", path, err)
	}
	v, err := store.Normalize(value)
	if err != nil {
		return fmt.Errorf("postgres store: write %q: %w", path, err)
	}
	err = s.inTx(ctx, "write", p, func(tx pgx.Tx) error {
		return replace(ctx, tx, p, v)
	})
	if err != nil {
		return fmt.Errorf("postgres store: write %q: %w", p, err)
	}
	return nil
}

// Read implements [store.Store.Read].
func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, fmt.Errorf("postgres store: read %q: %w", path, err)
	}
	raw, err := s.read(ctx, p)
	s.metrics.RecordStoreOp(ctx, "postgres", "read", status(err))
	if err != nil {
		return nil, fmt.Errorf("postgres store: read %q: %w", p, err)
	}
	return raw, nil
}

func (s *Store) read(ctx context.Context, p string) (json.RawMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if p == "" {
		rows, err = s.pool.Query(ctx, `SELECT path, value FROM kv_nodes`)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT path, value
			FROM   kv_nodes
			WHERE  path = $1 OR path LIKE $2 ESCAPE '\'`,
			p, likePrefix(p))
	}
	if err != nil {
		return nil, err
	}
	nodes, err := pgx.CollectRows(rows, pgx.RowToStructByPos[node])
	if err != nil {
		return nil, err
	}
	return assemble(p, nodes)
}

// node is one kv_nodes row.
type node struct {
	Path  string
	Value []byte
}

// assemble rebuilds the subtree at p from its leaf rows.
func assemble(p string, nodes []node) (json.RawMessage, error) {
	var root any
	for _, n := range nodes {
		if n.Path == p {
			return json.RawMessage(n.Value), nil
		}
		v, err := store.Normalize(json.RawMessage(n.Value))
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(n.Path, p)
		root = store.Assign(root, store.Segments(strings.Trim(rel, "/")), v)
	}
	return store.Encode(root)
}

// Update implements [store.Store.Update]. All children change in one
// transaction.
func (s *Store) Update(ctx context.Context, path string, partial map[string]any) error {
	p, err := store.Clean(path)
	if err != nil {
		return fmt.Errorf("postgres store: update %q: %w", path, err)
	}
	children := make(map[string]any, len(partial))
	for k, v := range partial {
		child, err := store.Clean(k)
		if err != nil || child == "" {
			return fmt.Errorf("postgres store: update %q key %q: %w", path, k, store.ErrInvalidPath)
		}
		if children[child], err = store.Normalize(v); err != nil {
			return fmt.Errorf("postgres store: update %q: %w", path, err)
		}
	}
	err = s.inTx(ctx, "update", p, func(tx pgx.Tx) error {
		for k, v := range children {
			if err := replace(ctx, tx, store.Join(p, k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: update %q: %w", p, err)
	}
	return nil
}

// Remove implements [store.Store.Remove].
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

// Push implements [store.Store.Push]. Keys are UUIDv7 strings.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("postgres store: push: %w", err)
	}
	p, err := store.Clean(path)
	if err != nil {
		return "", fmt.Errorf("postgres store: push %q: %w", path, err)
	}
	key := id.String()
	if err := s.Write(ctx, store.Join(p, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stopListen, s.listenDone
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if stop != nil {
		stop()
		<-done
	}
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, then notifies listeners of p.
func (s *Store) inTx(ctx context.Context, op, p string, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, p)
		return err
	})
	s.metrics.RecordStoreOp(ctx, "postgres", op, status(err))
	return err
}

// replace makes v the subtree at p: rows beneath p go, ancestor leaves that
// would shadow p go, and v's leaves are inserted.
func replace(ctx context.Context, tx pgx.Tx, p string, v any) error {
	if p == "" {
		if _, err := tx.Exec(ctx, `DELETE FROM kv_nodes`); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx,
			`DELETE FROM kv_nodes WHERE path = $1 OR path LIKE $2 ESCAPE '\'`,
			p, likePrefix(p)); err != nil {
			return err
		}
		if ancestors := ancestorsOf(p); len(ancestors) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM kv_nodes WHERE path = ANY($1)`, ancestors); err != nil {
				return err
			}
		}
	}

	leaves := store.Leaves(p, v)
	if len(leaves) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for path, leaf := range leaves {
		b, err := json.Marshal(leaf)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO kv_nodes (path, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			path, json.RawMessage(b))
	}
	return tx.SendBatch(ctx, batch).Close()
}

func ancestorsOf(p string) []string {
	segs := store.Segments(p)
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

// likePrefix returns a LIKE pattern matching every path strictly beneath p.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "/%"
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ── Subscriptions ─────────────────────────────────────────────────────────────

type subscription struct {
	path  string
	fn    func(json.RawMessage)
	dirty chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (sub *subscription) mark() {
	select {
	case sub.dirty <- struct{}{}:
	default:
	}
}

func (sub *subscription) stop() { sub.once.Do(func() { close(sub.done) }) }

// Subscribe implements [store.Store.Subscribe]. Change notifications are
// coalesced: a burst of writes may yield a single callback carrying the
// final value. A callback only fires when the value differs from the last
// one delivered. ctx bounds only the listener setup.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, fmt.Errorf("postgres store: subscribe %q: %w", path, err)
	}
	sub := &subscription{
		path:  p,
		fn:    fn,
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("postgres store: subscribe %q: store closed", p)
	}
	if s.stopListen == nil {
		if err := s.startListenerLocked(ctx); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("postgres store: subscribe %q: %w", p, err)
		}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	sub.mark()
	go s.deliver(sub)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}, nil
}

// deliver re-reads the subscription path each time it is marked dirty.
func (s *Store) deliver(sub *subscription) {
	var (
		last      json.RawMessage
		delivered bool
	)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.dirty:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		v, err := s.read(ctx, sub.path)
		cancel()
		if err != nil {
			s.logger.Warn("postgres store: subscription read failed", "path", sub.path, "err", err)
			continue
		}
		if delivered && bytes.Equal(last, v) {
			continue
		}
		last, delivered = v, true
		select {
		case <-sub.done:
			return
		default:
			sub.fn(v)
		}
	}
}

// startListenerLocked opens the LISTEN connection. Must be called with s.mu
// held.
func (s *Store) startListenerLocked(ctx context.Context) error {
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.stopListen = cancel
	s.listenDone = make(chan struct{})
	go s.listenLoop(lctx, conn, s.listenDone)
	return nil
}

func (s *Store) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("listen connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

// listenLoop fans notifications out to subscribers until ctx is cancelled.
// A lost connection is re-established, and every subscriber is refreshed
// since changes may have been missed.
func (s *Store) listenLoop(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetry):
			}
			c, err := s.listen(ctx)
			if err != nil {
				s.logger.Warn("postgres store: listener reconnect failed", "err", err)
				continue
			}
			conn = c
			s.markMatching(func(string) bool { return true })
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("postgres store: listener lost", "err", err)
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}
		changed := n.Payload
		s.markMatching(func(watched string) bool { return store.Related(watched, changed) })
	}
}

func (s *Store) markMatching(match func(watched string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if match(sub.path) {
			sub.mark()
		}
	}
}
