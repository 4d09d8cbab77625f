package app

import (
	"context"
	"log/slog"

	"github.com/fulgencio/kiosk/internal/config"
	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/pkg/store"
	"github.com/fulgencio/kiosk/pkg/store/firebase"
	"github.com/fulgencio/kiosk/pkg/store/memstore"
	"github.com/fulgencio/kiosk/pkg/store/postgres"
)

// DefaultRegistry returns a registry with the memory, postgres and firebase
// backends.
func DefaultRegistry(logger *slog.Logger, metrics *observe.Metrics) *config.Registry {
	r := config.NewRegistry()
	r.RegisterStore(config.StorageMemory, func(context.Context, config.StorageConfig) (store.Store, error) {
		return memstore.New(), nil
	})
	r.RegisterStore(config.StoragePostgres, func(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
		return postgres.New(ctx, cfg.PostgresDSN,
			postgres.WithLogger(logger),
			postgres.WithMetrics(metrics),
		)
	})
	r.RegisterStore(config.StorageFirebase, func(_ context.Context, cfg config.StorageConfig) (store.Store, error) {
		opts := []firebase.Option{
			firebase.WithHTTPClient(tracedClient(0)),
			firebase.WithLogger(logger),
			firebase.WithMetrics(metrics),
		}
		if cfg.FirebaseSecret != "" {
			opts = append(opts, firebase.WithSecret(cfg.FirebaseSecret))
		}
		return firebase.New(cfg.FirebaseURL, opts...)
	})
	return r
}
