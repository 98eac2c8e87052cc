package billingsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/subsync/internal/billingsync/admin"
	"github.com/rcourtman/subsync/internal/billingsync/locker"
	"github.com/rcourtman/subsync/internal/billingsync/registry"
	"github.com/rcourtman/subsync/internal/billingsync/stripe"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncapi"
	"github.com/rcourtman/subsync/internal/logging"
	"github.com/rs/zerolog/log"
)

// Service is a fully wired synchronizer: store, lock, guard, Stripe ingestion and
// HTTP routes.
type Service struct {
	cfg     *Config
	store   registry.Store
	deps    *Deps
	handler http.Handler
	closers []func() error
}

// StoreOptions returns the registry options selected by cfg.
func StoreOptions(cfg *Config) registry.Options {
	return registry.Options{DataDir: cfg.DataDir, DatabaseURL: cfg.DatabaseURL}
}

// LoadStoreOptions reads only the store selection keys. Maintenance commands use
// it so they run without the serving secrets.
func LoadStoreOptions() registry.Options {
	_ = godotenv.Load()
	return registry.Options{
		DataDir:     envOrDefault("SYNC_DATA_DIR", "/data"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
}

// NewService opens the store and lock backend and builds the HTTP handler.
func NewService(ctx context.Context, cfg *Config, version string) (*Service, error) {
	store, err := registry.Open(ctx, StoreOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open subscription store: %w", err)
	}
	svc := &Service{cfg: cfg, store: store}
	svc.closers = append(svc.closers, store.Close)

	checks := []admin.Check{{Name: "store", Ping: store.Ping}}

	var lock subscription.Locker
	if cfg.RedisURL != "" {
		client, err := locker.Connect(ctx, locker.RedisConfig{URL: cfg.RedisURL})
		if err != nil {
			_ = svc.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		svc.closers = append(svc.closers, client.Close)
		redisLocker := locker.NewRedisLocker(client)
		checks = append(checks, admin.Check{Name: "redis", Ping: redisLocker.Ping})
		lock = redisLocker
		log.Info().Msg("Subscription lock: redis")
	} else {
		lock = locker.NewKeyedMutex()
		log.Info().Msg("Subscription lock: in-process")
	}

	guard := subscription.NewGuard(store,
		subscription.WithLocker(lock),
		subscription.WithStoreTimeout(cfg.StoreTimeout),
	)

	var applier subscription.Applier = guard
	if cfg.DownstreamURL != "" {
		applier = syncapi.NewClient(cfg.DownstreamURL, cfg.AdminKey, 0)
		log.Info().Str("endpoint", cfg.DownstreamURL).Msg("Forwarding Stripe commands downstream")
	}

	verifier := stripe.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance, nil)
	if cfg.StripeAPIKey == "" {
		log.Warn().Msg("STRIPE_API_KEY not set; checkout reconciliation and period enrichment disabled")
	}

	svc.deps = &Deps{
		Config:     cfg,
		Store:      store,
		Local:      guard,
		Ingestor:   stripe.NewIngestor(verifier, applier, cfg.StripeAPIKey),
		Reconciler: stripe.NewReconciler(cfg.StripeAPIKey, applier),
		Checks:     checks,
		Limiter:    NewRejectLimiter(cfg.WebhookRejectLimit, defaultWebhookRejectWindow),
		Version:    version,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, svc.deps)
	svc.handler = RequestMiddleware(SecurityHeaders(mux))
	return svc, nil
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Store returns the subscription store.
func (s *Service) Store() registry.Store {
	return s.store
}

// StartBackground launches the status gauge loop, the ledger pruner (when a
// retention is configured) and the webhook reject limiter sweep. They stop with ctx.
func (s *Service) StartBackground(ctx context.Context) {
	go runStatusMetrics(ctx, s.store)

	if s.cfg.LedgerRetention > 0 {
		go NewLedgerPruner(s.store, s.cfg.LedgerRetention).Run(ctx)
	}

	go func() {
		ticker := time.NewTicker(defaultWebhookRejectWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.deps.Limiter.Sweep()
			}
		}
	}()
}

// Close releases the store and lock backend in reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Run starts the synchronizer HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subsync",
	})

	log.Info().Str("version", version).Msg("Starting subscription sync service")

	if cfg.DatabaseURL == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	svc, err := NewService(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close service resources")
		}
	}()

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc.StartBackground(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Subscription sync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Subscription sync stopped")
	return runErr
}
