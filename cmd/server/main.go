package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("ride-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var store storage.TripStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		store = ps
		checks = append(checks, ps.DB().PingContext)
	}

	var index geo.Index = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := rg.Ping(ctx); err != nil {
			logger.Warn("redis_unreachable_at_startup", "addr", cfg.RedisAddr, "error", err)
		}
		index = rg
		checks = append(checks, rg.Ping)
	}

	chain, err := newMapsChain(cfg, logger)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(index, logger)
	hub := dispatch.NewWSHub()
	notifier := dispatch.NewDispatcher(registry, hub, logger)
	discovery := &matcher.Service{
		Geocoder:    chain,
		Index:       index,
		Notify:      notifier,
		RadiusKm:    cfg.DiscoveryRadiusKm,
		MaxCaptains: cfg.DiscoveryMaxCaptains,
		Logger:      logger,
	}

	deps := rides.Deps{Store: store, Maps: chain, Discovery: discovery, Notifier: notifier, Logger: logger}
	opts := httpapi.Options{Maps: chain, Presence: registry, Hub: hub, Auth: verifier, Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaRideTopic, cfg.KafkaLocationTopic)
		defer kp.Close()
		deps.Events = kp
		opts.Locations = kp
	}

	svc := rides.NewService(deps, rides.Config{
		FareTimeout:    cfg.FareTimeout,
		OtpLength:      cfg.OtpLength,
		OtpMaxAttempts: cfg.OtpMaxAttempts,
	})
	opts.Rides = svc
	opts.Ready = func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "postgres", cfg.PGDSN != "", "redis", cfg.RedisAddr != "", "kafka", len(cfg.KafkaBrokers) > 0)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	svc.Wait()
	return nil
}

func newMapsChain(cfg config.ServerConfig, logger *slog.Logger) (*maps.Chain, error) {
	chain := &maps.Chain{
		Cache:   maps.NewRouteCache(cfg.RouteCacheTTL),
		Timeout: cfg.ProviderTimeout,
		Logger:  logger,
	}
	if cfg.GoogleMapsAPIKey != "" {
		g, err := maps.NewGoogleProvider(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		chain.Geocoders = append(chain.Geocoders, g)
		chain.Routers = append(chain.Routers, g)
	}
	if cfg.NominatimURL != "" {
		n := maps.NewNominatimClient(cfg.NominatimURL)
		chain.Geocoders = append(chain.Geocoders, n)
		chain.Suggesters = append(chain.Suggesters, n)
	}
	if cfg.ORSAPIKey != "" {
		chain.Routers = append(chain.Routers, maps.NewORSClient(cfg.ORSURL, cfg.ORSAPIKey))
	}
	if cfg.OSRMURL != "" {
		chain.Routers = append(chain.Routers, maps.NewOSRMClient(cfg.OSRMURL))
	}
	if len(chain.Geocoders) == 0 || len(chain.Routers) == 0 {
		logger.Warn("maps_providers_incomplete", "geocoders", len(chain.Geocoders), "routers", len(chain.Routers))
	}
	return chain, nil
}

// migrate applies migrations/001_create_rides.sql relative to the working directory.
func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) error {
	path := filepath.Join("migrations", "001_create_rides.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	logger.Info("migration applied", "file", path)
	return nil
}
