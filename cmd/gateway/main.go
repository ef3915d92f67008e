package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/Alannxna/redfire-gateway/internal/auth"
	"github.com/Alannxna/redfire-gateway/internal/balancer"
	"github.com/Alannxna/redfire-gateway/internal/config"
	"github.com/Alannxna/redfire-gateway/internal/events"
	"github.com/Alannxna/redfire-gateway/internal/gateway"
	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/metrics"
	"github.com/Alannxna/redfire-gateway/internal/ratelimit"
	"github.com/Alannxna/redfire-gateway/internal/registry"
	"github.com/Alannxna/redfire-gateway/internal/router"
	"github.com/Alannxna/redfire-gateway/internal/store"
	"github.com/Alannxna/redfire-gateway/internal/ws"
)

// publicPaths is the unauthenticated allowlist: health/metrics surfaces, the
// auth endpoints themselves, and the WebSocket upgrade (auth happens over
// the authenticate frame).
var (
	publicExact    = []string{"/health", "/metrics", "/metrics/prometheus", "/auth/refresh", "/ws"}
	publicPrefixes = []string{"/docs", "/api/v1/auth/"}
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info", Format: "json", Service: "gateway"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: cfg.ServiceName,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	// Shared store: Redis when REGISTRY_STORE_URL is set, otherwise a
	// per-process in-memory store (single-instance deployments and tests).
	var st store.Store
	if cfg.RegistryStoreURL != "" {
		st, err = store.NewRedis(cfg.RegistryStoreURL)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.RegistryStoreURL).Msg("Failed to connect to shared store")
		}
		logger.Info().Msg("Using shared store for registry, rate limiting, events and fan-out")
	} else {
		st = store.NewMemory()
		logger.Warn().Msg("REGISTRY_STORE_URL not set, using in-process store (no cross-instance coordination)")
	}

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize token manager")
	}
	authenticator := auth.NewAuthenticator(tokens, auth.NewPublicPaths(publicExact, publicPrefixes))

	reg := registry.New(st, logger, cfg.InstanceTTL(), cfg.HeartbeatInterval())

	var sharedLimiterStore store.Store
	if cfg.RateLimitStore == "shared" {
		sharedLimiterStore = st
	}
	limiter := ratelimit.New(ratelimit.Config{
		Enabled: cfg.RateLimitEnabled,
		Policies: ratelimit.NewPolicyTable(ratelimit.Policy{
			Limit:  cfg.RateLimitDefault,
			Window: cfg.RateLimitWindow(),
		}),
		Shared: sharedLimiterStore,
		Logger: logger,
	})

	lb := balancer.New(balancer.Config{
		Algorithm:        cfg.LBAlgorithm,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown(),
		Logger:           logger,
	})

	collector := metrics.NewCollector(metrics.Config{
		Logger:        logger,
		SlowThreshold: cfg.SlowRequestThreshold(),
		Store:         st,
	})

	bus := events.New(st, logger, cfg.ServiceName)

	var accept *ws.AcceptLimiter
	if cfg.WSConnRateLimitEnabled {
		accept = ws.NewAcceptLimiter(ws.AcceptLimiterConfig{
			IPRate:      cfg.WSConnRateIPRate,
			IPBurst:     cfg.WSConnRateIPBurst,
			GlobalRate:  cfg.WSConnRateGlobalRate,
			GlobalBurst: cfg.WSConnRateGlobalBurst,
			Logger:      logger,
		})
	}
	hub := ws.NewHub(ws.HubConfig{
		Store:    st,
		Verifier: authenticator,
		Accept:   accept,
		Logger:   logger,
	})

	rt := router.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedServices(ctx, cfg, reg, rt, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed static services")
	}

	gw := gateway.New(gateway.Config{
		Logger:         logger,
		Registry:       reg,
		Limiter:        limiter,
		Balancer:       lb,
		Auth:           authenticator,
		Router:         rt,
		Collector:      collector,
		Hub:            hub,
		RequestTimeout: cfg.RequestTimeout(),
	})

	reg.Start(ctx)
	collector.Start(ctx)
	hub.Start(ctx)
	if err := bus.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start event consumer")
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("Gateway listening")
		serverErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
		}
	}

	// Staged shutdown: stop accepting HTTP, close WebSocket connections,
	// cancel background loops, close the store last.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	hub.Shutdown()
	cancel()

	reg.Wait()
	collector.Wait()
	hub.Wait()
	bus.Wait()

	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("Store close failed")
	}
	logger.Info().Msg("Gateway stopped")
}

// seedServices registers statically configured instances (owned by this
// process, so the registry drives their heartbeats) and installs their route
// prefixes.
func seedServices(ctx context.Context, cfg *config.Config, reg *registry.Registry, rt *router.Router, logger zerolog.Logger) error {
	services, err := cfg.Services()
	if err != nil {
		return err
	}
	for name, entry := range services {
		if entry.Prefix != "" {
			rt.Add(entry.Prefix, name)
		}
		for _, ic := range entry.Instances {
			weight := ic.Weight
			if weight <= 0 {
				weight = 1
			}
			inst := &registry.Instance{
				Name:   name,
				Host:   ic.Host,
				Port:   ic.Port,
				Weight: weight,
				Status: registry.StatusHealthy,
			}
			if err := reg.RegisterOwned(ctx, inst); err != nil {
				return err
			}
			logger.Info().
				Str("service", name).
				Str("instance", inst.ID()).
				Str("prefix", entry.Prefix).
				Msg("Seeded static service instance")
		}
	}
	return nil
}
