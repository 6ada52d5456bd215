package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"battle-sync/internal/config"
	"battle-sync/internal/container"
	"battle-sync/internal/middleware"
	"battle-sync/pkg/logger"
)

// Resources holds all resources that need cleanup
type Resources struct {
	container   *container.Container
	server      *http.Server
	unsubscribe func()
	log         *logger.Logger
	mu          sync.Mutex
	closed      bool
}

// Cleanup gracefully closes all resources
func (r *Resources) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error

	r.log.Info("Starting graceful shutdown...")

	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			r.log.WithError(err).Error("Failed to shutdown HTTP server")
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		} else {
			r.log.Info("HTTP server shutdown complete")
		}
	}

	if r.unsubscribe != nil {
		r.unsubscribe()
	}

	if err := r.container.List.Stop(); err != nil {
		r.log.WithError(err).Error("Failed to stop battle list reconciler")
		errs = append(errs, fmt.Errorf("battle list shutdown: %w", err))
	}

	if r.container.RedisClient != nil {
		healthCtx, healthCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := r.container.RedisClient.Health(healthCtx); err != nil {
			r.log.WithError(err).Warn("Redis health check failed before closing")
		}
		healthCancel()
	}
	r.container.Close()

	if len(errs) > 0 {
		r.log.WithField("error_count", len(errs)).Error("Cleanup completed with errors")
		return errors.Join(errs...)
	}

	r.log.Info("Graceful shutdown completed successfully")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.WithFields(map[string]interface{}{
		"port":             cfg.Port,
		"log_level":        cfg.LogLevel,
		"environment":      cfg.Environment,
		"realtime":         cfg.RealtimeEnabled,
		"poll_interval":    cfg.PollInterval.String(),
		"staleness_window": cfg.StalenessWindow.String(),
	}).Info("Starting battle-sync server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create container")
	}

	resources := &Resources{
		container: c,
		log:       log,
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := resources.Cleanup(cleanupCtx); err != nil {
			log.WithError(err).Error("Cleanup completed with errors")
		}
	}()

	unsubscribe, err := c.SubscribeList()
	if err != nil {
		log.WithError(err).Fatal("Failed to subscribe to battle changes")
	}
	resources.unsubscribe = unsubscribe

	if err := c.List.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start battle list reconciler")
	}

	// request contexts end when shutdown begins so open event streams do not hold it up
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        setupRouter(c),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return requestCtx },
	}
	server.RegisterOnShutdown(cancelRequests)
	resources.server = server

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server starting on port " + cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if c.Realtime != nil {
		g.Go(func() error {
			return c.Realtime.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		return resources.Cleanup(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server stopped with errors")
		os.Exit(1)
	}

	log.Info("Application shutdown complete")
}

// setupRouter configures and returns the HTTP router
func setupRouter(c *container.Container) *chi.Mux {
	log := c.Logger
	r := chi.NewRouter()

	r.Use(middleware.CORS(c.Config.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(c.Monitor.Middleware)
	r.Use(chiMiddleware.Compress(5))

	healthHandler := c.HealthHandler()
	battleHandler := c.BattleHandler()

	r.Get("/health", healthHandler.Check)
	r.Handle("/metrics", c.Monitor.Handler())
	if c.Config.IsDevelopment() {
		r.Mount("/debug", chiMiddleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(c.Auth.OptionalAuth)
		battleHandler.RegisterRoutes(r, chiMiddleware.Timeout(60*time.Second))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":{"type":"not_found","message":"Endpoint not found"}}`))
	})

	log.Info("Router configured successfully")
	return r
}
