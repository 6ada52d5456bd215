package container

import (
	"context"
	"fmt"

	"battle-sync/internal/config"
	"battle-sync/internal/domain"
	"battle-sync/internal/handler"
	"battle-sync/internal/middleware"
	"battle-sync/internal/monitor"
	"battle-sync/internal/notify"
	"battle-sync/internal/realtime"
	"battle-sync/internal/reconciler"
	"battle-sync/internal/repository"
	"battle-sync/internal/service"
	"battle-sync/pkg/database"
	"battle-sync/pkg/logger"
	"battle-sync/pkg/redis"
)

const metricsNamespace = "battlesync"

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	// RedisClient and DB are nil when not configured or unreachable
	RedisClient *redis.Client
	DB          *database.PostgresDB

	Supabase *service.SupabaseClient
	// Reader serves listing and single-battle reads: the direct database path when available,
	// Supabase otherwise
	Reader   service.BattleLister
	Monitor  *monitor.Monitor
	Notifier notify.Notifier
	List     *reconciler.List
	Battles  *service.BattleService
	Auth     *middleware.Authenticator

	// Realtime is nil when disabled
	Realtime *realtime.Client
}

// New creates a new dependency injection container
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: log,
	}

	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, cfg.Environment, log)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize Redis client, proceeding without cache and fan-out")
		} else {
			c.RedisClient = client
			log.Info("Redis client initialized successfully")
		}
	} else {
		log.Info("Redis URL not configured, proceeding without cache and fan-out")
	}

	c.Supabase = service.NewSupabaseClient(cfg, log)
	c.Reader = c.Supabase
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Warn("Failed to connect to database, listing through Supabase")
		} else {
			c.DB = db
			c.Reader = repository.NewBattleRepository(db.Pool, cfg.StalenessWindow, nil, log)
			log.Info("Listing battles from the database")
		}
	}

	mon, err := monitor.NewMonitor(metricsNamespace)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	c.Monitor = mon

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if c.RedisClient != nil {
		notifiers = append(notifiers, notify.NewRedisNotifier(c.RedisClient, log))
	}
	c.Notifier = notifiers

	listOpts := reconciler.ListOptions{
		PollInterval:    cfg.PollInterval,
		StalenessWindow: cfg.StalenessWindow,
		RefreshTimeout:  cfg.HTTPTimeout,
		Notifier:        c.Notifier,
		Metrics:         c.Monitor,
	}
	// a nil *redis.Client must not end up inside a non-nil interface
	var locker service.IdempotencyLocker
	if c.RedisClient != nil {
		cache := service.NewListCache(c.RedisClient, log)
		listOpts.Store = cache
		locker = c.RedisClient
		if saved := cache.LastSaved(ctx); !saved.IsZero() {
			log.WithField("saved_at", saved).Info("Found cached battle list")
		}
	}
	c.List = reconciler.NewList(c.Reader, log, listOpts)
	c.Battles = service.NewBattleService(c.Supabase, c.List, c.Notifier, locker, log)
	c.Auth = middleware.NewAuthenticator(cfg.SupabaseJWTSecret, log)

	if cfg.RealtimeEnabled {
		client, err := realtime.NewClient(cfg.RealtimeURL(), realtime.Options{APIKey: cfg.SupabaseAnonKey}, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create realtime client: %w", err)
		}
		c.Realtime = client
	}

	return c, nil
}

// WatcherOptions returns the options for per-request battle watchers
func (c *Container) WatcherOptions() reconciler.WatcherOptions {
	return reconciler.WatcherOptions{
		PollInterval:   c.Config.PollInterval,
		RefreshTimeout: c.Config.HTTPTimeout,
		Notifier:       c.Notifier,
		Metrics:        c.Monitor,
	}
}

// BattleHandler builds the HTTP handler for battles
func (c *Container) BattleHandler() *handler.BattleHandler {
	deps := handler.BattleHandlerDeps{
		List:        c.List,
		Actions:     c.Battles,
		Battles:     c.Reader,
		Tracker:     c.Monitor,
		WatcherOpts: c.WatcherOptions(),
	}
	if c.Realtime != nil {
		deps.Feed = c.Realtime
	}
	return handler.NewBattleHandler(deps, c.Logger)
}

// HealthHandler builds the health handler over the configured dependencies
func (c *Container) HealthHandler() *handler.HealthHandler {
	var checks []handler.HealthCheck
	if c.RedisClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: c.RedisClient.Health})
	}
	if c.DB != nil {
		checks = append(checks, handler.HealthCheck{Name: "database", Check: c.DB.Health})
	}
	return handler.NewHealthHandler(c.Logger, checks...)
}

// SubscribeList feeds realtime changes of both battle tables into the list reconciler.
// It is a no-op when realtime is disabled.
func (c *Container) SubscribeList() (func(), error) {
	if c.Realtime == nil {
		return func() {}, nil
	}

	var subs []*realtime.Subscription
	unsubscribe := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
	for _, table := range []string{domain.TableBattles, domain.TableBattlePlayers} {
		sub, err := c.Realtime.Subscribe(realtime.Channel{Name: "battle-list", Table: table}, c.List.OnRealtimeEvent)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return unsubscribe, nil
}

// Close releases the connections held by the container
func (c *Container) Close() {
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.WithError(err).Error("Failed to close Redis connection")
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
