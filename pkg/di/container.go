package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"discord-map-bridge/backend/internal/api"
	"discord-map-bridge/backend/internal/discord"
	"discord-map-bridge/backend/internal/keepalive"
	"discord-map-bridge/backend/internal/mention"
	"discord-map-bridge/backend/internal/proxy"
	"discord-map-bridge/backend/internal/service"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/internal/ws"
	"discord-map-bridge/backend/pkg/cache"
	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/health"
	"discord-map-bridge/backend/pkg/logger"
	"discord-map-bridge/backend/pkg/observability"
	"discord-map-bridge/backend/pkg/resilience"
	"discord-map-bridge/backend/pkg/router"
	"discord-map-bridge/backend/pkg/scheduler"
	"discord-map-bridge/backend/pkg/secrets"
)

const healthCheckTimeout = 3 * time.Second

// Container holds all the dependencies for the application
type Container struct {
	Config         *config.Config
	Logger         *logger.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Messages       *store.MessageCache
	Health         *health.Checker
	Secrets        *secrets.VaultManager
	// Discord and Refresher are nil when no bot token or channel is configured
	Discord   *discord.Client
	Refresher *service.RefreshService
	// Gateway is nil when forwarding is disabled
	Gateway   *proxy.Gateway
	Scheduler *scheduler.Scheduler
	Stream    *ws.Hub
	Router    *router.Router

	lookups    cache.Store
	closers    []func(context.Context) error
	readyOnce  sync.Once
	readyCh    chan struct{}
	cancelLoop context.CancelFunc
	started    time.Time
}

// NewLogger builds the application logger from configuration
func NewLogger(cfg config.LoggingConfig) *logger.Logger {
	return logger.New(logger.Config{
		Level:  cfg.Level,
		JSON:   cfg.Format != "text",
		Output: os.Stdout,
	})
}

// New creates a new dependency injection container. Nothing connects or
// listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Container, error) {
	if log == nil {
		log = NewLogger(cfg.Logging)
	}

	c := &Container{
		Config:   cfg,
		Logger:   log,
		Messages: store.NewMessageCache(cfg.Discord.MessageLimit),
		Health:   health.NewChecker(log.Named("health"), healthCheckTimeout),
		readyCh:  make(chan struct{}),
		started:  time.Now(),
	}

	if err := c.setupObservability(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	if err := c.setupSecrets(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	if err := c.setupLookupCache(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	if err := c.setupDiscord(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	if err := c.setupProxy(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	if err := c.setupScheduler(); err != nil {
		c.close(context.Background())
		return nil, err
	}
	c.Stream = ws.NewHub(c.Messages, cfg.Security.AllowedOrigins, log.Named("stream"))
	c.Messages.OnWrite(c.Stream.Notify)

	if err := c.setupRouter(); err != nil {
		c.close(context.Background())
		return nil, err
	}

	c.registerHealthChecks()
	return c, nil
}

func (c *Container) setupObservability() error {
	shutdownTracing, err := observability.SetupTracing(c.Config.Observability.ServiceName, c.Config.Observability.TraceStdout)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, shutdownTracing)

	provider, handler, err := observability.SetupMetrics(c.Config.Observability.ServiceName)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, provider.Shutdown)

	metrics, err := observability.NewMetrics(provider)
	if err != nil {
		return err
	}
	c.Metrics = metrics
	c.MetricsHandler = handler
	return nil
}

func (c *Container) setupSecrets() error {
	manager, err := secrets.NewVaultManager(c.Config.Vault, c.Logger.Named("secrets"))
	if err != nil {
		return fmt.Errorf("failed to create secrets manager: %w", err)
	}
	c.Secrets = manager
	c.closers = append(c.closers, func(context.Context) error {
		manager.Close()
		return nil
	})

	if c.Config.Discord.Token != "" || !c.Config.Vault.Enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Config.Vault.Timeout)
	defer cancel()
	token, err := manager.GetSecret(ctx, secrets.KeyBotToken)
	if err != nil {
		c.Logger.Warn("bot token not found in vault", "error", err.Error())
		return nil
	}
	c.Config.Discord.Token = token
	return nil
}

func (c *Container) setupLookupCache() error {
	if c.Config.Cache.RedisURL != "" {
		rdb, err := cache.NewRedisStore(c.Config.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to create redis store: %w", err)
		}
		c.lookups = rdb
		c.closers = append(c.closers, func(context.Context) error { return rdb.Close() })
		c.Health.RegisterCheck("redis", false, func(ctx context.Context) (health.Status, string, error) {
			if err := rdb.Ping(ctx); err != nil {
				return health.StatusDown, "mention cache unreachable", err
			}
			return health.StatusUp, "mention cache reachable", nil
		})
		return nil
	}

	mem := cache.NewCache(c.Config.Cache.MaxSize, c.Config.Cache.PurgeWindow)
	c.lookups = mem
	c.closers = append(c.closers, func(context.Context) error {
		mem.Close()
		return nil
	})
	return nil
}

func (c *Container) setupDiscord() error {
	if !c.Config.DiscordEnabled() {
		c.Logger.Warn("discord bot token or channel id missing, messages stay empty",
			"has_token", c.Config.Discord.Token != "",
			"has_channel", c.Config.Discord.ChannelID != "",
		)
		return nil
	}

	client, err := discord.New(c.Config.Discord.Token, c.Logger.Named("discord"))
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(c.Config.Discord.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %q: %w", c.Config.Discord.Timezone, err)
	}

	directory := mention.NewCachedDirectory(client.Directory(), c.lookups, c.Config.Cache.TTL, c.Logger.Named("mentions"))
	resolver := mention.NewResolver(directory, c.Logger.Named("mentions"))

	refresher := service.NewRefreshService(client, resolver, c.Messages, service.RefreshConfig{
		ChannelID:   c.Config.Discord.ChannelID,
		Limit:       c.Config.Discord.MessageLimit,
		Location:    loc,
		SettleDelay: c.Config.Discord.SettleDelay,
	}, c.Metrics, c.Logger.Named("refresh"))

	// guild channels land in the state cache shortly after Ready
	client.OnReady(func() {
		c.readyOnce.Do(func() { close(c.readyCh) })
		refresher.TriggerAfter(c.Config.Discord.SettleDelay)
	})
	client.OnMessageCreate(refresher.NotifyMessage)

	c.Discord = client
	c.Refresher = refresher
	return nil
}

func (c *Container) setupProxy() error {
	if !c.Config.ProxyEnabled() {
		c.Logger.Info("map upstream not configured, forwarding disabled")
		return nil
	}

	gateway, err := proxy.New(proxy.Config{
		UpstreamURL:      c.Config.Proxy.UpstreamURL,
		Timeout:          c.Config.Proxy.Timeout,
		FailureThreshold: c.Config.Proxy.FailureThreshold,
		RetryTimeout:     c.Config.Proxy.RetryTimeout,
	}, c.Metrics, c.Logger)
	if err != nil {
		return err
	}
	c.Gateway = gateway
	return nil
}

func (c *Container) setupScheduler() error {
	c.Scheduler = scheduler.New(c.Logger.Named("scheduler"))

	if c.Refresher != nil {
		if err := c.Scheduler.Add("refresh", c.Config.Discord.RefreshSchedule, c.Refresher.Trigger); err != nil {
			return err
		}
	}

	if url := c.Config.KeepAlive.URL; url != "" {
		pinger := keepalive.NewPinger(url, c.Logger.Named("keepalive"))
		if err := c.Scheduler.Add("keep-alive", c.Config.KeepAlive.Schedule, pinger.Run); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) setupRouter() error {
	opts := router.Options{
		Config:         c.Config,
		Logger:         c.Logger,
		Messages:       c.Messages,
		Health:         c.Health,
		Gateway:        c.Gateway,
		Stream:         c.Stream,
		MetricsHandler: c.MetricsHandler,
		Started:        c.started,
	}
	if c.Discord != nil {
		opts.Bot = c.Discord
	}

	r, err := router.New(opts)
	if err != nil {
		return err
	}
	c.Router = r
	c.closers = append(c.closers, func(context.Context) error {
		r.Close()
		return nil
	})
	return nil
}

func (c *Container) registerHealthChecks() {
	c.Health.RegisterCheck("discord", true, func(context.Context) (health.Status, string, error) {
		if c.Discord == nil {
			return health.StatusDown, "not configured", nil
		}
		if !c.Discord.Ready() {
			return health.StatusDown, "gateway disconnected", nil
		}
		return health.StatusUp, c.Discord.BotTag(), nil
	})

	c.Health.RegisterCheck("messages", true, func(context.Context) (health.Status, string, error) {
		snapshot := c.Messages.Read()
		if snapshot.Empty() {
			return health.StatusDown, "no messages cached", nil
		}
		return health.StatusUp, fmt.Sprintf("%d messages", len(snapshot.Messages)), nil
	})

	if c.Gateway != nil {
		breaker := c.Gateway.Breaker()
		c.Health.RegisterCheck("map_upstream", false, func(context.Context) (health.Status, string, error) {
			switch breaker.GetState() {
			case resilience.StateOpen:
				metrics := breaker.GetMetrics()
				return health.StatusDown, fmt.Sprintf("circuit open, %d failures, %d rejected",
					metrics["total_failures"], metrics["total_rejected"]), nil
			case resilience.StateHalfOpen:
				return health.StatusDegraded, "circuit half-open", nil
			}
			return health.StatusUp, c.Gateway.Target().Host, nil
		})
	}
}

// Handler returns the HTTP entry point
func (c *Container) Handler() http.Handler {
	return c.Router.Engine
}

// Start connects the bot and starts background jobs. A gateway that fails to
// connect is logged and the bridge keeps serving the proxy and empty messages.
func (c *Container) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelLoop = cancel

	go c.Stream.Run(loopCtx)
	if c.Refresher != nil {
		go c.Refresher.Run(loopCtx)
	}

	if c.Discord != nil {
		if err := c.Discord.Open(); err != nil {
			c.Logger.LogError(err, "failed to connect to discord")
		}
	}

	c.Scheduler.Start()
	c.Logger.Info("bridge started",
		"discord", c.Discord != nil,
		"proxy", c.Gateway != nil,
		"channel_id", c.Config.Discord.ChannelID,
	)
}

// WaitReady blocks until the gateway reported Ready or ctx is done
func (c *Container) WaitReady(ctx context.Context) error {
	if c.Discord == nil {
		return errors.New("discord is not configured")
	}
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("discord gateway not ready: %w", ctx.Err())
	}
}

// FetchOnce connects, runs a single refresh and disconnects
func (c *Container) FetchOnce(ctx context.Context) error {
	if c.Discord == nil {
		return errors.New("discord is not configured")
	}
	if err := c.Discord.Open(); err != nil {
		return err
	}
	defer c.Discord.Close()

	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	// let the guild state arrive before reading the channel
	select {
	case <-time.After(c.Config.Discord.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Refresher.Refresh(ctx)
}

// Shutdown stops background jobs and releases resources in reverse order
func (c *Container) Shutdown(ctx context.Context) error {
	c.Scheduler.Stop(ctx)
	if c.cancelLoop != nil {
		c.cancelLoop()
	}

	var errs []error
	if c.Discord != nil {
		if err := c.Discord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("discord: %w", err))
		}
	}
	if err := c.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Container) close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// bot status for the health endpoint, satisfied by *discord.Client
var _ api.BotStatus = (*discord.Client)(nil)
