package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"trade-narrator/config"
	"trade-narrator/gateway"
	"trade-narrator/infrastructure/logger"
	"trade-narrator/infrastructure/monitor"
	"trade-narrator/infrastructure/notify"
	"trade-narrator/internal/api"
	"trade-narrator/internal/engine"
	"trade-narrator/internal/exchange"
	"trade-narrator/internal/journal"
	"trade-narrator/internal/report"
	"trade-narrator/internal/store"
	"trade-narrator/inventory"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor

	// 交易所网关
	signer     *gateway.Signer
	restClient *gateway.OKXRESTClient

	// 存储
	store   *store.Store
	journal *journal.SQLiteJournal

	// 通知
	notifier *notify.Manager
	telegram *notify.TelegramChannel

	// 核心服务
	engine    *engine.ReconcileEngine
	session   *exchange.OKXSession
	scheduler *report.Scheduler

	// HTTP服务器
	apiServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
	systemd   *systemdNotifier
}

// New 读取配置（含环境变量覆盖）并创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// Option Container 可选项
type Option func(*Container)

// WithLogger 使用外部 logger，跳过按配置创建
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// NewWithConfig 使用已加载的配置创建 Container；configPath 为空时不启用热更新
func NewWithConfig(cfg config.AppConfig, configPath string, opts ...Option) *Container {
	c := &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildStorage(); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}

	c.buildGateway()

	if err := c.buildNotifier(); err != nil {
		return fmt.Errorf("build notifier failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		var err error
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.systemd = newSystemdNotifier(c.logger)

	c.logger.Info("infrastructure built", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildStorage() error {
	var opts []store.Option
	opts = append(opts, store.WithLogger(c.logger))

	if c.cfg.Journal.Enabled {
		j, err := journal.NewSQLite(c.cfg.Journal.Path)
		if err != nil {
			return err
		}
		c.journal = j
		opts = append(opts, store.WithHistorySink(j))
	}

	st, err := store.New(c.cfg.Storage.DataDir, opts...)
	if err != nil {
		return err
	}
	positions, history, err := st.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.store = st
	c.monitor.UpdateOpenPositions(len(positions))

	c.logger.Info("storage built",
		zap.String("data_dir", c.cfg.Storage.DataDir),
		zap.Int("open_positions", len(positions)),
		zap.Int("closed_trades", len(history)),
		zap.Bool("journal", c.journal != nil))
	return nil
}

func (c *Container) buildGateway() {
	ex := c.cfg.Exchange
	c.signer = gateway.NewSigner(ex.APIKey, ex.SecretKey, ex.Passphrase)
	c.restClient = &gateway.OKXRESTClient{
		BaseURL:          ex.RESTBaseURL,
		Signer:           c.signer,
		HTTPClient:       gateway.NewDefaultHTTPClient(),
		Limiter:          gateway.NewTokenBucketLimiter(ex.RateLimit, ex.RateBurst),
		Metrics:          c.monitor,
		CashAsset:        ex.CashAsset,
		PriceTimeout:     time.Duration(ex.PriceTimeoutMs) * time.Millisecond,
		PortfolioTimeout: time.Duration(ex.PortfolioTimeoutMs) * time.Millisecond,
	}

	c.logger.Info("gateway built")
}

func (c *Container) buildNotifier() error {
	nc := c.cfg.Notify
	c.notifier = notify.NewManager([]notify.Channel{notify.NewLogChannel("log", c.logger)}, config.Seconds(nc.ThrottleSeconds))
	if nc.TelegramBotToken != "" {
		tg, err := notify.NewTelegramChannel(nc.TelegramBotToken, nc.TargetChannelID,
			notify.WithParseMode(notify.ParseModeMarkdown))
		if err != nil {
			return err
		}
		c.telegram = tg
		c.notifier.AddChannel(tg)
		c.logger.Info("telegram channel enabled", zap.String("parse_mode", tg.ParseMode()))
	} else {
		c.logger.Warn("telegram not configured, notifications go to the log only")
	}

	c.notifier.SetRecorder(c.monitor)

	c.logger.Info("notifier built", zap.Strings("channels", c.notifier.GetChannels()))
	return nil
}

func (c *Container) buildCoreServices() error {
	var err error
	c.engine, err = engine.New(engine.Config{
		CashAsset:     c.cfg.Exchange.CashAsset,
		NotifyTimeout: config.Seconds(c.cfg.Notify.TimeoutSec),
	}, engine.Components{
		Store:     c.store,
		Prices:    c.restClient,
		Portfolio: c.restClient,
		Notifier:  c.notifier,
		Metrics:   c.monitor,
		Logger:    c.logger,
	})
	if err != nil {
		return err
	}

	sc := c.cfg.Session
	c.session, err = exchange.NewOKXSession(exchange.SessionConfig{
		URL:            c.cfg.Exchange.WSURL,
		PingInterval:   config.Seconds(sc.PingIntervalSec),
		ReconnectDelay: config.Seconds(sc.ReconnectDelaySec),
		ReadTimeout:    config.Seconds(sc.ReadTimeoutSec),
		LoginTimeout:   config.Seconds(sc.LoginTimeoutSec),
		QueueSize:      sc.QueueSize,
		DrainTimeout:   config.Seconds(sc.DrainTimeoutSec),
	}, c.signer, exchange.HandlerFunc(c.handleSnapshot),
		exchange.WithSessionMetrics(c.monitor),
		exchange.WithAlerter(c.notifier),
		exchange.WithSessionLogger(c.logger),
	)
	if err != nil {
		return err
	}

	if c.cfg.Report.Enabled {
		c.scheduler, err = report.NewScheduler(c.cfg.Report.Time, c.cfg.Report.Zone, c.store, c.notifier, c.logger)
		if err != nil {
			return err
		}
	}

	c.logger.Info("core services built")
	return nil
}

// handleSnapshot 会话 worker 调用；持久化失败升级为告警
func (c *Container) handleSnapshot(ctx context.Context, snap inventory.BalanceSnapshot) error {
	out, err := c.engine.HandleSnapshot(ctx, snap)
	switch {
	case errors.Is(err, engine.ErrPersist):
		_ = c.notifier.SendCritical("failed to persist position state", map[string]interface{}{
			"error": err.Error(),
		})
	case errors.Is(err, engine.ErrSnapshotDropped):
		c.monitor.RecordSnapshotDropped()
	}
	if err == nil && len(out.Skipped) > 0 {
		c.logger.Debug("snapshot assets skipped", zap.Any("skipped", out.Skipped))
	}
	return err
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&runnerComponent{
		name:   "okx_session",
		run:    c.session.Run,
		logger: c.logger,
		// 会话退出时需要等待队列排空
		stopTimeout: config.Seconds(c.cfg.Session.DrainTimeoutSec) + 20*time.Second,
	})

	if c.scheduler != nil {
		c.lifecycle.Register(&runnerComponent{
			name:   "daily_report",
			run:    c.scheduler.Run,
			logger: c.logger,
		})
	}

	if c.configPath != "" {
		w := &config.Watcher{Path: c.configPath, Cooldown: time.Second, Logger: c.logger.Logger}
		c.lifecycle.Register(&runnerComponent{
			name: "config_watcher",
			run: func(ctx context.Context) error {
				return w.Start(ctx, c.applyReload)
			},
			logger: c.logger,
		})
	}

	if c.cfg.HTTP.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name: "api_server",
			handler: api.NewRouter(api.Providers{
				Positions: c.store,
				Session:   c.session,
				Stats:     c.engine,
				Metrics:   c.monitor.Handler(),
				Logger:    c.logger,
			}),
			addr:   c.cfg.HTTP.Addr,
			logger: c.logger,
			server: &c.apiServer,
		})
	}
}

// applyReload 热更新只作用于通知与日报配置；凭证与连接参数需重启生效
func (c *Container) applyReload(next config.AppConfig) {
	if c.telegram != nil && next.Notify.TargetChannelID != "" {
		c.telegram.SetTarget(next.Notify.TargetChannelID)
	}
	c.notifier.SetThrottleInterval(config.Seconds(next.Notify.ThrottleSeconds))
	if c.scheduler != nil {
		if err := c.scheduler.SetSchedule(next.Report.Time, next.Report.Zone); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "reload_report_schedule"})
		}
	}
	c.cfg.Notify.TargetChannelID = next.Notify.TargetChannelID
	c.cfg.Notify.ThrottleSeconds = next.Notify.ThrottleSeconds
	c.cfg.Report.Time, c.cfg.Report.Zone = next.Report.Time, next.Report.Zone

	c.logger.Info("notify/report config applied",
		zap.String("report_time", next.Report.Time),
		zap.String("report_zone", next.Report.Zone),
		zap.Int("throttle_seconds", next.Notify.ThrottleSeconds))
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.systemd.Ready()
	c.systemd.StartWatchdog(ctx, c.HealthCheck)
	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	c.systemd.Stopping()

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	if c.journal != nil {
		if jerr := c.journal.Close(); jerr != nil {
			c.logger.LogError(jerr, map[string]interface{}{"action": "close_journal"})
		}
	}
	if c.signer != nil {
		c.signer.Wipe()
	}

	c.logger.Info("container stopped")
	if c.logger != nil {
		c.logger.Close()
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Store 供 CLI 子命令读取持仓
func (c *Container) Store() *store.Store { return c.store }

// Session 当前会话
func (c *Container) Session() *exchange.OKXSession { return c.session }
