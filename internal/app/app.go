// Package app 组装并运行整个应用
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/clients/asr"
	"github.com/istar1978/freeswitch-ai-robot/internal/clients/freeswitch"
	"github.com/istar1978/freeswitch-ai-robot/internal/clients/llm"
	"github.com/istar1978/freeswitch-ai-robot/internal/clients/tts"
	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/handlers"
	"github.com/istar1978/freeswitch-ai-robot/internal/middleware"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/routes"
	"github.com/istar1978/freeswitch-ai-robot/internal/services"
	"github.com/istar1978/freeswitch-ai-robot/internal/storage"
)

// App 持有全部组件的根对象，组件间不使用包级状态
type App struct {
	cfg *config.Config
	log zerolog.Logger

	fs       *freeswitch.Client
	postgres *storage.Postgres
	redis    *storage.Redis
	memory   *storage.Memory

	registry  *services.SessionRegistry
	scenarios *services.ScenarioManager
	factory   *services.SessionFactory
	router    *services.EventRouter
	outbound  *services.OutboundScheduler
	health    *services.HealthChecker

	server *http.Server
}

// New 按配置组装应用。关系库和Redis未配置时退化为内存存储（开发与测试用）。
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    log,
		memory: storage.NewMemory(),
	}

	var scenarioStore models.ScenarioStore = a.memory
	var campaignStore models.CampaignStore = a.memory
	var recordStore models.CallRecordStore = a.memory
	var sessionStore models.SessionStore = a.memory

	if cfg.Postgres.DSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("初始化表结构失败: %w", err)
		}
		a.postgres = pg
		scenarioStore = pg
		campaignStore = pg
		recordStore = pg
	} else {
		log.Warn().Msg("未配置数据库，使用内存存储")
	}

	if cfg.Redis.Addr != "" {
		rdb, err := storage.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("连接Redis失败: %w", err)
		}
		a.redis = rdb
		sessionStore = rdb
	} else {
		log.Warn().Msg("未配置Redis，会话快照保存在内存")
	}

	a.fs = freeswitch.NewClient(cfg.FreeSWITCH, log)
	asrClient := asr.NewClient(cfg.ASR, log)
	llmClient := llm.NewClient(cfg.LLM)
	ttsClient := tts.NewClient(cfg.TTS)

	a.registry = services.NewSessionRegistry()
	a.scenarios = services.NewScenarioManager(scenarioStore, log)
	a.factory = services.NewSessionFactory(cfg.Session, a.fs,
		asrClient, llmClient, ttsClient, sessionStore, recordStore, a.registry, log)
	a.router = services.NewEventRouter(a.fs, a.registry, a.scenarios, a.factory, log)
	a.outbound = services.NewOutboundScheduler(cfg.Outbound, campaignStore,
		scenarioStore, a.scenarios, a.fs, a.factory, log)

	a.health = services.NewHealthChecker(log)
	a.health.Register("freeswitch", func(ctx context.Context) error {
		if !a.fs.IsConnected() {
			return fmt.Errorf("ESL未连接")
		}
		return nil
	})
	if a.postgres != nil {
		a.health.Register("postgres", a.postgres.Ping)
	}
	if a.redis != nil {
		a.health.Register("redis", a.redis.Ping)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	middleware.Setup(engine, log)
	h := handlers.New(a.registry, a.scenarios, a.outbound, a.health, campaignStore, log)
	routes.Register(engine, h)

	a.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}
	return a, nil
}

// Run 启动全部组件并阻塞到上下文取消
func (a *App) Run(ctx context.Context) error {
	if err := a.scenarios.Load(ctx); err != nil {
		return fmt.Errorf("加载场景失败: %w", err)
	}

	if err := a.fs.Connect(ctx); err != nil {
		return fmt.Errorf("连接FreeSWITCH失败: %w", err)
	}
	go a.fs.Run(ctx)
	go a.router.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("控制面服务启动")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("开始关停")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.outbound.Shutdown(shutdownCtx)
	a.registry.Each(func(s *services.CallSession) {
		s.RequestHangup()
	})
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("HTTP服务关停失败")
	}
	return nil
}

// Close 释放外部连接
func (a *App) Close() {
	if a.fs != nil {
		_ = a.fs.Close()
	}
	if a.postgres != nil {
		_ = a.postgres.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
