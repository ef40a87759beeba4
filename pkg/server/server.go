package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bastion-backend/pkg/config"
	"bastion-backend/pkg/remote"
	"bastion-backend/pkg/server/services"
	"bastion-backend/pkg/store"
)

// Server 服务器结构
type Server struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 服务实例
	taskService       *services.TaskService
	policyService     *services.PolicyService
	connectionService *services.ConnectionService
	statusService     *services.StatusService
	wsService         *services.WSService

	// 服务器实例
	listener   net.Listener
	httpServer *http.Server
	stopCh     chan struct{}
}

// New 创建服务器实例
func New(cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	// 创建存储实例
	st, err := store.NewStore(&store.Config{
		Type: cfg.Storage.Type,
		SQLite: store.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		Postgres: store.PostgresConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			DBName:   cfg.Storage.Postgres.DBName,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	// 创建服务实例
	hub := services.NewEventHub()
	executor := remote.NewSSHExecutor(cfg.SSH.ConnectTimeout, logger)
	credentialService := services.NewCredentialService(st, logger)
	policyService := services.NewPolicyService(st, logger)
	taskService := services.NewTaskService(cfg, logger, st, executor, credentialService, policyService, hub)
	connectionService := services.NewConnectionService(st, logger)
	statusService := services.NewStatusService(logger, taskService)
	wsService := services.NewWSService(hub, logger)

	// 创建基础TCP监听器
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	// 创建gin引擎并注册路由
	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	taskService.RegisterRoutes(engine)
	policyService.RegisterRoutes(engine)
	connectionService.RegisterRoutes(engine)
	statusService.RegisterRoutes(engine)
	wsService.RegisterRoutes(engine)

	httpServer := &http.Server{
		Handler: engine,
	}

	return &Server{
		config:            cfg,
		logger:            logger.With().Str("component", "server").Logger(),
		store:             st,
		taskService:       taskService,
		policyService:     policyService,
		connectionService: connectionService,
		statusService:     statusService,
		wsService:         wsService,
		listener:          listener,
		httpServer:        httpServer,
		stopCh:            make(chan struct{}),
	}, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if s.config.Tasks.HistoryRetention > 0 {
		go s.cleanupLoop()
	}

	s.logger.Info().
		Str("address", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)).
		Str("storage", s.config.Storage.Type).
		Msg("Server started")

	return nil
}

// cleanupLoop 周期清理超出保留期的任务历史
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.store.CleanupTasks(context.Background(), s.config.Tasks.HistoryRetention); err != nil {
				s.logger.Error().Err(err).Msg("Failed to clean up task history")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop 停止服务器
func (s *Server) Stop() error {
	close(s.stopCh)

	// 优雅关闭HTTP服务器
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// 关闭存储
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing store")
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// requestLogger 记录每个HTTP请求
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}
