package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"artlift-orchestrator/common/database"
	mqttcommon "artlift-orchestrator/common/mqtt"
	rediscommon "artlift-orchestrator/common/redis"
	"artlift-orchestrator/internal/broadcast"
	"artlift-orchestrator/internal/config"
	"artlift-orchestrator/internal/consumer"
	"artlift-orchestrator/internal/correlator"
	"artlift-orchestrator/internal/detection"
	"artlift-orchestrator/internal/httpapi"
	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/repository"
	"artlift-orchestrator/internal/session"
	"artlift-orchestrator/internal/stats"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// OrchestratorService 编排服务：MQTT 消费、会话状态机、检测、统计、广播与 HTTP
type OrchestratorService struct {
	config *config.Config
	logger *zap.Logger

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	correlator *correlator.Correlator
	detector   *detection.Loop
	gateway    *broadcast.Gateway
	hub        *broadcast.Hub
	manager    *session.Manager
	consumer   *consumer.MQTTConsumer
	server     *Server

	serverErr chan error
	wg        sync.WaitGroup
}

// NewOrchestratorService 创建编排服务并连接外部依赖
func NewOrchestratorService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*OrchestratorService, error) {
	s := &OrchestratorService{
		config:    cfg,
		logger:    logger,
		serverErr: make(chan error, 1),
	}
	if err := s.init(ctx); err != nil {
		s.closeConnections()
		return nil, err
	}
	return s, nil
}

func (s *OrchestratorService) init(ctx context.Context) error {
	cfg := s.config

	// 持久化
	var (
		installRepo session.InstallationRepository
		statsRepo   stats.Repository
	)
	switch cfg.Orchestrator.Storage {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if err := repository.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		installRepo = repository.NewInstallationRepository(db, s.logger)
		statsRepo = repository.NewStatsRepository(db, s.logger)
	default:
		s.logger.Warn("Using in-memory storage, state is lost on restart")
		installRepo = repository.NewMemoryInstallationRepository()
		statsRepo = repository.NewMemoryStatsRepository()
	}

	// Redis：状态广播与帧存储，地址为空时不启用
	if cfg.Redis.Addr != "" {
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	s.mqttClient = mqttClient

	s.correlator = correlator.New(mqttClient, cfg.Orchestrator.TopicPrefix, cfg.MQTT.QoS, s.logger)

	// 检测
	var frameStore detection.FrameStore
	var frameReader httpapi.Frames
	if cfg.Frames.Enabled && s.redis != nil {
		store := repository.NewRedisFrameStore(s.redis, cfg.Frames.KeyPrefix, cfg.Frames.TTL)
		frameStore = store
		frameReader = store
	}
	s.detector = detection.NewLoop(
		detection.NewCorrelatedFrameSource(s.correlator, cfg.Detection.FrameTimeout),
		detection.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.APIKey, cfg.Classifier.Timeout, cfg.Classifier.RetryCount, s.logger),
		frameStore,
		detection.Options{
			OverallTimeout:      cfg.Detection.OverallTimeout,
			ErrorBudget:         cfg.Detection.ErrorBudget,
			FrameInterval:       cfg.Detection.FrameInterval,
			MinWait:             cfg.Detection.MinWait,
			ErrorBackoff:        cfg.Detection.ErrorBackoff,
			FrameTimeout:        cfg.Detection.FrameTimeout,
			ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		},
		s.logger,
	)

	aggregator := stats.NewAggregator(statsRepo, s.logger)

	// 广播
	s.hub = broadcast.NewHub(s.statuses, cfg.HTTP.AllowedOrigins, s.logger)
	sinks := []broadcast.Sink{s.hub}
	if s.redis != nil {
		sinks = append(sinks, broadcast.NewRedisPublisher(s.redis, cfg.Broadcast.Channel, cfg.Broadcast.Stream, cfg.Broadcast.StreamMaxLen))
	}
	s.gateway = broadcast.NewGateway(cfg.Broadcast.Buffer, s.logger, sinks...)

	s.manager = session.NewManager(installRepo, aggregator, s.detector, s.correlator, s.gateway, session.Options{
		InstallTimeout:         cfg.Orchestrator.InstallTimeout,
		HeightAckTimeout:       cfg.Orchestrator.HeightAckTimeout,
		DeleteTimeout:          cfg.Orchestrator.DeleteTimeout,
		HeightOffset:           cfg.Orchestrator.HeightOffset,
		InstallRequiredDevices: cfg.Orchestrator.InstallRequiredDevices,
	}, s.logger)

	s.consumer = consumer.NewMQTTConsumer(mqttClient, s.correlator, s.manager, cfg.Orchestrator.TopicPrefix, cfg.MQTT.QoS, s.logger)

	router := httpapi.NewRouter(s.logger)
	router.RegisterInstallationRoutes(httpapi.NewInstallationHandler(s.manager, frameReader, s.logger))
	router.RegisterStatsRoutes(httpapi.NewStatsHandler(aggregator, s.logger))
	router.HandleHandler("GET /ws", s.hub)
	s.server = NewServer(cfg.HTTP.Addr, router, s.logger)

	return nil
}

// statuses WebSocket 新连接的初始快照
func (s *OrchestratorService) statuses() []models.Status {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	return s.manager.Statuses(ctx)
}

// Start 启动服务：恢复状态后再订阅设备消息
func (s *OrchestratorService) Start(ctx context.Context) error {
	s.logger.Info("Starting orchestrator service components")

	s.gateway.Start(ctx)

	if err := s.manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover installation state: %w", err)
	}

	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.serverErr <- err
		}
	}()

	s.logger.Info("Orchestrator service started successfully",
		zap.String("topic", s.consumer.Topic()),
		zap.String("http_addr", s.config.HTTP.Addr),
	)
	return nil
}

// Errors HTTP 服务异常退出时收到错误
func (s *OrchestratorService) Errors() <-chan error {
	return s.serverErr
}

// Stop 停止服务
func (s *OrchestratorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping orchestrator service")

	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}
	s.wg.Wait()

	if s.consumer != nil {
		s.consumer.Stop()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.correlator != nil {
		s.correlator.Close()
	}
	if s.gateway != nil {
		s.gateway.Stop()
		if dropped := s.gateway.Dropped(); dropped > 0 {
			s.logger.Warn("Status updates dropped", zap.Uint64("dropped", dropped))
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}

	s.closeConnections()
	s.logger.Info("Orchestrator service stopped")
	return nil
}

func (s *OrchestratorService) closeConnections() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Warn("Error closing redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Error closing database", zap.Error(err))
		}
	}
}
