package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"artlift-orchestrator/common/logger"
	"artlift-orchestrator/internal/config"
	"artlift-orchestrator/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, configFile string
	flagSet := pflag.NewFlagSet("artlift-orchestrator", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "path to .env file (ignored when missing)")
	flagSet.StringVar(&configFile, "config", "", "path to YAML config file (default: $CONFIG_FILE)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := loadDotEnv(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	// 加载配置
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 初始化Logger
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "artlift-orchestrator")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting artlift-orchestrator service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic_prefix", cfg.Orchestrator.TopicPrefix),
		zap.String("storage", cfg.Orchestrator.Storage),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	svc, err := service.NewOrchestratorService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create orchestrator service", zap.Error(err))
		return err
	}

	// 启动服务
	if err := svc.Start(ctx); err != nil {
		log.Error("Failed to start orchestrator service", zap.Error(err))
		_ = svc.Stop(context.Background())
		return err
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-svc.Errors():
		log.Error("Service failed, shutting down", zap.Error(runErr))
	}

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("Service stopped")
	return runErr
}

// loadDotEnv 加载 .env，文件不存在时忽略
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
