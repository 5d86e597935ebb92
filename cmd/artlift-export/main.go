package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"artlift-orchestrator/common/database"
	"artlift-orchestrator/common/logger"
	"artlift-orchestrator/internal/config"
	"artlift-orchestrator/internal/repository"
	"artlift-orchestrator/internal/stats"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	today := time.Now().UTC().Format(dateLayout)

	var envFile, configFile, fromFlag, toFlag, out string
	flagSet := pflag.NewFlagSet("artlift-export", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "path to .env file (ignored when missing)")
	flagSet.StringVar(&configFile, "config", "", "path to YAML config file (default: $CONFIG_FILE)")
	flagSet.StringVar(&fromFlag, "from", today, "first day to export (YYYY-MM-DD, UTC)")
	flagSet.StringVar(&toFlag, "to", today, "last day to export (YYYY-MM-DD, UTC)")
	flagSet.StringVarP(&out, "out", "o", "", "output file (default: installation-stats-<from>-<to>.xlsx)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	from, err := time.Parse(dateLayout, fromFlag)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(dateLayout, toFlag)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}
	if from.After(to) {
		return fmt.Errorf("--from %s is after --to %s", fromFlag, toFlag)
	}
	if out == "" {
		out = fmt.Sprintf("installation-stats-%s-%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, "console", "artlift-export")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)

	aggregator := stats.NewAggregator(repository.NewStatsRepository(db, log), log)
	rows, err := aggregator.DailyRange(ctx, from, to)
	if err != nil {
		return err
	}
	data, err := stats.ExportWorkbook(rows)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	log.Info("Exported daily stats",
		zap.String("from", fromFlag),
		zap.String("to", toFlag),
		zap.Int("rows", len(rows)),
		zap.String("file", out),
	)
	return nil
}
