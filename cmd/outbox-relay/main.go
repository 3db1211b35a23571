package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zoff-tech/go-txoutbox/pkg/broker"
	"github.com/zoff-tech/go-txoutbox/pkg/config"
	"github.com/zoff-tech/go-txoutbox/pkg/processor"
	"github.com/zoff-tech/go-txoutbox/pkg/store"
	"github.com/zoff-tech/go-txoutbox/pkg/telemetry"
)

type closer interface {
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-relay")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := telemetry.NewLogger(cfg.Log, cfg.Observability.ServiceName)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	b, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal("Failed to initialize broker", zap.Error(err))
	}
	defer b.Close()

	if err := store.CheckDbType(cfg.Database); err != nil {
		logger.Fatal("Invalid database configuration", zap.Error(err))
	}

	switch cfg.Database.Type {
	case "postgres":
		repo, err := store.OpenPostgres(cfg.Database)
		exitOnError(logger, err)
		defer closeQuietly(logger, repo)
		err = run[*sql.Tx](ctx, logger, cfg, b, repo)
		exitOnError(logger, err)
	case "mysql":
		repo, err := store.OpenMySQL(cfg.Database)
		exitOnError(logger, err)
		defer closeQuietly(logger, repo)
		err = run[*gorm.DB](ctx, logger, cfg, b, repo)
		exitOnError(logger, err)
	case "spanner":
		repo, err := store.OpenSpanner(ctx, cfg.Database)
		exitOnError(logger, err)
		defer closeQuietly(logger, repo)
		err = run[*spanner.ReadWriteTransaction](ctx, logger, cfg, b, repo)
		exitOnError(logger, err)
	case "mongo":
		repo, err := store.OpenMongo(ctx, cfg.Database)
		exitOnError(logger, err)
		defer closeQuietly(logger, repo)
		err = run[mongo.SessionContext](ctx, logger, cfg, b, repo)
		exitOnError(logger, err)
	}

	logger.Info("Outbox relay stopped")
}

// run polls every configured channel on a fixed interval and forwards
// claimed messages to the broker until ctx is canceled.
func run[Tx any](ctx context.Context, logger *zap.Logger, cfg *config.Settings, b broker.MessageBroker, s store.OutboxStore[Tx]) error {
	orchestrator := processor.NewOrchestrator(s, processor.WithLogger(logger))

	receivers := make([]*processor.Receiver[Tx, json.RawMessage], 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		_, receiver, err := processor.Channel(orchestrator, ch.Type, broker.Callback(b, ch.Type, ch.Topic))
		if err != nil {
			return err
		}
		receivers = append(receivers, receiver)
	}

	logger.Info("Outbox relay started",
		zap.String("db", cfg.Database.Type),
		zap.String("broker", cfg.Broker.Type),
		zap.String("strategy", string(s.Strategy())),
		zap.Int("channels", len(receivers)),
	)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, receiver := range receivers {
				if err := receiver.Poll(ctx, cfg.BatchSize); err != nil {
					if processor.IsConflict(err) {
						logger.Info("Poll lost a concurrent claim", zap.String("type", receiver.Type()))
						continue
					}
					if ctx.Err() != nil {
						return nil
					}
					logger.Error("Poll failed", zap.String("type", receiver.Type()), zap.Error(err))
				}
			}
		}
	}
}

func exitOnError(logger *zap.Logger, err error) {
	if err != nil {
		logger.Fatal("Outbox relay failed", zap.Error(err))
	}
}

func closeQuietly(logger *zap.Logger, c closer) {
	if err := c.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
}
