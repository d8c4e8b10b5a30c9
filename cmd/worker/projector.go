package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/failure"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/projection"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var projectorCmd = &cobra.Command{
	Use:   "projector",
	Short: "Consume customer events and maintain the read model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("projector")
		defer func() { _ = logger.Log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serveMetrics(ctx, cfg.Projector.MetricsAddr, log)

		readDB, err := db.OpenFromConfig(cfg.ReadDB)
		if err != nil {
			return fmt.Errorf("read db connect: %w", err)
		}
		defer readDB.Close()

		var cache repository.CustomerViewCache = repository.NopViewCache{}
		if cfg.Redis.Addr != "" {
			redisClient, err := db.RedisFromConfig(cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = redisClient.Close() }()
			cache = repository.NewCustomerViewCache(redisClient, cfg.Cache.ViewTTL)
		}

		kc, err := kafka.ConsumerConfig(cfg.Kafka, cfg.Kafka.Topics.Events, cfg.Kafka.GroupID)
		if err != nil {
			return err
		}
		consumer := kafka.NewConsumerFromConfig(kc)
		defer func() { _ = consumer.Close() }()

		dlqCfg := kafka.ProducerConfigFrom(cfg.Kafka, 1)
		dlqCfg.Balancer = &kafka.SamePartition{}
		dlqWriter := kafka.NewWriter(dlqCfg)
		defer func() { _ = dlqWriter.Close() }()

		projector := projection.NewProjector(repository.NewCustomerViewsRepository(readDB), cache, log)
		router := failure.NewRouter(
			worker.ApplyWith(projector),
			dlqWriter,
			cfg.Kafka.Topics.DeadLetter,
			failure.PolicyFrom(cfg.Projector.Retry),
			log,
		)

		log.Info("projector started",
			zap.String("topic", cfg.Kafka.Topics.Events),
			zap.String("group_id", cfg.Kafka.GroupID),
			zap.Int("workers", cfg.Projector.Workers),
		)
		w := worker.NewProjectorKafka(consumer, router, cfg.Projector.Workers, log)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("projector stopped")
		return nil
	},
}
