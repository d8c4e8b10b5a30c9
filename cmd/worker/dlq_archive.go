package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dlqArchiveCmd = &cobra.Command{
	Use:   "dlq-archive",
	Short: "Copy dead-lettered events into ClickHouse for inspection and replay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("dlq-archive")
		defer func() { _ = logger.Log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serveMetrics(ctx, "", log)

		chDB, err := db.ClickHouseFromConfig(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		groupID := cfg.Kafka.GroupID + "-archive"
		kc, err := kafka.ConsumerConfig(cfg.Kafka, cfg.Kafka.Topics.DeadLetter, groupID)
		if err != nil {
			return err
		}
		consumer := kafka.NewConsumerFromConfig(kc)
		defer func() { _ = consumer.Close() }()

		log.Info("dlq archiver started",
			zap.String("topic", cfg.Kafka.Topics.DeadLetter),
			zap.String("group_id", groupID),
		)
		a := worker.NewDLQArchiver(consumer, repository.NewCHDeadLettersRepository(chDB), log)
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("dlq archiver stopped")
		return nil
	},
}
