package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/envelope"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/relay"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish staged outbox records to the event topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("relay")
		defer func() { _ = logger.Log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		serveMetrics(ctx, cfg.Relay.MetricsAddr, log)

		writeDB, err := db.OpenFromConfig(cfg.WriteDB)
		if err != nil {
			return fmt.Errorf("write db connect: %w", err)
		}
		defer writeDB.Close()

		outbox := repository.NewOutboxRepository(writeDB)
		claimer, err := repository.NewClaimer(cfg.Relay.ClaimStrategy, outbox, cfg.Relay.LeaseTTL)
		if err != nil {
			return err
		}

		writer := kafka.NewWriter(kafka.ProducerConfigFrom(cfg.Kafka, cfg.Relay.BatchSize))
		defer func() { _ = writer.Close() }()

		r := relay.New(
			claimer,
			outbox,
			writer,
			envelope.NewCodec(cfg.Relay.Actor),
			relay.NewBreaker(cfg.Relay.Breaker.FailThreshold, cfg.Relay.Breaker.OpenFor),
			log,
			relay.Config{
				Topic:       cfg.Kafka.Topics.Events,
				Interval:    cfg.Relay.Interval,
				BatchSize:   cfg.Relay.BatchSize,
				SendTimeout: cfg.Relay.SendTimeout,
			},
		)

		log.Info("relay started",
			zap.String("topic", cfg.Kafka.Topics.Events),
			zap.String("claim_strategy", cfg.Relay.ClaimStrategy),
			zap.Int("instances", cfg.Relay.Instances),
		)
		if err := r.RunInstances(ctx, cfg.Relay.Instances); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("relay stopped")
		return nil
	},
}
