package cmd

import (
	"fmt"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/failure"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replayEventID string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered events",
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish an archived dead letter to the event topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("dlq")

		chDB, err := db.ClickHouseFromConfig(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		dl, err := repository.NewCHDeadLettersRepository(chDB).GetByEventID(cmd.Context(), replayEventID)
		if err != nil {
			return fmt.Errorf("load dead letter: %w", err)
		}
		if dl == nil {
			return fmt.Errorf("no archived dead letter with event id %s", replayEventID)
		}

		w := kafka.NewWriter(kafka.ProducerConfigFrom(cfg.Kafka, 1))
		defer func() { _ = w.Close() }()

		if err := failure.Replay(cmd.Context(), w, cfg.Kafka.Topics.Events, *dl); err != nil {
			return err
		}
		log.Info("replayed dead letter",
			zap.String("event_id", dl.EventID),
			zap.String("aggregate_id", dl.AggregateID),
			zap.Int64("version", dl.Version),
		)
		return nil
	},
}

func init() {
	dlqReplayCmd.Flags().StringVar(&replayEventID, "event-id", "", "event id of the archived dead letter")
	_ = dlqReplayCmd.MarkFlagRequired("event-id")
	dlqCmd.AddCommand(dlqReplayCmd)
}
