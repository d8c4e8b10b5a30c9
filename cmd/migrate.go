package cmd

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/customer-cqrs/internal/config"
	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/kafka"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrateTargets    []string
	migratePartitions int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables (write, read, clickhouse) and kafka topics; safe to re-run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("migrate")

		for _, target := range migrateTargets {
			switch strings.TrimSpace(target) {
			case migrations.TargetWrite:
				err = migrateSQL(cfg.WriteDB, migrations.TargetWrite, db.OpenFromConfig)
			case migrations.TargetRead:
				err = migrateSQL(cfg.ReadDB, migrations.TargetRead, db.OpenFromConfig)
			case migrations.TargetClickHouse:
				err = migrateSQL(cfg.ClickHouse, migrations.TargetClickHouse, db.ClickHouseFromConfig)
			case "topics":
				err = kafka.EnsureTopics(cfg.Kafka.Brokers, migratePartitions, cfg.Kafka.Topics.Events, cfg.Kafka.Topics.DeadLetter)
			default:
				err = fmt.Errorf("unknown target %q (want write|read|clickhouse|topics)", target)
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", target, err)
			}
			log.Info("migration complete", zap.String("target", target))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringSliceVar(&migrateTargets, "target", []string{"write", "read"}, "what to migrate: write, read, clickhouse, topics")
	migrateCmd.Flags().IntVar(&migratePartitions, "partitions", 12, "partition count for newly created topics")
}

func migrateSQL(c config.DatabaseConfig, target string, open func(config.DatabaseConfig) (*sqlx.DB, error)) error {
	conn, err := open(c)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()

	stmts, err := migrations.Statements(c.Driver, target)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
