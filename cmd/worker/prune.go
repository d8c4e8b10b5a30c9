package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pruneOnce bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete published outbox records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logger.Named("prune")
		defer func() { _ = logger.Log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		writeDB, err := db.OpenFromConfig(cfg.WriteDB)
		if err != nil {
			return fmt.Errorf("write db connect: %w", err)
		}
		defer writeDB.Close()

		p := worker.NewPruner(repository.NewOutboxRepository(writeDB), cfg.Prune.Interval, cfg.Prune.Retention, log)
		if pruneOnce {
			n, err := p.Once(ctx)
			if err != nil {
				return err
			}
			log.Info("pruned outbox", zap.Int64("deleted", n))
			return nil
		}

		serveMetrics(ctx, "", log)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneOnce, "once", false, "prune a single time and exit")
}
