package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	httpSrv "github.com/jmehdipour/customer-cqrs/internal/http"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/service/customer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("serve")
		defer func() { _ = logger.Log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		writeDB, err := db.OpenFromConfig(cfg.WriteDB)
		if err != nil {
			return fmt.Errorf("write db connect: %w", err)
		}
		defer writeDB.Close()

		readDB, err := db.OpenFromConfig(cfg.ReadDB)
		if err != nil {
			return fmt.Errorf("read db connect: %w", err)
		}
		defer readDB.Close()

		deps := httpSrv.Deps{
			Commands: customer.New(writeDB, repository.NewCustomersRepository(writeDB), repository.NewOutboxRepository(writeDB)),
			Views:    repository.NewCustomerViewsRepository(readDB),
		}

		if cfg.Redis.Addr != "" {
			redisClient, err := db.RedisFromConfig(cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = redisClient.Close() }()
			deps.Redis = redisClient
			deps.Cache = repository.NewCustomerViewCache(redisClient, cfg.Cache.ViewTTL)
		}

		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.ClickHouseFromConfig(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			deps.DeadLetters = repository.NewCHDeadLettersRepository(chDB)
		}

		server := httpSrv.NewServer(cfg, deps)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
