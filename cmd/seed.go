package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/customer-cqrs/internal/db"
	"github.com/jmehdipour/customer-cqrs/internal/logger"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/service/customer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo customers through the write path (staging their events)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("seed")

		writeDB, err := db.OpenFromConfig(cfg.WriteDB)
		if err != nil {
			return fmt.Errorf("write db connect: %w", err)
		}
		defer writeDB.Close()

		svc := customer.New(writeDB, repository.NewCustomersRepository(writeDB), repository.NewOutboxRepository(writeDB))
		return seedCustomers(cmd.Context(), svc, log)
	},
}

// seedCustomers creates 5 deterministic demo customers (idempotent by email).
func seedCustomers(ctx context.Context, svc *customer.Service, log *zap.Logger) error {
	demo := []struct{ name, email string }{
		{"Acme Corp", "ops@acme.example"},
		{"Foobar LLC", "billing@foobar.example"},
		{"Beta Testers", "beta@testers.example"},
		{"Globex", "contact@globex.example"},
		{"Initech", "tps@initech.example"},
	}
	for _, d := range demo {
		c, err := svc.Create(ctx, d.name, d.email)
		if errors.Is(err, customer.ErrEmailTaken) {
			log.Info("already seeded", zap.String("email", d.email))
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %q: %w", d.name, err)
		}
		log.Info("seeded customer", zap.String("id", c.ID), zap.String("email", c.Email))
	}
	return nil
}
