package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/config"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/migrate"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/store/pg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var (
		cfgFile string
		timeout time.Duration
	)

	withManager := func(fn func(context.Context, *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("missing DSN: provide via --dsn or REGISTRY_DATABASE_DSN")
			}
			logger := obs.SetupLogger(cfg.Log.Level, cfg.Log.Pretty)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := sql.Open("pgx", cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			return fn(ctx, migrate.NewManager(db, pg.Migrations(), pg.Seeds(), migrate.WithLogger(logger)))
		}
	}

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply registry schema migrations and seeds",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN")
	_ = v.BindPFlag("database.dsn", root.PersistentFlags().Lookup("dsn"))

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					fmt.Println("applied", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Println("nothing to roll back")
					return nil
				}
				if err == nil {
					fmt.Println("rolled back", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load reference data",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Seed(ctx)
				for _, name := range applied {
					fmt.Println("seeded", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				for _, item := range history {
					fmt.Println(item)
				}
				return err
			}),
		},
	)
	return root
}
