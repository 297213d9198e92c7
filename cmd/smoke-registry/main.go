package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry/remote"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr        string
		unit        string
		count       int
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:          "smoke-registry",
		Short:        "Register documents concurrently and verify the issued numbers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, remote.New(addr, remote.WithActor("smoke")), unit, count, concurrency)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("REGISTRY_API_ADDR", "http://localhost:8080"), "registry API base URL")
	cmd.Flags().StringVar(&unit, "unit", fmt.Sprintf("smoke-%d", time.Now().Unix()), "organization unit to number under")
	cmd.Flags().IntVarP(&count, "count", "n", 50, "documents to register")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "parallel requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, c *remote.Client, unit string, count, concurrency int) error {
	log := obs.Logger()
	if err := c.Ready(ctx); err != nil {
		return fmt.Errorf("registry not ready: %w", err)
	}
	cfg, err := c.CreateConfig(ctx, registry.RegistrationConfig{
		OrganizationUnitID: unit,
		Name:               "smoke",
		ResetsAnnually:     true,
		StartingNumber:     1,
	})
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	var (
		mu      sync.Mutex
		numbers = make([]int64, 0, count)
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			doc, err := c.Register(gctx, registry.RegisterRequest{
				RegistrationConfigID: cfg.ID,
				OrganizationUnitID:   unit,
				Category:             registry.CategoryIncoming,
				Subject:              fmt.Sprintf("smoke document %d", i),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, *doc.DocumentNumber)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		if n != int64(i+1) {
			return fmt.Errorf("number set broken at position %d: got %d", i, n)
		}
	}
	log.Info().
		Str("unit", unit).
		Int("documents", count).
		Dur("elapsed", time.Since(start)).
		Msg("smoke test passed: numbers are unique and contiguous")
	return nil
}
