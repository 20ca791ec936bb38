// Command billingctl runs billing operations against the configured ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escolar/billing-service/internal/bootstrap"
	"github.com/escolar/billing-service/internal/config"
	"github.com/escolar/billing-service/internal/domain"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// errItemsFailed is returned after a summary has been printed for a run with failures.
var errItemsFailed = errors.New("one or more items failed")

func main() {
	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tooling for the billing-service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(reconcileStudentCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errItemsFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not read .env: %v", err)
	}
	return config.LoadConfig(".")
}

// cliActor identifies the operator in audit metadata.
func cliActor() domain.Actor {
	id := "billingctl"
	if user := os.Getenv("USER"); user != "" {
		id += ":" + user
	}
	return domain.Actor{Type: domain.ActorOperator, ID: id}
}

// withRuntime builds the runtime, starts in-process workers, runs fn and
// waits for follow-up jobs before closing.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.StartWorkers(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	runErr := fn(ctx, rt)

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := rt.Drain(drainCtx); err != nil {
		logger.Warn("follow-up jobs still pending at exit", "component", "billingctl", "error", err)
	}
	return runErr
}
