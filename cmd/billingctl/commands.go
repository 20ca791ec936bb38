package main

import (
	"context"
	"fmt"
	"io"

	"github.com/escolar/billing-service/internal/app"
	"github.com/escolar/billing-service/internal/bootstrap"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func generateCmd() *cobra.Command {
	var (
		month, year int
		allMonths   bool
	)
	cmd := &cobra.Command{
		Use:   "invoices:generate [schoolIds...]",
		Short: "Group unlinked payments into invoices",
		Long: `Group every unlinked, billable payment into invoices keyed by school,
student, contract and due date. Without school ids every school is processed.
Month and year default to the current business month.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schoolIDs, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				today := rt.Service.Today()
				params := app.GenerateParams{SchoolIDs: schoolIDs, Month: month, Year: year, AllMonths: allMonths}
				if !allMonths {
					if params.Month == 0 {
						params.Month = int(today.Month())
					}
					if params.Year == 0 {
						params.Year = today.Year()
					}
				}
				result, err := rt.Service.GenerateInvoices(ctx, cliActor(), params)
				if err != nil {
					return err
				}
				if printGenerationSummary(cmd.OutOrStdout(), result) {
					return errItemsFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&month, "month", 0, "due month (1-12)")
	cmd.Flags().IntVar(&year, "year", 0, "due year")
	cmd.Flags().BoolVar(&allMonths, "all-months", false, "process every due month")
	return cmd
}

func reconcileStudentCmd() *cobra.Command {
	var month, year int
	cmd := &cobra.Command{
		Use:   "invoices:reconcile-student <studentId>",
		Short: "Reconcile every invoice holding a student's payments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			studentID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid student id %q", args[0])
			}
			var monthPtr, yearPtr *int
			if cmd.Flags().Changed("month") {
				monthPtr = &month
			}
			if cmd.Flags().Changed("year") {
				yearPtr = &year
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Service.ReconcileStudent(ctx, cliActor(), studentID, monthPtr, yearPtr)
				if err != nil {
					return err
				}
				if printStudentSummary(cmd.OutOrStdout(), result) {
					return errItemsFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&month, "month", 0, "only payments due in this month")
	cmd.Flags().IntVar(&year, "year", 0, "only payments due in this year")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "webhooks:replay <eventId>",
		Short: "Re-enqueue a stored gateway webhook event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withRuntime(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				event, err := rt.Service.ReplayWebhookEvent(ctx, cliActor(), eventID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "webhook event %s status=%s attempts=%d\n", event.ID, event.Status, event.Attempts)
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func parseUUIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid school id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// printGenerationSummary writes the run totals and reports whether any group failed.
func printGenerationSummary(w io.Writer, result *app.GenerationResult) bool {
	fmt.Fprintf(w, "created=%d reconciled=%d linked=%d errors=%d\n",
		result.InvoicesCreated, result.InvoicesReconciled, result.PaymentsLinked, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  school=%s student=%s contract=%s due=%s: %s\n", e.SchoolID, e.StudentID, e.ContractID, e.DueDate, e.Error)
	}
	return result.Failed()
}

func printStudentSummary(w io.Writer, result *app.StudentReconcileResult) bool {
	fmt.Fprintf(w, "invoices=%d changed=%d errors=%d\n", result.Invoices, result.Changed, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.ID, e.Error)
	}
	return len(result.Errors) > 0
}
