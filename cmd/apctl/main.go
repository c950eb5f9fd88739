// Command apctl is the operator-facing CLI for the AP invoice engine: a
// thin wrapper over the same repositories the engine process uses, for the
// interventions spec.md §6 calls out as operational surfaces rather than
// APIs — replaying dead-lettered jobs, force-cancelling a stuck invoice, and
// running the idempotency sweep on demand outside its cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/ap-invoice-engine/internal/idempotency"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/config"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
	"github.com/pesio-ai/ap-invoice-engine/internal/repository"
	"github.com/pesio-ai/ap-invoice-engine/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "apctl",
		Short:         "Operational commands for the AP invoice engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(replayDLQCmd())
	root.AddCommand(cancelWorkflowCmd())
	root.AddCommand(sweepIdempotencyCmd())
	return root
}

func openStore(ctx context.Context) (*store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func replayDLQCmd() *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "replay-dlq <queue>",
		Short: "Requeue dead-lettered jobs on a queue for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queue := args[0]

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewJobRepository(db)
			dead, err := repo.DeadLetters(ctx, queue, max)
			if err != nil {
				return fmt.Errorf("listing dead letters: %w", err)
			}
			if len(dead) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead-lettered jobs on %q\n", queue)
				return nil
			}

			var requeued int
			for _, job := range dead {
				if err := repo.Requeue(ctx, job.ID); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed to requeue job %s: %v\n", job.ID, err)
					continue
				}
				requeued++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d/%d dead-lettered jobs on %q\n", requeued, len(dead), queue)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 100, "maximum number of dead-lettered jobs to requeue")
	return cmd
}

func cancelWorkflowCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-workflow <invoice_id>",
		Short: "Force an in-flight invoice to the cancelled terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			invoiceID := idgen.ID(args[0])
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			invoices := repository.NewInvoiceRepository(db)
			// Cancel only ever touches the invoice store, so every other
			// collaborator can stay nil for this one-shot operator command.
			runner := workflow.New(invoices, nil, nil, nil, nil, nil, nil, nil)
			if err := runner.Cancel(ctx, invoiceID); err != nil {
				return fmt.Errorf("cancelling invoice %s: %w", invoiceID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled invoice %s (reason: %s)\n", invoiceID, reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "operator-supplied reason, recorded in the command's own output only")
	return cmd
}

func sweepIdempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-idempotency",
		Short: "Delete expired idempotency records outside the hourly schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			mgr := idempotency.NewManager(repository.NewIdempotencyRepository(db))
			n, err := mgr.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweeping idempotency records: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired idempotency records\n", n)
			return nil
		},
	}
	return cmd
}
