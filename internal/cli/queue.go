package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/erauner12/erpsync/internal/queue"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and pending writes",
		Long: `Show how many writes are waiting to sync, how many were dropped as
terminal, and (with --verbose) each pending item in drain order.

Examples:
  syncctl status
  syncctl status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.Worker.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			pending, err := st.Queue.Pending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list pending items", err)
			}

			data := struct {
				Queue   queue.Stats  `json:"queue"`
				Pending []queue.Item `json:"pending"`
			}{status.Queue, pending}

			return output(cmd.OutOrStdout(), opts.Format, data, func(w io.Writer) {
				fmt.Fprintf(w, "%d changes waiting to sync, %d dead-lettered, %d done, %d superseded\n",
					status.Queue.Pending, status.Queue.Dead, status.Queue.Done, status.Queue.Superseded)
				if opts.Verbose {
					printItems(w, pending)
				}
			})
		},
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send pending writes to the Sync Endpoint once",
		Long: `Run one drain pass over the queue, the same pass the background worker
runs on its timer.

Exit codes:
  0 - Drain ran (retryable failures stay queued)
  1 - One or more items were dead-lettered
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			sum, err := st.Worker.DrainOnce(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "drain failed", err)
			}

			if err := output(cmd.OutOrStdout(), opts.Format, sum, func(w io.Writer) {
				printSummary(w, sum)
			}); err != nil {
				return err
			}
			if sum.DeadLettered > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d items dead-lettered", sum.DeadLettered)}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "upper bound for the whole pass")
	return cmd
}

// NewDeadLettersCommand creates the dead-letters command.
func NewDeadLettersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List writes rejected as terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			dead, err := st.Queue.DeadLetters(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead letters", err)
			}

			return output(cmd.OutOrStdout(), opts.Format, dead, func(w io.Writer) {
				if len(dead) == 0 {
					fmt.Fprintln(w, "No dead-lettered items.")
					return
				}
				printItems(w, dead)
			})
		},
	}
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>...",
		Short: "Move dead-lettered writes back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := st.Queue.Requeue(cmd.Context(), id); err != nil {
					return WrapExitError(ExitFailure, "requeue failed", err)
				}
			}

			return output(cmd.OutOrStdout(), opts.Format, args, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d items.\n", len(args))
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var kind, document string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop pending writes without sending them",
		Long: `Mark pending queue items superseded so the worker never sends them.
Without flags every pending item is dropped.

Examples:
  syncctl clear --kind orders
  syncctl clear --document 7f8e3c1a-0000-4000-8000-000000000001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Queue.Clear(cmd.Context(), kind, document)
			if err != nil {
				return WrapExitError(ExitCommandError, "clear failed", err)
			}

			return output(cmd.OutOrStdout(), opts.Format, map[string]int{"cleared": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared %d pending items.\n", n)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only clear items of this collection")
	cmd.Flags().StringVar(&document, "document", "", "only clear items for this document id")
	return cmd
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Delete synced and superseded queue rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Queue.Compact(cmd.Context(), olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "compaction failed", err)
			}

			return output(cmd.OutOrStdout(), opts.Format, map[string]int{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d settled items.\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only remove rows done for at least this long")
	return cmd
}

func printItems(w io.Writer, items []queue.Item) {
	for _, it := range items {
		fmt.Fprintf(w, "%s  %-6s %s/%s  retries=%d", it.ID, it.Operation, it.EntityKind, it.DocumentID, it.RetryCount)
		if it.LastError != "" {
			fmt.Fprintf(w, "  error=%q", it.LastError)
		}
		fmt.Fprintln(w)
	}
}

func printSummary(w io.Writer, sum queue.Summary) {
	fmt.Fprintf(w, "attempted=%d succeeded=%d failed=%d dead-lettered=%d blocked=%d\n",
		sum.Attempted, sum.Succeeded, sum.Failed, sum.DeadLettered, sum.Blocked)
}
