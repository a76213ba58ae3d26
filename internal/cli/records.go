package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/erauner12/erpsync/internal/optimistic"
	"github.com/erauner12/erpsync/internal/pipeline"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/spf13/cobra"
)

// NewFetchCommand creates the fetch command.
func NewFetchCommand(opts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "fetch <collection>",
		Short: "Read a collection through the cache",
		Long: `Read a collection the way the application does: a fresh cached copy is
served as is, a stale one is served and refreshed, a miss fetches from the
Sync Endpoint.

Examples:
  syncctl fetch orders
  syncctl fetch orders --refresh --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := st.Cache.Get(cmd.Context(), args[0], refresh)
			if err != nil {
				return WrapExitError(ExitFailure, "fetch failed", err)
			}

			return output(cmd.OutOrStdout(), opts.Format, entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d records (fetched %s)\n", entry.Key, len(entry.Data), entry.FetchedAt.Format("2006-01-02 15:04:05"))
				if opts.Verbose {
					for _, row := range entry.Data {
						b, _ := json.Marshal(row)
						fmt.Fprintln(w, string(b))
					}
				}
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	return cmd
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(opts *RootOptions) *cobra.Command {
	var (
		documentID string
		data       string
	)

	cmd := &cobra.Command{
		Use:   "mutate <create|update|delete> <collection>",
		Short: "Run one write through the optimistic pipeline",
		Long: `Run one write through the same pipeline the application uses. When the
Sync Endpoint is unreachable the write is queued and the command reports it
as pending.

Exit codes:
  0 - Write confirmed or queued
  1 - Write rejected and rolled back
  2 - Command error

Examples:
  syncctl mutate create orders --data '{"total": 5}'
  syncctl mutate update orders --id 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --data '{"total": 6}'
  syncctl mutate delete orders --id 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := syncx.ParseOperation(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid operation", err)
			}

			var payload map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return WrapExitError(ExitCommandError, "invalid --data", err)
				}
			}

			st, err := opts.open()
			if err != nil {
				return err
			}
			defer st.Close()

			if !st.Monitor.Check(cmd.Context()) && opts.Verbose {
				fmt.Fprintln(cmd.ErrOrStderr(), "Sync Endpoint unreachable, the write will be queued")
			}

			id := st.Mutator.Mutate(cmd.Context(), pipeline.Mutation{
				EntityKind: args[1],
				Operation:  op,
				DocumentID: documentID,
				Data:       payload,
				Hooks:      optimistic.Hooks{OnOptimistic: func(any) {}},
			})
			st.Mutator.Wait()

			tx, _ := st.Transactions.Transaction(id)
			if err := output(cmd.OutOrStdout(), opts.Format, tx, func(w io.Writer) {
				switch tx.Status {
				case optimistic.StatusSynced:
					fmt.Fprintf(w, "%s %s: synced\n", op, args[1])
				case optimistic.StatusPending:
					fmt.Fprintf(w, "%s %s: queued as %s\n", op, args[1], tx.QueueItemID)
				default:
					fmt.Fprintf(w, "%s %s: rolled back: %s\n", op, args[1], tx.LastError)
				}
			}); err != nil {
				return err
			}

			if tx.Status == optimistic.StatusRolledBack || tx.Status == optimistic.StatusFailed {
				return &ExitError{Code: ExitFailure, Message: tx.LastError}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&documentID, "id", "", "document id (update and delete)")
	cmd.Flags().StringVar(&data, "data", "", "JSON object payload (create and update)")
	return cmd
}
