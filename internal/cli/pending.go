package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/persist"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Database string
}

// PendingOutput is what pending prints.
type PendingOutput struct {
	User          string            `json:"user,omitempty"`
	Pending       []message.Pending `json:"pending"`
	CachedQueries int               `json:"cached_queries"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List transactions persisted for the next session",
		Long: `List the pending transactions in an offline database, oldest first,
with the persisted user and the number of cached query results.

Without --db the db_path from --config or REACTOR_DB_PATH is used.

Example:
  reactor pending --db ./reactor.db
  reactor pending --db ./reactor.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPending(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the offline SQLite database")

	return cmd
}

func listPending(opts *PendingOptions, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.DBPath
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no database: pass --db or set db_path")
	}
	// Opening would create an empty database.
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := persist.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pending, err := st.LoadPending(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read pending transactions", err)
	}
	user, err := st.LoadUser(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read user", err)
	}
	queries, err := st.LoadQueries(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read query cache", err)
	}

	result := PendingOutput{Pending: pending, CachedQueries: len(queries)}
	if result.Pending == nil {
		result.Pending = []message.Pending{}
	}
	if user != nil {
		result.User = user.ID
	}

	out := opts.formatter(cmd)
	if out.JSON() {
		return out.Success(result)
	}
	return printPendingText(out, result)
}

func printPendingText(out *OutputFormatter, result PendingOutput) error {
	w := out.Writer
	if result.User != "" {
		fmt.Fprintf(w, "User: %s\n", result.User)
	}
	fmt.Fprintf(w, "Cached queries: %d\n", result.CachedQueries)
	if len(result.Pending) == 0 {
		fmt.Fprintln(w, "No pending transactions.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tSTATUS\tATTEMPTS\tCREATED\tOPS")
	for _, p := range result.Pending {
		ops := make([]string, len(p.Ops))
		for i, op := range p.Ops {
			ops[i] = fmt.Sprintf("%s %s/%s", op.Action, op.Namespace, op.ID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			p.Seq, p.ID, p.Status, p.Attempts,
			p.CreatedAt.UTC().Format(time.RFC3339), strings.Join(ops, ", "))
	}
	return tw.Flush()
}
