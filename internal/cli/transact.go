package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/mutation"
	"github.com/roach88/reactor/internal/network"
	"github.com/roach88/reactor/internal/transport"
)

// TransactOptions holds flags for the transact command.
type TransactOptions struct {
	*RootOptions
	Ops string

	Dialer   transport.Dialer
	Listener network.Listener
}

// TransactOutput is the outcome printed by transact.
type TransactOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TxID   int64  `json:"tx_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewTransactCommand creates the transact command.
func NewTransactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transact",
		Short: "Submit one transaction and wait for the server",
		Long: `Connect, submit the operations as one transaction and print its outcome.

Operations are a JSON array of {action, namespace, id, attrs}. With a
db_path configured, a transaction that cannot be confirmed before the
command exits stays queued for the next run.

Exit codes:
  0 - Transaction confirmed
  1 - Transaction rejected or timed out
  2 - Command error

Example:
  reactor transact --ops '[{"action":"create","namespace":"todos","id":"t1","attrs":{"title":"milk"}}]'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return transact(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ops, "ops", "", "operations as a JSON array (required)")
	_ = cmd.MarkFlagRequired("ops")

	return cmd
}

// parseOps decodes a JSON array of operations. Numbers stay json.Number so
// integers survive untouched.
func parseOps(data string) ([]message.Op, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var ops []message.Op
	if err := dec.Decode(&ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, errors.New("no operations")
	}
	return ops, nil
}

func transact(opts *TransactOptions, cmd *cobra.Command) error {
	ops, err := parseOps(opts.Ops)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --ops JSON", err)
	}

	r, err := connect(opts.RootOptions, opts.Dialer, opts.Listener, cmd)
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	ctx, stop := signalContext(cmd)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "reactor stopped", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		id, reply, err := r.TransactAsync(ops)
		if err != nil {
			return WrapExitError(ExitFailure, "transaction not queued", err)
		}
		out.VerboseLog("queued transaction %s", id)

		var outcome message.MutationOutcome
		select {
		case outcome = <-reply:
		case <-gctx.Done():
			return WrapExitError(ExitFailure, "interrupted before the server answered", gctx.Err())
		}

		res := TransactOutput{ID: id, Status: string(outcome.Status), TxID: outcome.TxID}
		if outcome.Err != nil {
			res.Error = outcome.Err.Error()
		}
		if out.JSON() {
			if err := out.Success(res); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out.Writer, "transaction %s %s", id, res.Status)
			if res.TxID > 0 {
				fmt.Fprintf(out.Writer, " (tx %d)", res.TxID)
			}
			fmt.Fprintln(out.Writer)
		}
		if outcome.Err != nil {
			code := ExitFailure
			if errors.Is(outcome.Err, mutation.ErrInvalid) {
				code = ExitCommandError
			}
			return WrapExitError(code, "transaction "+res.Status, outcome.Err)
		}
		return nil
	})

	return g.Wait()
}
