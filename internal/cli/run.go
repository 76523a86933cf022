package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/network"
	"github.com/roach88/reactor/internal/reactor"
	"github.com/roach88/reactor/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Query string
	Once  bool

	// Dialer and Listener override the production transport and
	// connectivity source (for testing).
	Dialer   transport.Dialer
	Listener network.Listener
}

// ResultEvent is one query result as printed by run.
type ResultEvent struct {
	Event         string                      `json:"event"`
	Hash          string                      `json:"hash"`
	Data          map[string][]message.Entity `json:"data,omitempty"`
	ProcessedTxID int64                       `json:"processed_tx_id,omitempty"`
	Error         string                      `json:"error,omitempty"`
}

// StatusEvent is one connection transition as printed by run.
type StatusEvent struct {
	Event  string `json:"event"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and follow a query",
		Long: `Connect to the backend, subscribe to a query and print every result
and connection transition until interrupted.

With --once the command prints the first server result and exits.

Example:
  REACTOR_APP_ID=my-app reactor run --query '{"todos":{}}'
  reactor run --config reactor.yaml --query '{"todos":{}}' --once --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReactor(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Query, "query", "", "query as a JSON object (required)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print the first server result and exit")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

// connect builds a reactor from --config and the environment.
func connect(opts *RootOptions, dialer transport.Dialer, listener network.Listener, cmd *cobra.Command) (*reactor.Reactor, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	ropts := []reactor.Option{reactor.WithLogger(opts.logger(cmd.ErrOrStderr()))}
	if dialer != nil {
		ropts = append(ropts, reactor.WithDialer(dialer))
	}
	if listener != nil {
		ropts = append(ropts, reactor.WithListener(listener))
	}
	r, err := reactor.New(cfg, ropts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build reactor", err)
	}
	return r, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when cmd's context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runReactor(opts *RunOptions, cmd *cobra.Command) error {
	q, err := ir.ParseObject([]byte(opts.Query))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --query JSON", err)
	}
	hash, err := ir.QueryHash(q)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
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

	if opts.Once {
		g.Go(func() error {
			defer cancel()
			res, err := r.QueryOnce(gctx, q)
			if err != nil {
				return WrapExitError(ExitFailure, "query failed", err)
			}
			return printResult(out, hash, res)
		})
	} else {
		r.SubscribeConnectionStatus(func(s message.ConnectionStatus, err error) {
			ev := StatusEvent{Event: "status", Status: string(s)}
			text := "status " + string(s)
			if err != nil {
				ev.Error = err.Error()
				text += ": " + ev.Error
			}
			_ = out.Event(ev, text)
		})
		if _, err := r.SubscribeQuery(q, func(res message.QueryResult) {
			_ = printResult(out, hash, res)
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to subscribe", err)
		}
	}

	return g.Wait()
}

func printResult(out *OutputFormatter, hash string, res message.QueryResult) error {
	ev := ResultEvent{
		Event:         "result",
		Hash:          hash,
		Data:          res.Data,
		ProcessedTxID: res.ProcessedTxID,
		Error:         res.Error,
	}
	return out.Event(ev, summarize(hash, res))
}

// summarize renders a result as "result <hash>: ns=count ... (tx N)".
func summarize(hash string, res message.QueryResult) string {
	short := hash
	if len(short) > 12 {
		short = short[:12]
	}
	if res.Error != "" {
		return fmt.Sprintf("result %s: error: %s", short, res.Error)
	}
	parts := make([]string, 0, len(res.Data))
	for _, ns := range slices.Sorted(maps.Keys(res.Data)) {
		parts = append(parts, fmt.Sprintf("%s=%d", ns, len(res.Data[ns])))
	}
	if len(parts) == 0 {
		parts = append(parts, "empty")
	}
	line := fmt.Sprintf("result %s: %s", short, strings.Join(parts, " "))
	if res.ProcessedTxID > 0 {
		line += fmt.Sprintf(" (tx %d)", res.ProcessedTxID)
	}
	return line
}
