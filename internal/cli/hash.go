package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/reactor/internal/ir"
)

// HashOutput is what hash prints in JSON mode.
type HashOutput struct {
	Hash       string   `json:"hash"`
	Canonical  string   `json:"canonical"`
	Namespaces []string `json:"namespaces"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <query-json>",
		Short: "Print the subscription key of a query",
		Long: `Print the canonical form of a query and the hash the reactor uses to
deduplicate subscriptions. Queries that differ only in key order hash
the same.

Example:
  reactor hash '{"todos":{"$":{"where":{"done":false}}}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runHash(opts *RootOptions, query string, cmd *cobra.Command) error {
	q, err := ir.ParseObject([]byte(query))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query JSON", err)
	}
	canonical, err := ir.MarshalCanonical(q)
	if err != nil {
		return WrapExitError(ExitCommandError, "query is not canonical", err)
	}
	hash, err := ir.QueryHash(q)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash query", err)
	}

	out := opts.formatter(cmd)
	if out.JSON() {
		return out.Success(HashOutput{Hash: hash, Canonical: string(canonical), Namespaces: q.Namespaces()})
	}
	out.VerboseLog("canonical: %s", canonical)
	fmt.Fprintln(out.Writer, hash)
	return nil
}
