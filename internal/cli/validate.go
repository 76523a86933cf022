package cli

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/reactor/internal/schema"
)

// Error codes for validate output.
const (
	ErrCodeSchemaRead    = "E001"
	ErrCodeSchemaInvalid = "E002"
)

// ValidationError describes one schema problem.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// EntitySummary describes one namespace of a valid schema.
type EntitySummary struct {
	Name  string            `json:"name"`
	Attrs []string          `json:"attrs"`
	Links map[string]string `json:"links,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Entities []EntitySummary   `json:"entities,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema.cue>",
		Short: "Validate an app schema",
		Long: `Compile a CUE app schema and list its namespaces, attributes and links.

The same schema, passed as schema_path, makes the reactor reject
transactions that do not fit it before they are queued.

Example:
  reactor validate ./schema.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	s, err := schema.Load(path)
	if err != nil {
		verr := ValidationError{Code: ErrCodeSchemaInvalid, Message: err.Error(), File: path}
		var cerr *schema.CompileError
		if errors.As(err, &cerr) && cerr.Pos.IsValid() {
			verr.Message = cerr.Message
			verr.File = cerr.Pos.Filename()
			verr.Line = cerr.Pos.Line()
			verr.Column = cerr.Pos.Column()
		} else if _, statErr := os.Stat(path); statErr != nil {
			verr.Code = ErrCodeSchemaRead
		}
		if out.JSON() {
			_ = out.Success(ValidationResult{Valid: false, Errors: []ValidationError{verr}})
		} else {
			fmt.Fprintf(out.Writer, "✗ %s\n  [%s] %s\n", path, verr.Code, err)
		}
		code := ExitFailure
		if verr.Code == ErrCodeSchemaRead {
			code = ExitCommandError
		}
		return WrapExitError(code, "schema is invalid", err)
	}

	result := ValidationResult{Valid: true}
	for _, ns := range s.Namespaces() {
		e := s.Entities[ns]
		result.Entities = append(result.Entities, EntitySummary{
			Name:  ns,
			Attrs: slices.Sorted(maps.Keys(e.Attrs)),
			Links: e.Links,
		})
	}

	if out.JSON() {
		return out.Success(result)
	}
	fmt.Fprintf(out.Writer, "✓ %s\n", path)
	for _, e := range result.Entities {
		fmt.Fprintf(out.Writer, "  %s:", e.Name)
		for _, a := range e.Attrs {
			attr := s.Entities[e.Name].Attrs[a]
			opt := ""
			if attr.Optional {
				opt = "?"
			}
			fmt.Fprintf(out.Writer, " %s%s %s", a, opt, attr.Kind)
		}
		for _, label := range slices.Sorted(maps.Keys(e.Links)) {
			fmt.Fprintf(out.Writer, " %s -> %s", label, e.Links[label])
		}
		fmt.Fprintln(out.Writer)
	}
	return nil
}
