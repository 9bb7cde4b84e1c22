package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/celcond"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/exprlang"
	"github.com/arbor-labs/arborflow/graph"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().Bool("json", false, "Emit issues as a JSON array")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	addEvaluatorFlag(cmd)

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	eval, err := conditionEngine(cmd)
	if err != nil {
		return err
	}

	result := graph.NewValidator(eval).Validate(g)
	if asJSON {
		printIssuesJSON(out, result.Issues)
	} else {
		printIssuesText(out, result.Issues)
	}

	if !result.Valid() || (strict && len(result.Warnings()) > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// loadGraph reads a workflow file from disk, mapping the failure modes
// onto CLI exit codes. Shared by validate, run, and vars.
func loadGraph(path string) (*graph.Graph, error) {
	g, err := graph.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return g, nil
}

// addEvaluatorFlag registers the condition-engine selector on commands
// that compile conditions.
func addEvaluatorFlag(cmd *cobra.Command) {
	cmd.Flags().String("evaluator", "expr", "Condition engine: expr | cel")
}

// conditionEngine builds the evaluator selected by --evaluator.
func conditionEngine(cmd *cobra.Command) (core.ConditionEvaluator, error) {
	name, _ := cmd.Flags().GetString("evaluator")
	switch name {
	case "", "expr":
		return exprlang.New(), nil
	case "cel":
		eng, err := celcond.New()
		if err != nil {
			return nil, exitError(exitRuntime, "initializing cel evaluator: %v", err)
		}
		return eng, nil
	default:
		return nil, exitError(exitValidation, "unknown evaluator %q (use expr or cel)", name)
	}
}

// printIssuesText writes issues as formatted lines followed by a
// summary. Used by both the validate and run commands.
func printIssuesText(w io.Writer, issues []core.ValidationIssue) {
	for _, issue := range issues {
		sev := strings.ToUpper(string(issue.Severity))
		if len(issue.NodeIDs) > 0 {
			fmt.Fprintf(w, "%s [%s]: %s (nodes: %s)\n", sev, issue.Code, issue.Message, strings.Join(issue.NodeIDs, ", "))
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, issue.Code, issue.Message)
		}
	}

	var errs, warns int
	for _, issue := range issues {
		switch issue.Severity {
		case core.SeverityError:
			errs++
		case core.SeverityWarning:
			warns++
		}
	}

	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Valid!")
	case errs == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			errs, pluralize("error", errs),
			warns, pluralize("warning", warns))
	}
}

func printIssuesJSON(w io.Writer, issues []core.ValidationIssue) {
	// Output an empty array rather than null when the graph is clean.
	if issues == nil {
		issues = []core.ValidationIssue{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(issues)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
