package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/graph"
)

// NewVarsCmd creates the "vars" subcommand.
func NewVarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vars <file>",
		Short: "Show the variables visible to a node's conditions",
		Args:  cobra.ExactArgs(1),
		RunE:  runVars,
	}

	cmd.Flags().String("node", "", "Node id to resolve variables for")
	cmd.Flags().Bool("json", false, "Emit variables as a JSON array")
	_ = cmd.MarkFlagRequired("node")

	return cmd
}

func runVars(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	g, err := loadGraph(args[0])
	if err != nil {
		return err
	}
	if g.Node(nodeID) == nil {
		return exitError(exitValidation, "node %q not found in workflow", nodeID)
	}

	vars := graph.AvailableVariables(g, nodeID)

	if asJSON {
		if vars == nil {
			vars = []graph.Variable{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(vars)
	}

	if len(vars) == 0 {
		fmt.Fprintf(out, "no variables available to node %q\n", nodeID)
		return nil
	}
	printVariables(out, vars, 0)
	return nil
}

// printVariables writes the variable tree with two-space indentation
// per nesting level.
func printVariables(w io.Writer, vars []graph.Variable, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, v := range vars {
		if v.Description != "" {
			fmt.Fprintf(w, "%s%s (%s)  %s\n", indent, v.Path, v.Type, v.Description)
		} else {
			fmt.Fprintf(w, "%s%s (%s)\n", indent, v.Path, v.Type)
		}
		printVariables(w, v.Children, depth+1)
	}
}
