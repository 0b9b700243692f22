package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cycjobs/internal/config"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and call catalog tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools of the catalog",
	RunE:  runToolsList,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a tool",
	Long: `Call a catalog tool with typed parameters.

Submit tools start a background job and print its id; sync tools print
their result directly. Parameters are passed as repeated --param
key=value flags; list parameters take comma-separated values.

Examples:
  cycjobs tools call validate_peptide_sequence -p sequence=GRGDSP
  cycjobs tools call submit_structure_prediction -p sequence=GRGDSP -p nstruct=5`,
	Args: cobra.ExactArgs(1),
	RunE: runToolsCall,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsCallCmd)

	toolsListCmd.Flags().Bool("json", false, "Output as JSON")
	toolsCallCmd.Flags().StringArrayP("param", "p", nil, "Tool parameter as key=value (repeatable)")
	toolsCallCmd.Flags().Bool("json", false, "Output as JSON")
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	catalog, err := loadCatalog(config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot load tool catalog", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, catalog.Tools)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "TOOL\tKIND\tSCRIPT\tRUNTIME\tPARAMS")
	for _, t := range catalog.Tools {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Kind, dashIfEmpty(t.Script), dashIfEmpty(t.TypicalRuntime), paramSummary(t.Params))
	}
	return nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	pairs, _ := cmd.Flags().GetStringArray("param")

	rt, err := newJobRuntime(commandContext(cmd), nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	name := strings.TrimSpace(args[0])
	tool, ok := rt.catalog.Tool(name)
	if !ok {
		return exitError(foundry.ExitInvalidArgument, "Unknown tool", fmt.Errorf("%w: %s", toolapi.ErrUnknownTool, name))
	}
	params, err := parseToolParams(tool, pairs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param", err)
	}

	env := rt.service.CallTool(commandContext(cmd), name, params)
	return printEnvelope(cmd.OutOrStdout(), env, jsonOutput)
}

// paramSummary renders params as "name:type", required ones marked with *.
func paramSummary(params []toolapi.Param) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := p.Name + ":" + string(p.Type)
		if p.Required {
			s += "*"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
