package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/spf13/cobra"
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "List the error codes returned across the boundary",
	Long: `List every error code with its name and meaning.

Codes are stable: a value never changes meaning between releases. Values at
or below -1000 are reserved for application-defined errors.`,
	Args: cobra.NoArgs,
	RunE: runCodes,
}

func init() {
	codesCmd.Flags().Bool("json", false, "Print as JSON")
	rootCmd.AddCommand(codesCmd)
}

func runCodes(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ffierr.Codes())
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tDESCRIPTION")
	for _, c := range ffierr.Codes() {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.Code, c.Name, c.Description)
	}
	fmt.Fprintf(w, "<=%d\tApplication(n)\tapplication-defined error\n", ffierr.AppCodeBase)
	return w.Flush()
}
