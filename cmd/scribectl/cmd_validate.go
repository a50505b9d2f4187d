package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [preset.yaml]",
	Short: "Validate an escalation preset and print the effective ladder",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := globalFlags.preset
	if len(args) == 1 {
		path = args[0]
	}
	pol, err := runtime.LoadPolicy(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path == "" {
		path = "built-in"
	}
	fmt.Fprintf(out, "preset %s valid\n\n", path)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTIER\tMODEL\tCOST\tTHRESHOLD")
	for i, tier := range pol.Tiers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%g\t%.2f\n", i, tier.Name, tier.Model, tier.Cost, pol.Threshold(tier.Name))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nmax escalations: %d  confidence accept: %.2f  quality accept: %.2f\n",
		pol.MaxEscalations, pol.ConfidenceAcceptThreshold, pol.QualityAcceptThreshold)
	return nil
}
