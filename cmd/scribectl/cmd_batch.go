package main

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/batch"
	"github.com/spf13/cobra"
)

var batchFlags struct {
	report string
}

var batchCmd = &cobra.Command{
	Use:   "batch <manifest.xlsx>",
	Short: "Run every file listed in a spreadsheet manifest and write an xlsx report",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVar(&batchFlags.report, "report", "scribe-report.xlsx", "Output report path")
	f.IntVar(&pipelineFlags.parallel, "parallel", 0, "Concurrent jobs (scheduler.max_concurrency when 0)")
	addPipelineFlags(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := batch.LoadManifest(args[0])
	if err != nil {
		return err
	}
	stack, err := buildLocalStack(cmd.Context())
	if err != nil {
		return err
	}
	defer stack.Close()

	outcomes := stack.Scheduler.RunAll(cmd.Context(), jobs)
	if err := batch.WriteReport(batchFlags.report, outcomes); err != nil {
		return err
	}

	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	stats := stack.Cache.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d jobs, %d failed, report written to %s\n", len(outcomes), failed, batchFlags.report)
	fmt.Fprintf(out, "transcript cache: %d hits, %d shared, %d misses, %d storage faults\n",
		stats.Transcripts.Hits, stats.Transcripts.Shared, stats.Transcripts.Misses, stats.Transcripts.StorageFaults)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(outcomes))
	}
	return nil
}
