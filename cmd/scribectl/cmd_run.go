package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/spf13/cobra"
)

var runFlags struct {
	jobID    string
	language string
	asJSON   bool
}

var runCmd = &cobra.Command{
	Use:   "run <audio.wav>",
	Short: "Transcribe one file through the escalation pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.jobID, "job-id", "", "Job identifier (generated when empty)")
	f.StringVar(&runFlags.language, "language", "", "Language hint passed to the backend")
	f.BoolVar(&runFlags.asJSON, "json", false, "Print the full result as JSON")
	addPipelineFlags(runCmd)
}

func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&pipelineFlags.backend, "backend", "", "Backend mode: mock or exec (config value when empty)")
	f.StringVar(&pipelineFlags.command, "command", "", "Recognizer command line for the exec backend")
	f.StringVar(&pipelineFlags.store, "store", "", "SQLite job store path; results are not persisted when empty")
}

func runRun(cmd *cobra.Command, args []string) error {
	stack, err := buildLocalStack(cmd.Context())
	if err != nil {
		return err
	}
	defer stack.Close()

	job := orchestrator.Job{
		ID:        runFlags.jobID,
		AudioPath: args[0],
		Params:    stt.Params{Language: runFlags.language},
	}
	res, runErr := stack.Scheduler.Run(cmd.Context(), job)

	out := cmd.OutOrStdout()
	if runFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if err := printResult(out, res); err != nil {
		return err
	}
	return runErr
}

func printResult(out io.Writer, res orchestrator.Result) error {
	fmt.Fprintf(out, "job %s: %s (%s)\n", res.JobID, res.TerminalAction, res.TerminalReason)
	if res.TerminalDetail != "" {
		fmt.Fprintf(out, "  %s\n", res.TerminalDetail)
	}
	fmt.Fprintf(out, "initial tier %s (%s), final tier %s\n\n", res.InitialTier, res.Preselection.Reason, res.FinalTier)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIER\tCACHE\tRETRIES\tOVERALL\tCONF\tTEMPORAL\tCOVERAGE\tDECISION")
	for _, rec := range res.EscalationHistory {
		m := rec.Metrics
		decision := string(rec.Decision.Action) + "/" + rec.Decision.Reason
		if rec.Failed() {
			decision += " (" + rec.Error + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%s\n",
			rec.Sequence, rec.Tier, rec.CacheOutcome, rec.Retries,
			m.OverallQualityScore, m.ConfidenceScore, m.TemporalConsistencyScore, m.CoverageRatio, decision)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.Transcript != nil {
		fmt.Fprintf(out, "\n%s\n", res.Transcript.Text)
	}
	return nil
}
