package batch

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/xuri/excelize/v2"
)

const (
	jobsSheet     = "Jobs"
	attemptsSheet = "Attempts"
)

var (
	jobsHeader = []any{"job_id", "audio_path", "initial_tier", "final_tier", "terminal_action",
		"terminal_reason", "overall", "confidence", "attempts", "duration_ms", "error", "transcript"}
	attemptsHeader = []any{"job_id", "sequence", "tier", "cache", "retries", "overall", "confidence",
		"temporal", "coverage", "action", "reason", "detail", "error"}
)

// WriteReport saves one row per job and one row per attempt to an xlsx file.
func WriteReport(path string, outcomes []scheduler.Outcome) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(attemptsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(jobsSheet, "A1", &jobsHeader); err != nil {
		return err
	}
	if err := f.SetSheetRow(attemptsSheet, "A1", &attemptsHeader); err != nil {
		return err
	}

	attemptRow := 2
	for i, out := range outcomes {
		res := out.Result
		var overall, confidence float64
		if res.FinalMetrics != nil {
			overall = res.FinalMetrics.OverallQualityScore
			confidence = res.FinalMetrics.ConfidenceScore
		}
		var text string
		if res.Transcript != nil {
			text = res.Transcript.Text
		}
		errText := res.Error
		if errText == "" && out.Err != nil {
			errText = out.Err.Error()
		}
		row := []any{res.JobID, res.AudioPath, res.InitialTier, res.FinalTier, string(res.TerminalAction),
			res.TerminalReason, overall, confidence, len(res.EscalationHistory), res.Duration.Milliseconds(),
			errText, text}
		if err := f.SetSheetRow(jobsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}

		for _, rec := range res.EscalationHistory {
			m := rec.Metrics
			row := []any{res.JobID, rec.Sequence, rec.Tier, rec.CacheOutcome, rec.Retries,
				m.OverallQualityScore, m.ConfidenceScore, m.TemporalConsistencyScore, m.CoverageRatio,
				string(rec.Decision.Action), rec.Decision.Reason, rec.Decision.Detail, rec.Error}
			if err := f.SetSheetRow(attemptsSheet, fmt.Sprintf("A%d", attemptRow), &row); err != nil {
				return err
			}
			attemptRow++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
