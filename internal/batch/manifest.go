// Package batch reads spreadsheet job manifests and writes audit reports for
// scribectl batch runs.
package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/xuri/excelize/v2"
)

var ErrManifest = errors.New("invalid job manifest")

// LoadManifest reads jobs from the first sheet of an xlsx file. The header row
// must name an audio column; job id and language columns are optional.
// Relative audio paths resolve against the manifest's directory.
func LoadManifest(path string) ([]orchestrator.Job, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: no sheets", ErrManifest)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("%w: no data rows", ErrManifest)
	}

	audioIdx, idIdx, langIdx := -1, -1, -1
	for i, h := range rows[0] {
		switch l := strings.ToLower(strings.TrimSpace(h)); {
		case audioIdx == -1 && (strings.Contains(l, "audio") || strings.Contains(l, "path") || strings.Contains(l, "file")):
			audioIdx = i
		case idIdx == -1 && strings.Contains(l, "id"):
			idIdx = i
		case langIdx == -1 && (strings.Contains(l, "lang") || l == "locale"):
			langIdx = i
		}
	}
	if audioIdx == -1 {
		return nil, fmt.Errorf("%w: no audio column in header %v", ErrManifest, rows[0])
	}

	base := filepath.Dir(path)
	var jobs []orchestrator.Job
	for _, r := range rows[1:] {
		audio := cell(r, audioIdx)
		if audio == "" {
			continue
		}
		if !filepath.IsAbs(audio) {
			audio = filepath.Join(base, audio)
		}
		jobs = append(jobs, orchestrator.Job{
			ID:        cell(r, idIdx),
			AudioPath: audio,
			Params:    stt.Params{Language: cell(r, langIdx)},
		})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no rows with audio", ErrManifest)
	}
	return jobs, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
