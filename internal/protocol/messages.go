package protocol

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// JobRequest asks a worker to transcribe one audio file. It arrives on the bus
// or as the body of POST /v1/jobs.
type JobRequest struct {
	JobID     string            `json:"job_id,omitempty"`
	AudioPath string            `json:"audio_path"`
	Language  string            `json:"language,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	// Preset overrides the worker's active policy for this job.
	Preset *policy.Overrides `json:"preset,omitempty"`
}

func (r JobRequest) Job() orchestrator.Job {
	return orchestrator.Job{
		ID:        r.JobID,
		AudioPath: r.AudioPath,
		Params:    stt.Params{Language: r.Language, Options: r.Options},
		Preset:    r.Preset,
	}
}

// JobResult carries the full audit trail of a finished job.
type JobResult struct {
	orchestrator.Result
	Worker    string    `json:"worker"`
	Timestamp time.Time `json:"timestamp"`
}

// JobRejected is published when a request cannot be run at all.
type JobRejected struct {
	JobID     string    `json:"job_id,omitempty"`
	Reason    string    `json:"reason"`
	Worker    string    `json:"worker"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectJobSubmit   = "scribe.job.submit"
	SubjectJobResult   = "scribe.job.result"
	SubjectJobRejected = "scribe.job.rejected"
)
