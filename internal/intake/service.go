// Package intake accepts transcription jobs from the NATS bus and publishes
// their results.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Submitter starts a job in the background and reports its outcome to done.
type Submitter interface {
	Submit(ctx context.Context, job orchestrator.Job, done func(orchestrator.Result, error)) error
}

type Service struct {
	cfg    config.IntakeConfig
	worker string
	bus    *bus.Client
	jobs   Submitter
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	ready  atomic.Bool
	active atomic.Int64
}

func NewService(parent context.Context, cfg config.IntakeConfig, worker string, busClient *bus.Client, jobs Submitter) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		worker: worker,
		bus:    busClient,
		jobs:   jobs,
		log:    busClient.Logger().With(slog.String("component", "intake")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectJobSubmit, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe job requests: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("job intake listening",
		slog.String("subject", protocol.SubjectJobSubmit),
		slog.String("queue_group", s.cfg.QueueGroup))
	return nil
}

// Close stops accepting requests. Jobs already submitted keep running and
// still publish their results.
func (s *Service) Close() {
	s.ready.Store(false)
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// Active reports jobs accepted from the bus that have not finished.
func (s *Service) Active() int {
	return int(s.active.Load())
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reject(msg.Reply, "", fmt.Sprintf("decode request: %v", err))
		return
	}
	if strings.TrimSpace(req.AudioPath) == "" {
		s.reject(msg.Reply, req.JobID, "audio_path is required")
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	reply := msg.Reply
	s.active.Add(1)
	err := s.jobs.Submit(s.ctx, req.Job(), func(res orchestrator.Result, err error) {
		defer s.active.Add(-1)
		if errors.Is(err, policy.ErrConfiguration) {
			s.reject(reply, res.JobID, err.Error())
			return
		}
		if err != nil {
			s.log.Warn("job ended with error", slog.String("job_id", res.JobID), slogError(err))
		}
		s.publishResult(reply, res)
	})
	if err != nil {
		s.active.Add(-1)
		s.reject(reply, req.JobID, err.Error())
	}
}

func (s *Service) publishResult(reply string, res orchestrator.Result) {
	out := protocol.JobResult{Result: res, Worker: s.worker, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectJobResult, out); err != nil {
		s.log.Warn("failed to publish job result", slogError(err))
	}
	if reply != "" {
		if err := s.bus.PublishJSON(reply, out); err != nil {
			s.log.Warn("failed to reply with job result", slogError(err))
		}
	}
}

// reject answers on reply when the requester waits, else on the rejected
// subject.
func (s *Service) reject(reply, jobID, reason string) {
	s.log.Warn("job request rejected", slog.String("job_id", jobID), slog.String("reason", reason))
	out := protocol.JobRejected{JobID: jobID, Reason: reason, Worker: s.worker, Timestamp: time.Now().UTC()}
	subject := protocol.SubjectJobRejected
	if reply != "" {
		subject = reply
	}
	if err := s.bus.PublishJSON(subject, out); err != nil {
		s.log.Warn("failed to publish rejection", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
