package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/escalation"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoRunner applies the job preset to the built-in policy the way the
// orchestrator does and echoes what it saw.
type echoRunner struct {
	hold chan struct{}
}

func (e echoRunner) Run(_ context.Context, job orchestrator.Job) (orchestrator.Result, error) {
	if e.hold != nil {
		<-e.hold
	}
	base := policy.Default()
	pol, err := job.Preset.Apply(&base)
	if err != nil {
		return orchestrator.Result{JobID: job.ID, Error: err.Error()}, fmt.Errorf("job preset: %w", err)
	}
	return orchestrator.Result{
		JobID:          job.ID,
		AudioPath:      job.AudioPath,
		FinalTier:      "tiny",
		Transcript:     &stt.Result{Text: job.Params.Language},
		TerminalAction: escalation.ActionAccept,
		TerminalReason: escalation.ReasonMeetsTierThreshold,
		TerminalDetail: fmt.Sprintf("max_escalations=%d", pol.MaxEscalations),
	}, nil
}

func startService(t *testing.T) *bus.Client {
	t.Helper()
	client, _ := startServiceWith(t, echoRunner{})
	return client
}

func startServiceWith(t *testing.T, runner scheduler.Runner) (*bus.Client, *Service) {
	t.Helper()
	log := testLogger()
	es, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	t.Cleanup(es.Shutdown)

	client, err := bus.Connect(context.Background(), "intake-test", config.BusConfig{
		Servers:        []string{es.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sched := scheduler.New(runner, 2, log)
	svc := NewService(context.Background(), config.IntakeConfig{Enabled: true, QueueGroup: "workers"}, "node-test", client, sched)
	if err := svc.Start(); err != nil {
		t.Fatalf("start intake: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		sched.Close()
	})
	if !svc.Healthy() {
		t.Fatalf("expected healthy service")
	}
	return client, svc
}

func TestRequestReplyReturnsResult(t *testing.T) {
	client := startService(t)

	results := make(chan protocol.JobResult, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectJobResult, func(m *nats.Msg) {
		var res protocol.JobResult
		if err := json.Unmarshal(m.Data, &res); err == nil {
			results <- res
		}
	})
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := json.Marshal(protocol.JobRequest{AudioPath: "/audio/clip.wav", Language: "en"})
	msg, err := client.Conn().Request(protocol.SubjectJobSubmit, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.JobResult
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.JobID == "" || reply.Worker != "node-test" || reply.Transcript == nil || reply.Transcript.Text != "en" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	select {
	case res := <-results:
		if res.JobID != reply.JobID {
			t.Fatalf("broadcast result for %s, reply for %s", res.JobID, reply.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result was not broadcast")
	}
}

func TestInvalidRequestIsRejected(t *testing.T) {
	client := startService(t)

	data, _ := json.Marshal(protocol.JobRequest{JobID: "bad-1"})
	msg, err := client.Conn().Request(protocol.SubjectJobSubmit, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var rejected protocol.JobRejected
	if err := json.Unmarshal(msg.Data, &rejected); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if rejected.JobID != "bad-1" || rejected.Reason == "" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
}

func TestRequestPresetReachesRunner(t *testing.T) {
	client := startService(t)

	data := []byte(`{"job_id":"preset-1","audio_path":"/audio/clip.wav","preset":{"max_escalations":3}}`)
	msg, err := client.Conn().Request(protocol.SubjectJobSubmit, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.JobResult
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.JobID != "preset-1" || reply.TerminalDetail != "max_escalations=3" {
		t.Fatalf("preset not applied: %+v", reply)
	}
}

func TestInvalidPresetIsRejected(t *testing.T) {
	client := startService(t)

	data := []byte(`{"job_id":"preset-bad","audio_path":"/audio/clip.wav","preset":{"max_escalations":-1}}`)
	msg, err := client.Conn().Request(protocol.SubjectJobSubmit, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var rejected protocol.JobRejected
	if err := json.Unmarshal(msg.Data, &rejected); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if rejected.JobID != "preset-bad" || !strings.Contains(rejected.Reason, "max_escalations") {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
}

func TestActiveCountsRunningBusJobs(t *testing.T) {
	hold := make(chan struct{})
	client, svc := startServiceWith(t, echoRunner{hold: hold})

	data, _ := json.Marshal(protocol.JobRequest{AudioPath: "/audio/clip.wav"})
	if err := client.Conn().Publish(protocol.SubjectJobSubmit, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitActive(t, svc, 1)
	close(hold)
	waitActive(t, svc, 0)
}

func waitActive(t *testing.T, svc *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d active jobs, got %d", want, svc.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
