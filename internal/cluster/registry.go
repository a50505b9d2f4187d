// Package cluster tracks the scribe workers sharing a bus. Each worker
// announces the tiers it can run and heartbeats its load; every worker keeps
// the resulting view so operators can ask any node about the pool.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "scribe.worker.announce"
	subjectHeartbeatPrefix = "scribe.worker.heartbeat"
)

// TierInfo is one tier a worker can run.
type TierInfo struct {
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

// Load is the part of a worker's state that changes between heartbeats.
type Load struct {
	InFlight int `json:"in_flight"`
	// BusJobs counts accepted bus requests, including those waiting for a slot.
	BusJobs       int   `json:"bus_jobs"`
	PolicyVersion int64 `json:"policy_version"`
}

type Worker struct {
	ID             string     `json:"id"`
	Backend        string     `json:"backend"`
	MaxConcurrency int        `json:"max_concurrency"`
	Tiers          []TierInfo `json:"tiers"`
	Load           Load       `json:"load"`
	LastSeen       time.Time  `json:"last_seen"`
	Healthy        bool       `json:"healthy"`
}

type announceMessage struct {
	WorkerID       string     `json:"worker_id"`
	Backend        string     `json:"backend"`
	MaxConcurrency int        `json:"max_concurrency"`
	Tiers          []TierInfo `json:"tiers"`
	Load           Load       `json:"load"`
	Timestamp      time.Time  `json:"timestamp"`
}

type heartbeatMessage struct {
	WorkerID  string    `json:"worker_id"`
	Load      Load      `json:"load"`
	Timestamp time.Time `json:"timestamp"`
}

// Self describes the local worker.
type Self struct {
	ID             string
	Backend        string
	MaxConcurrency int
	Tiers          policy.Ladder
	// Load is sampled for every heartbeat.
	Load func() Load
}

type Registry struct {
	cfg     config.NodeConfig
	self    Self
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, self Self, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if self.Load == nil {
		self.Load = func() Load { return Load{} }
	}
	r := &Registry{
		cfg:     cfg,
		self:    self,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		workers: make(map[string]*Worker),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	tiers := make([]TierInfo, 0, len(r.self.Tiers))
	for _, t := range r.self.Tiers {
		tiers = append(tiers, TierInfo{Name: t.Name, Model: t.Model})
	}
	msg := announceMessage{
		WorkerID:       r.self.ID,
		Backend:        r.self.Backend,
		MaxConcurrency: r.self.MaxConcurrency,
		Tiers:          tiers,
		Load:           r.self.Load(),
		Timestamp:      r.now().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.apply(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		WorkerID:  r.self.ID,
		Load:      r.self.Load(),
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(fmt.Sprintf("%s.%s", subjectHeartbeatPrefix, r.self.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.WorkerID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	if isNew := r.apply(announcement); isNew && announcement.WorkerID != r.self.ID {
		// Newcomers learn about existing workers from their answers.
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announcement", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.WorkerID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[hb.WorkerID]
	if !ok {
		w = &Worker{ID: hb.WorkerID}
		r.workers[hb.WorkerID] = w
	}
	w.Load = hb.Load
	w.LastSeen = hb.Timestamp
	w.Healthy = true
}

// apply records an announcement and reports whether its worker was unknown.
func (r *Registry) apply(msg announceMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[msg.WorkerID]
	isNew := !ok || len(w.Tiers) == 0
	if !ok {
		w = &Worker{ID: msg.WorkerID}
		r.workers[msg.WorkerID] = w
	}
	w.Backend = msg.Backend
	w.MaxConcurrency = msg.MaxConcurrency
	w.Tiers = msg.Tiers
	w.Load = msg.Load
	w.LastSeen = msg.Timestamp
	w.Healthy = true
	return isNew
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
		}
	}
}

// Healthy reports whether the local worker sees its own announcements.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[r.self.ID]
	return ok && w.Healthy
}

// Workers returns the known workers sorted by id. filter may be nil.
func (r *Registry) Workers(filter func(Worker) bool) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Worker
	for _, w := range r.workers {
		cp := *w
		cp.Tiers = append([]TierInfo(nil), w.Tiers...)
		if filter == nil || filter(cp) {
			results = append(results, cp)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithTier(tier string) func(Worker) bool {
	return func(w Worker) bool {
		for _, t := range w.Tiers {
			if t.Name == tier {
				return true
			}
		}
		return false
	}
}

func OnlyHealthy(w Worker) bool { return w.Healthy }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/cluster")
	known, err := meter.Int64ObservableGauge("scribe.workers.known", metric.WithDescription("Workers seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("scribe.workers.healthy", metric.WithDescription("Workers with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		all, ok := r.snapshotCounts()
		obs.ObserveInt64(known, all)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all, healthy int64
	for _, w := range r.workers {
		all++
		if w.Healthy {
			healthy++
		}
	}
	return all, healthy
}
