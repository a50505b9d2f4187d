package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/cache"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Stack is the job pipeline shared by the daemon and the CLI.
type Stack struct {
	Policies     *policy.Store
	Cache        *cache.Redundancy
	Store        *eventstore.Store
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
}

// LoadPolicy reads the preset at path, or returns the built-in preset when
// path is empty.
func LoadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		p := policy.Default()
		return p, p.Validate()
	}
	return policy.Load(path)
}

func NewRecognizer(cfg config.BackendConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}

// NewCache builds the redundancy cache. busClient is required for nats mode.
func NewCache(cfg config.CacheConfig, busClient *bus.Client, log *slog.Logger) (*cache.Redundancy, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Mode {
	case "", "memory":
		return cache.NewMemory(cfg.MaxEntries, ttl, log), nil
	case "nats":
		if busClient == nil {
			return nil, errors.New("nats cache requires a bus connection")
		}
		kv, err := cache.OpenBucket(busClient.JetStream(), cfg.Bucket, ttl)
		if err != nil {
			return nil, err
		}
		return cache.NewNATS(kv, log), nil
	default:
		return nil, fmt.Errorf("unsupported cache mode %q", cfg.Mode)
	}
}

// BuildStack wires policy, cache, store, orchestrator and scheduler from cfg.
func BuildStack(ctx context.Context, cfg config.Config, busClient *bus.Client, logger *slog.Logger) (*Stack, error) {
	pol, err := LoadPolicy(cfg.Policy.PresetPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	policies, err := policy.NewStore(pol)
	if err != nil {
		return nil, err
	}

	recognizer, err := NewRecognizer(cfg.Backend)
	if err != nil {
		return nil, err
	}
	redundancy, err := NewCache(cfg.Cache, busClient, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Policies:   policies,
		Recognizer: recognizer,
		Extractor:  audio.NewWAVExtractor(cfg.Audio.FrameDurationMS),
		Cache:      redundancy,
		Sink:       store,
		Logger:     logger,

		DefaultLanguage: cfg.Backend.Language,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("job pipeline ready",
		slog.String("backend", cfg.Backend.Mode),
		slog.String("cache", cfg.Cache.Mode),
		slog.Any("tiers", pol.Tiers.Names()),
		slog.Int("max_escalations", pol.MaxEscalations),
		slog.Int("max_concurrency", cfg.Scheduler.Concurrency))

	return &Stack{
		Policies:     policies,
		Cache:        redundancy,
		Store:        store,
		Orchestrator: orch,
		Scheduler:    scheduler.New(orch, cfg.Scheduler.Concurrency, logger),
	}, nil
}

// Close waits for running jobs, then closes the store.
func (s *Stack) Close() error {
	s.Scheduler.Close()
	return s.Store.Close()
}
