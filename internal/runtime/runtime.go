package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/cluster"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/intake"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/robfig/cron/v3"
)

var ErrNotStarted = errors.New("runtime not started")

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	stack    atomic.Pointer[Stack]
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	intake   *intake.Service
	cluster  *cluster.Registry
	cron     *cron.Cron
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.stop()
		return err
	}

	stack, err := BuildStack(ctx, r.cfg, r.bus, r.logger)
	if err != nil {
		r.stop()
		return fmt.Errorf("failed to build job pipeline: %w", err)
	}
	r.stack.Store(stack)

	if r.bus != nil && r.cfg.Intake.Enabled {
		r.intake = intake.NewService(ctx, r.cfg.Intake, r.cfg.Node.ID, r.bus, stack.Scheduler)
		if err := r.intake.Start(); err != nil {
			r.stop()
			return fmt.Errorf("failed to start job intake: %w", err)
		}
	}

	if r.bus != nil {
		r.cluster, err = cluster.NewRegistry(ctx, r.cfg.Node, r.localWorker(stack), r.bus, r.logger)
		if err != nil {
			r.stop()
			return fmt.Errorf("failed to start worker registry: %w", err)
		}
	}

	if err := r.schedulePrune(ctx, stack); err != nil {
		r.stop()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.stop()
	return nil
}

// ReloadPolicy re-reads the configured preset and swaps it in for jobs that
// start afterwards.
func (r *Runtime) ReloadPolicy() (int64, error) {
	stack := r.stack.Load()
	if stack == nil {
		return 0, ErrNotStarted
	}
	pol, err := LoadPolicy(r.cfg.Policy.PresetPath)
	if err != nil {
		return 0, err
	}
	version, err := stack.Policies.Reload(pol)
	if err != nil {
		return 0, err
	}
	r.logger.Info("policy reloaded",
		slog.Int64("version", version),
		slog.String("preset", r.cfg.Policy.PresetPath))
	return version, nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		es, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = es
		busCfg.Servers = []string{es.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.Node.ID, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) localWorker(stack *Stack) cluster.Self {
	intake := r.intake
	return cluster.Self{
		ID:             r.cfg.Node.ID,
		Backend:        r.cfg.Backend.Mode,
		MaxConcurrency: r.cfg.Scheduler.Concurrency,
		Tiers:          stack.Policies.Current().Tiers,
		Load: func() cluster.Load {
			load := cluster.Load{
				InFlight:      stack.Scheduler.InFlight(),
				PolicyVersion: stack.Policies.Current().Version,
			}
			if intake != nil {
				load.BusJobs = intake.Active()
			}
			return load
		},
	}
}

func (r *Runtime) schedulePrune(ctx context.Context, stack *Stack) error {
	spec := r.cfg.EventStore.PruneSchedule
	if spec == "" || r.cfg.EventStore.RetentionMode == "ephemeral" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := stack.Store.Prune(pruneCtx); err != nil {
			r.logger.Warn("scheduled prune failed", slog.String("error", err.Error()))
			return
		}
		r.logger.Debug("scheduled prune complete")
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// stop releases whatever Start managed to bring up, in reverse order.
func (r *Runtime) stop() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.intake != nil {
		r.intake.Close()
	}
	if r.cluster != nil {
		r.cluster.Close()
	}
	if stack := r.stack.Load(); stack != nil {
		if err := stack.Close(); err != nil {
			r.logger.Error("job store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
