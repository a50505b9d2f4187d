package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/cluster"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/orchestrator"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
)

const maxRequestBytes = 1 << 20

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("POST /v1/jobs", r.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", r.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleGetJob)
	mux.HandleFunc("GET /v1/cache/stats", r.handleCacheStats)
	mux.HandleFunc("GET /v1/policy", r.handleGetPolicy)
	mux.HandleFunc("POST /v1/policy/reload", r.handleReloadPolicy)
	mux.HandleFunc("GET /v1/workers", r.handleWorkers)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.dependenciesHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesHealthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.intake != nil && !r.intake.Healthy() {
		return false
	}
	if r.cluster != nil && !r.cluster.Healthy() {
		return false
	}
	return true
}

// handleSubmitJob runs a job synchronously and answers with its full result.
// The body is the result JSON on every status.
func (r *Runtime) handleSubmitJob(w http.ResponseWriter, req *http.Request) {
	stack := r.stack.Load()
	if stack == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}
	var body protocol.JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.AudioPath) == "" {
		writeError(w, http.StatusBadRequest, "audio_path is required")
		return
	}

	res, err := stack.Scheduler.Run(req.Context(), body.Job())
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrJobAborted):
		status = http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrJobFailed):
		status = http.StatusBadGateway
	default:
		status = http.StatusServiceUnavailable
	}
	if err != nil {
		r.logger.Warn("http job ended with error", slog.String("job_id", res.JobID), slog.String("error", err.Error()))
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	writeJSON(w, status, res)
}

func (r *Runtime) handleGetJob(w http.ResponseWriter, req *http.Request) {
	stack := r.stack.Load()
	if stack == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}
	res, err := stack.Store.GetJob(req.Context(), req.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Runtime) handleListJobs(w http.ResponseWriter, req *http.Request) {
	stack := r.stack.Load()
	if stack == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := stack.Store.ListJobs(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []eventstore.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Runtime) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stack := r.stack.Load()
	if stack == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}
	writeJSON(w, http.StatusOK, stack.Cache.Stats())
}

func (r *Runtime) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	stack := r.stack.Load()
	if stack == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not ready")
		return
	}
	writeJSON(w, http.StatusOK, stack.Policies.Current())
}

func (r *Runtime) handleReloadPolicy(w http.ResponseWriter, _ *http.Request) {
	version, err := r.ReloadPolicy()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"version": version})
}

// handleWorkers lists the workers seen on the bus. ?tier= and ?healthy=true
// narrow the list.
func (r *Runtime) handleWorkers(w http.ResponseWriter, req *http.Request) {
	if r.cluster == nil {
		writeJSON(w, http.StatusOK, []cluster.Worker{})
		return
	}
	tier := req.URL.Query().Get("tier")
	healthyOnly := req.URL.Query().Get("healthy") == "true"
	workers := r.cluster.Workers(func(wk cluster.Worker) bool {
		if healthyOnly && !wk.Healthy {
			return false
		}
		return tier == "" || cluster.WithTier(tier)(wk)
	})
	if workers == nil {
		workers = []cluster.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
