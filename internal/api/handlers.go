package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/pkg/distlock"
	"github.com/ignite/crm-sync/internal/pkg/httputil"
	"github.com/ignite/crm-sync/internal/pkg/logger"
	"github.com/ignite/crm-sync/internal/repository/postgres"
	"github.com/ignite/crm-sync/internal/storage"
	syncer "github.com/ignite/crm-sync/internal/sync"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg      *config.Config
	store    syncer.RemoteStore
	runLog   *postgres.RunLogRepo
	progress *syncer.ProgressTracker
	source   *storage.S3Source
	newLock  func() distlock.DistLock
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg *config.Config, store syncer.RemoteStore) *Handlers {
	return &Handlers{cfg: cfg, store: store}
}

// SetRunLog sets the run log repository
func (h *Handlers) SetRunLog(repo *postgres.RunLogRepo) {
	h.runLog = repo
}

// SetProgressTracker sets the Redis progress tracker
func (h *Handlers) SetProgressTracker(tracker *syncer.ProgressTracker) {
	h.progress = tracker
}

// SetS3Source sets the export input source
func (h *Handlers) SetS3Source(source *storage.S3Source) {
	h.source = source
}

// SetRunLockFactory installs a distributed-lock factory. When set, only
// one sync run may execute at a time across all hosts.
func (h *Handlers) SetRunLockFactory(factory func() distlock.DistLock) {
	h.newLock = factory
}

// Health check

// HealthCheck returns the health status of the API
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

type syncRequest struct {
	S3Key string `json:"s3_key"`
}

// TriggerSync starts a sync run. Input is either a multipart upload
// under the "file" field or a JSON body naming an S3 export key. The
// run executes in the background; poll GET /api/sync/runs/{id} for the
// outcome. Pass ?wait=true to block until the run finishes.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	input, source, err := h.resolveInput(w, r)
	if err != nil {
		if !errors.Is(err, errResponded) {
			httputil.BadRequest(w, err.Error())
		}
		return
	}

	var lock distlock.DistLock
	if h.newLock != nil {
		lock = h.newLock()
		acquired, err := lock.Acquire(r.Context())
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !acquired {
			httputil.Conflict(w, "a sync run is already in progress")
			return
		}
	}

	runID := uuid.New().String()
	if err := h.runLog.Start(r.Context(), runID, source); err != nil {
		logger.Error("run log start failed", "run_id", runID, "error", err.Error())
	}

	exec := syncer.NewExecutor(h.store, syncer.Options{
		RunID:           runID,
		BatchSize:       h.cfg.Sync.BatchSize,
		PoolSize:        h.cfg.Sync.PoolSize,
		LookupChunkSize: h.cfg.Sync.LookupChunkSize,
		LookupPause:     h.cfg.Sync.LookupPause(),
		WaveCooldown:    h.cfg.Sync.WaveCooldown(),
		Progress:        h.progress,
	})

	if r.URL.Query().Get("wait") == "true" {
		summary := h.runSync(r.Context(), exec, runID, input, lock)
		if summary == nil {
			httputil.Error(w, http.StatusBadGateway, "sync run failed")
			return
		}
		httputil.OK(w, map[string]interface{}{
			"run_id":  runID,
			"status":  "completed",
			"summary": summary,
		})
		return
	}

	go h.runSync(context.Background(), exec, runID, input, lock)

	httputil.Accepted(w, map[string]string{
		"run_id": runID,
		"status": "running",
	})
}

// errResponded marks failures where the handler already wrote a
// response.
var errResponded = errors.New("response already written")

// resolveInput extracts the CSV payload from the request. Uploads are
// buffered in full so background runs outlive the request body.
func (h *Handlers) resolveInput(w http.ResponseWriter, r *http.Request) (io.Reader, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New("missing upload field 'file'")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", errors.New("failed to read upload")
		}
		return bytes.NewReader(data), "upload:" + header.Filename, nil
	}

	var req syncRequest
	if !httputil.Decode(w, r, &req) {
		return nil, "", errResponded
	}
	if req.S3Key == "" {
		return nil, "", errors.New("s3_key is required")
	}
	if h.source == nil {
		return nil, "", errors.New("s3 input source not configured")
	}
	rc, err := h.source.Open(r.Context(), req.S3Key)
	if err != nil {
		return nil, "", errors.New("failed to open s3 object")
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", errors.New("failed to read s3 object")
	}
	return bytes.NewReader(data), "s3:" + req.S3Key, nil
}

// lockExtendInterval paces run-lock lease renewals while a run is in
// flight, well inside the lease TTL so a slow run never loses the lock.
const lockExtendInterval = 10 * time.Minute

func (h *Handlers) runSync(ctx context.Context, exec *syncer.Executor, runID string, input io.Reader, lock distlock.DistLock) *syncer.Summary {
	if lock != nil {
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warn("run lock release failed", "run_id", runID, "error", err.Error())
			}
		}()

		stopExtend := make(chan struct{})
		defer close(stopExtend)
		go func() {
			ticker := time.NewTicker(lockExtendInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := lock.Extend(ctx); err != nil {
						logger.Warn("run lock extend failed", "run_id", runID, "error", err.Error())
					}
				case <-stopExtend:
					return
				}
			}
		}()
	}

	summary, err := exec.SyncCSV(ctx, input)
	if err != nil {
		logger.Error("sync run failed", "run_id", runID, "error", err.Error())
		if logErr := h.runLog.Finish(ctx, runID, "failed", nil); logErr != nil {
			logger.Error("run log finish failed", "run_id", runID, "error", logErr.Error())
		}
		return nil
	}
	if err := h.runLog.Finish(ctx, runID, "completed", summary); err != nil {
		logger.Error("run log finish failed", "run_id", runID, "error", err.Error())
	}
	return summary
}

// GetRun returns one run's record, falling back to live progress for
// runs the log store has no row for.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := h.runLog.Get(r.Context(), runID)
	if err == nil {
		resp := map[string]interface{}{"run": run}
		if prog, progErr := h.progress.Get(r.Context(), runID); progErr == nil && prog != nil {
			resp["progress"] = prog
		}
		httputil.OK(w, resp)
		return
	}
	if !errors.Is(err, postgres.ErrRunNotFound) {
		httputil.InternalError(w, err)
		return
	}

	if prog, progErr := h.progress.Get(r.Context(), runID); progErr == nil && prog != nil {
		httputil.OK(w, map[string]interface{}{"progress": prog})
		return
	}

	httputil.NotFound(w, "run not found")
}

// ListRuns returns recent runs, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.runLog.List(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []postgres.SyncRun{}
	}
	httputil.OK(w, map[string]interface{}{"runs": runs})
}
