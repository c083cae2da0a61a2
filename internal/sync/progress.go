package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// progressTTL keeps finished-run progress around long enough for a
// caller to poll the result.
const progressTTL = 24 * time.Hour

// Progress is a point-in-time view of a running sync, published after
// every phase change and batch completion.
type Progress struct {
	RunID            string    `json:"run_id"`
	Phase            string    `json:"phase"` // reading, deactivating, writing, completed, failed
	TotalRecords     int       `json:"total_records"`
	SkippedRows      int       `json:"skipped_rows"`
	BatchesTotal     int       `json:"batches_total"`
	BatchesProcessed int64     `json:"batches_processed"`
	Errors           int64     `json:"errors"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProgressTracker publishes run progress to Redis so the HTTP surface
// can report on in-flight syncs. All methods are safe on a nil tracker;
// the engine runs fine without Redis.
type ProgressTracker struct {
	redis *redis.Client
}

// NewProgressTracker wraps a Redis client. A nil client yields a tracker
// whose updates are no-ops.
func NewProgressTracker(client *redis.Client) *ProgressTracker {
	if client == nil {
		return nil
	}
	return &ProgressTracker{redis: client}
}

// Update stores the current progress snapshot. Failures are swallowed:
// progress reporting must never affect the run itself.
func (p *ProgressTracker) Update(ctx context.Context, prog *Progress) {
	if p == nil || p.redis == nil {
		return
	}
	prog.UpdatedAt = time.Now()
	data, err := json.Marshal(prog)
	if err != nil {
		return
	}
	p.redis.Set(ctx, progressKey(prog.RunID), data, progressTTL)
}

// Get retrieves the latest progress snapshot for a run.
func (p *ProgressTracker) Get(ctx context.Context, runID string) (*Progress, error) {
	if p == nil || p.redis == nil {
		return nil, fmt.Errorf("progress tracking disabled")
	}
	data, err := p.redis.Get(ctx, progressKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no progress for run %s", runID)
	}
	if err != nil {
		return nil, err
	}

	var prog Progress
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, err
	}
	return &prog, nil
}

func progressKey(runID string) string {
	return fmt.Sprintf("crmsync:progress:%s", runID)
}
