package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/pkg/logger"
)

const (
	// DefaultPoolSize bounds simultaneously in-flight batches.
	DefaultPoolSize = 5
	// DefaultLookupChunkSize bounds values per existence-lookup query.
	DefaultLookupChunkSize = crm.MaxFilterValues
	// DefaultLookupPause paces consecutive existence-lookup chunks.
	DefaultLookupPause = 250 * time.Millisecond
	// DefaultWaveCooldown elapses between waves of write batches,
	// bounding the sustained request rate against the CRM.
	DefaultWaveCooldown = 2 * time.Second
)

// Options tunes an Executor. Zero values take the defaults above.
type Options struct {
	RunID           string
	BatchSize       int
	PoolSize        int
	LookupChunkSize int
	LookupPause     time.Duration
	WaveCooldown    time.Duration
	Progress        *ProgressTracker
}

// Executor drives a full sync run: a read phase that gathers remote
// existence, then a write phase of deactivations followed by CREATE and
// UPDATE batches executed in bounded waves.
type Executor struct {
	store RemoteStore
	opts  Options
}

// NewExecutor builds an Executor over the given remote store.
func NewExecutor(store RemoteStore, opts Options) *Executor {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.BatchSize <= 0 || opts.BatchSize > crm.MaxBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.LookupChunkSize <= 0 || opts.LookupChunkSize > crm.MaxFilterValues {
		opts.LookupChunkSize = DefaultLookupChunkSize
	}
	if opts.LookupPause == 0 {
		opts.LookupPause = DefaultLookupPause
	}
	if opts.WaveCooldown == 0 {
		opts.WaveCooldown = DefaultWaveCooldown
	}
	return &Executor{store: store, opts: opts}
}

// RunID returns the identifier progress is published under.
func (e *Executor) RunID() string {
	return e.opts.RunID
}

// SyncCSV parses, validates, and reconciles an input stream in one call.
func (e *Executor) SyncCSV(ctx context.Context, r io.Reader) (*Summary, error) {
	parsed, err := ParseAndValidate(r)
	if err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return e.Run(ctx, parsed.Records, parsed.Skipped)
}

type writeOp int

const (
	opCreate writeOp = iota
	opUpdate
)

// Run reconciles validated records against the remote store. The read
// phase must complete in full before any write; its failure aborts the
// whole run since no categorization is possible without existence data.
// Write-phase failures are isolated per batch and surface only in the
// summary counters.
func (e *Executor) Run(ctx context.Context, records []ValidatedRecord, skipped int) (*Summary, error) {
	stats := NewStats()
	stats.AddSkippedRows(skipped)

	prog := &Progress{
		RunID:        e.opts.RunID,
		Phase:        "reading",
		TotalRecords: len(records),
		SkippedRows:  skipped,
	}
	e.opts.Progress.Update(ctx, prog)

	log.Printf("[sync] run %s: %d records (%d rows skipped)", e.opts.RunID, len(records), skipped)

	split := SplitByActivity(records)

	existing, err := e.gatherExistence(ctx, split.All)
	if err != nil {
		prog.Phase = "failed"
		e.opts.Progress.Update(ctx, prog)
		return nil, fmt.Errorf("read phase: %w", err)
	}

	// Deactivations go first: flipping a stale active flag is the
	// highest-priority correctness fix.
	prog.Phase = "deactivating"
	e.opts.Progress.Update(ctx, prog)
	e.runDeactivations(ctx, split.Inactive, stats)

	categorized := Categorize(split.All, existing)
	createBatches := PlanBatches(categorized.Create, e.opts.BatchSize)
	updateBatches := PlanBatches(categorized.Update, e.opts.BatchSize)

	log.Printf("[sync] run %s: %d create / %d update records in %d + %d batches",
		e.opts.RunID, len(categorized.Create), len(categorized.Update),
		len(createBatches), len(updateBatches))

	prog.Phase = "writing"
	prog.BatchesTotal = len(createBatches) + len(updateBatches)
	e.opts.Progress.Update(ctx, prog)

	e.executeBatches(ctx, createBatches, opCreate, stats, prog)
	e.executeBatches(ctx, updateBatches, opUpdate, stats, prog)

	summary := stats.Snapshot()

	prog.Phase = "completed"
	prog.BatchesProcessed = summary.BatchesProcessed
	prog.Errors = summary.Errors
	e.opts.Progress.Update(ctx, prog)

	log.Printf("[sync] run %s completed: %d created, %d updated, %d deactivated, %d contacts, %d associations, %d errors in %.2fs",
		e.opts.RunID, summary.AccountsCreated, summary.AccountsUpdated,
		summary.AccountsDeactivated, summary.ContactsCreated,
		summary.AssociationsCreated, summary.Errors, summary.DurationSeconds)

	return &summary, nil
}

// gatherExistence is the read phase: the distinct business ids and
// emails of all records, looked up in chunks with a pacing delay, paged
// by the client. Any failure here aborts the run.
func (e *Executor) gatherExistence(ctx context.Context, records []ValidatedRecord) (ExistenceSets, error) {
	ids := make([]string, 0, len(records))
	emails := make([]string, 0, len(records))
	seenID := make(map[string]struct{}, len(records))
	seenEmail := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, ok := seenID[rec.UserID]; !ok {
			seenID[rec.UserID] = struct{}{}
			ids = append(ids, rec.UserID)
		}
		if _, ok := seenEmail[rec.Email]; !ok {
			seenEmail[rec.Email] = struct{}{}
			emails = append(emails, rec.Email)
		}
	}

	sets := ExistenceSets{
		AccountIDs:    make(map[string]struct{}),
		ContactEmails: make(map[string]struct{}),
	}

	idChunks := chunkStrings(ids, e.opts.LookupChunkSize)
	for i, chunk := range idChunks {
		results, err := e.store.SearchAccounts(ctx, chunk)
		if err != nil {
			return ExistenceSets{}, fmt.Errorf("account existence query: %w", err)
		}
		for _, res := range results {
			if id := res.Properties["user_id"]; id != "" {
				sets.AccountIDs[id] = struct{}{}
			}
		}
		if i < len(idChunks)-1 {
			sleepCtx(ctx, e.opts.LookupPause)
		}
	}

	emailChunks := chunkStrings(emails, e.opts.LookupChunkSize)
	for i, chunk := range emailChunks {
		results, err := e.store.SearchContacts(ctx, chunk)
		if err != nil {
			return ExistenceSets{}, fmt.Errorf("contact existence query: %w", err)
		}
		for _, res := range results {
			if email := res.Properties["email"]; email != "" {
				sets.ContactEmails[email] = struct{}{}
			}
		}
		if i < len(emailChunks)-1 {
			sleepCtx(ctx, e.opts.LookupPause)
		}
	}

	log.Printf("[sync] run %s: existence gathered, %d/%d accounts and %d/%d contacts already remote",
		e.opts.RunID, len(sets.AccountIDs), len(ids), len(sets.ContactEmails), len(emails))

	return sets, nil
}

// runDeactivations emits writes for accounts inactive locally but still
// active remotely. Failures here are isolated like any other write
// failure; the rest of the run proceeds.
func (e *Executor) runDeactivations(ctx context.Context, inactive []ValidatedRecord, stats *Stats) {
	candidates := DeactivationCandidates(inactive)
	if len(candidates) == 0 {
		return
	}

	ids := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, rec := range inactive {
		if _, ok := seen[rec.UserID]; ok {
			continue
		}
		seen[rec.UserID] = struct{}{}
		ids = append(ids, rec.UserID)
	}

	var remoteActive []string
	idChunks := chunkStrings(ids, e.opts.LookupChunkSize)
	for i, chunk := range idChunks {
		results, err := e.store.SearchActiveAccounts(ctx, chunk)
		if err != nil {
			stats.AddErrors(1)
			logger.Error("active-account query failed", "run_id", e.opts.RunID, "error", err.Error())
			continue
		}
		for _, res := range results {
			if id := res.Properties["user_id"]; id != "" {
				remoteActive = append(remoteActive, id)
			}
		}
		if i < len(idChunks)-1 {
			sleepCtx(ctx, e.opts.LookupPause)
		}
	}

	selected := SelectDeactivations(candidates, remoteActive)
	if len(selected) == 0 {
		return
	}

	log.Printf("[sync] run %s: deactivating %d accounts", e.opts.RunID, len(selected))

	for start := 0; start < len(selected); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(selected) {
			end = len(selected)
		}
		payloads := make([]crm.AccountPayload, 0, end-start)
		for _, cand := range selected[start:end] {
			payloads = append(payloads, cand.Payload)
		}

		results, err := e.store.BatchUpdateAccounts(ctx, payloads)
		if err != nil {
			stats.AddErrors(1)
			logger.Error("deactivation batch failed", "run_id", e.opts.RunID, "error", err.Error())
			continue
		}
		stats.AddAccountsDeactivated(len(results))
	}
}

// executeBatches runs batches in waves of up to the pool size, with a
// fixed cooldown between waves. Batches within a wave complete in any
// order; the wave join is the only synchronization point.
func (e *Executor) executeBatches(ctx context.Context, batches []Batch, op writeOp, stats *Stats, prog *Progress) {
	for start := 0; start < len(batches); start += e.opts.PoolSize {
		end := start + e.opts.PoolSize
		if end > len(batches) {
			end = len(batches)
		}

		var wg sync.WaitGroup
		for _, batch := range batches[start:end] {
			wg.Add(1)
			go func(b Batch) {
				defer wg.Done()
				e.processBatch(ctx, b, op, stats)
			}(batch)
		}
		wg.Wait()

		if prog != nil {
			snap := stats.Snapshot()
			prog.BatchesProcessed = snap.BatchesProcessed
			prog.Errors = snap.Errors
			e.opts.Progress.Update(ctx, prog)
		}

		if end < len(batches) {
			sleepCtx(ctx, e.opts.WaveCooldown)
		}
	}
}

// processBatch submits one batch's account and contact bulk writes
// concurrently, joins them, then resolves associations. A failure of
// either sub-write marks the whole batch failed; sibling batches are
// unaffected.
func (e *Executor) processBatch(ctx context.Context, batch Batch, op writeOp, stats *Stats) {
	defer stats.AddBatchesProcessed(1)

	var (
		accountResults []crm.ObjectResult
		contactResults []crm.ObjectResult
		accountErr     error
		contactErr     error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if len(batch.Accounts) == 0 {
			return
		}
		if op == opCreate {
			accountResults, accountErr = e.store.BatchCreateAccounts(ctx, batch.Accounts)
		} else {
			accountResults, accountErr = e.store.BatchUpdateAccounts(ctx, batch.Accounts)
		}
	}()
	go func() {
		defer wg.Done()
		if len(batch.Contacts) == 0 {
			return
		}
		contactResults, contactErr = e.store.BatchCreateContacts(ctx, batch.Contacts)
	}()
	wg.Wait()

	if accountErr != nil || contactErr != nil {
		stats.AddErrors(1)
		logger.Error("batch failed",
			"run_id", e.opts.RunID,
			"batch", batch.Index,
			"of", batch.Total,
			"account_error", errString(accountErr),
			"contact_error", errString(contactErr))
		return
	}

	switch op {
	case opCreate:
		stats.AddAccountsCreated(len(accountResults))
		stats.AddContactsCreated(len(contactResults))
	case opUpdate:
		stats.AddAccountsUpdated(len(accountResults))
	}

	created := resolveAssociations(ctx, e.store, batch, accountResults, contactResults)
	stats.AddAssociationsCreated(created)
}

func chunkStrings(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
