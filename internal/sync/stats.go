package sync

import (
	"sync/atomic"
	"time"
)

// Stats accumulates counters across all concurrently executing batches.
// It is the only state mutated from multiple goroutines during a run;
// every field is an atomic so increments commute regardless of batch
// completion order.
type Stats struct {
	accountsCreated     int64
	accountsUpdated     int64
	accountsDeactivated int64
	contactsCreated     int64
	associationsCreated int64
	batchesProcessed    int64
	errors              int64
	skippedRows         int64

	startedAt time.Time
}

// NewStats starts a run's accumulator; elapsed time counts from here.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) AddAccountsCreated(n int)     { atomic.AddInt64(&s.accountsCreated, int64(n)) }
func (s *Stats) AddAccountsUpdated(n int)     { atomic.AddInt64(&s.accountsUpdated, int64(n)) }
func (s *Stats) AddAccountsDeactivated(n int) { atomic.AddInt64(&s.accountsDeactivated, int64(n)) }
func (s *Stats) AddContactsCreated(n int)     { atomic.AddInt64(&s.contactsCreated, int64(n)) }
func (s *Stats) AddAssociationsCreated(n int) { atomic.AddInt64(&s.associationsCreated, int64(n)) }
func (s *Stats) AddBatchesProcessed(n int)    { atomic.AddInt64(&s.batchesProcessed, int64(n)) }
func (s *Stats) AddErrors(n int)              { atomic.AddInt64(&s.errors, int64(n)) }
func (s *Stats) AddSkippedRows(n int)         { atomic.AddInt64(&s.skippedRows, int64(n)) }

// Summary is the immutable end-of-run snapshot exposed to callers.
type Summary struct {
	AccountsCreated     int64     `json:"accounts_created"`
	AccountsUpdated     int64     `json:"accounts_updated"`
	AccountsDeactivated int64     `json:"accounts_deactivated"`
	ContactsCreated     int64     `json:"contacts_created"`
	AssociationsCreated int64     `json:"associations_created"`
	BatchesProcessed    int64     `json:"batches_processed"`
	Errors              int64     `json:"errors"`
	SkippedRows         int64     `json:"skipped_rows"`
	DurationSeconds     float64   `json:"duration_seconds"`
	CompletedAt         time.Time `json:"completed_at"`
}

// Snapshot freezes the current counters into a Summary. Called once at
// run end, after every batch has joined.
func (s *Stats) Snapshot() Summary {
	now := time.Now()
	return Summary{
		AccountsCreated:     atomic.LoadInt64(&s.accountsCreated),
		AccountsUpdated:     atomic.LoadInt64(&s.accountsUpdated),
		AccountsDeactivated: atomic.LoadInt64(&s.accountsDeactivated),
		ContactsCreated:     atomic.LoadInt64(&s.contactsCreated),
		AssociationsCreated: atomic.LoadInt64(&s.associationsCreated),
		BatchesProcessed:    atomic.LoadInt64(&s.batchesProcessed),
		Errors:              atomic.LoadInt64(&s.errors),
		SkippedRows:         atomic.LoadInt64(&s.skippedRows),
		DurationSeconds:     now.Sub(s.startedAt).Seconds(),
		CompletedAt:         now,
	}
}
