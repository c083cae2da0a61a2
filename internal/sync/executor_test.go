package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/crm-sync/internal/crm"
)

// memStore is an in-memory RemoteStore with injectable failures and
// call recording.
type memStore struct {
	mu sync.Mutex

	existingAccounts map[string]bool // user_id exists remotely
	existingContacts map[string]bool // email exists remotely
	remoteActive     map[string]bool // user_id currently active remotely

	searchAccountCalls [][]string
	searchContactCalls [][]string
	activeSearchCalls  [][]string

	createdAccounts []crm.AccountPayload
	updatedAccounts []crm.AccountPayload
	createdContacts []crm.ContactPayload
	associations    [][2]string

	searchErr    error
	failUserID   string // account writes containing this user_id fail
	associateErr error

	writeDelay time.Duration

	inflightBatches int32
	maxInflight     int32
}

func newMemStore() *memStore {
	return &memStore{
		existingAccounts: map[string]bool{},
		existingContacts: map[string]bool{},
		remoteActive:     map[string]bool{},
	}
}

func (m *memStore) SearchAccounts(ctx context.Context, userIDs []string) ([]crm.ObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	m.searchAccountCalls = append(m.searchAccountCalls, userIDs)
	var out []crm.ObjectResult
	for _, id := range userIDs {
		if m.existingAccounts[id] {
			out = append(out, crm.ObjectResult{
				ID:         "acct-" + id,
				Properties: map[string]string{"user_id": id},
			})
		}
	}
	return out, nil
}

func (m *memStore) SearchActiveAccounts(ctx context.Context, userIDs []string) ([]crm.ObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSearchCalls = append(m.activeSearchCalls, userIDs)
	var out []crm.ObjectResult
	for _, id := range userIDs {
		if m.remoteActive[id] {
			out = append(out, crm.ObjectResult{
				ID:         "acct-" + id,
				Properties: map[string]string{"user_id": id, "active_subscription": "true"},
			})
		}
	}
	return out, nil
}

func (m *memStore) SearchContacts(ctx context.Context, emails []string) ([]crm.ObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	m.searchContactCalls = append(m.searchContactCalls, emails)
	var out []crm.ObjectResult
	for _, email := range emails {
		if m.existingContacts[email] {
			out = append(out, crm.ObjectResult{
				ID:         "cont-" + email,
				Properties: map[string]string{"email": email},
			})
		}
	}
	return out, nil
}

func (m *memStore) trackInflight() func() {
	in := atomic.AddInt32(&m.inflightBatches, 1)
	for {
		max := atomic.LoadInt32(&m.maxInflight)
		if in <= max || atomic.CompareAndSwapInt32(&m.maxInflight, max, in) {
			break
		}
	}
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}
	return func() { atomic.AddInt32(&m.inflightBatches, -1) }
}

func (m *memStore) accountResults(payloads []crm.AccountPayload) ([]crm.ObjectResult, error) {
	out := make([]crm.ObjectResult, 0, len(payloads))
	for _, p := range payloads {
		if m.failUserID != "" && p.UserID == m.failUserID {
			return nil, errors.New("account write rejected")
		}
		out = append(out, crm.ObjectResult{
			ID:         "acct-" + p.UserID,
			Properties: map[string]string{"user_id": p.UserID},
		})
	}
	return out, nil
}

func (m *memStore) BatchCreateAccounts(ctx context.Context, payloads []crm.AccountPayload) ([]crm.ObjectResult, error) {
	done := m.trackInflight()
	defer done()
	m.mu.Lock()
	defer m.mu.Unlock()
	results, err := m.accountResults(payloads)
	if err != nil {
		return nil, err
	}
	m.createdAccounts = append(m.createdAccounts, payloads...)
	return results, nil
}

func (m *memStore) BatchUpdateAccounts(ctx context.Context, payloads []crm.AccountPayload) ([]crm.ObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results, err := m.accountResults(payloads)
	if err != nil {
		return nil, err
	}
	m.updatedAccounts = append(m.updatedAccounts, payloads...)
	return results, nil
}

func (m *memStore) BatchCreateContacts(ctx context.Context, payloads []crm.ContactPayload) ([]crm.ObjectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crm.ObjectResult, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, crm.ObjectResult{
			ID:         "cont-" + p.Email,
			Properties: map[string]string{"email": p.Email},
		})
	}
	m.createdContacts = append(m.createdContacts, payloads...)
	return out, nil
}

func (m *memStore) AssociateContactWithAccount(ctx context.Context, contactID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.associateErr != nil {
		return m.associateErr
	}
	m.associations = append(m.associations, [2]string{contactID, accountID})
	return nil
}

func fastOptions() Options {
	return Options{
		BatchSize:    100,
		PoolSize:     2,
		LookupPause:  -1,
		WaveCooldown: -1,
	}
}

func TestExecutorCreateFlow(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, fastOptions())

	records := []ValidatedRecord{
		{UserID: "U1", Email: "a@b.com", UserType: "MP", ActiveSub: true, WeeklySubCount: 1},
		{UserID: "U2", Email: "c@d.com", UserType: "WIX", ActiveSub: false},
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.AccountsCreated)
	assert.Equal(t, int64(2), summary.ContactsCreated)
	assert.Equal(t, int64(2), summary.AssociationsCreated)
	assert.Equal(t, int64(0), summary.AccountsUpdated)
	assert.Equal(t, int64(0), summary.AccountsDeactivated)
	assert.Equal(t, int64(1), summary.BatchesProcessed)
	assert.Equal(t, int64(0), summary.Errors)

	require.Len(t, store.createdAccounts, 2)
	assert.Equal(t, "MP", store.createdAccounts[0].AccountType)
	assert.True(t, store.createdAccounts[0].ActiveSubscription)
	assert.True(t, store.createdAccounts[0].EverHadSubscription)
	// WIX maps to USAMPS on both objects
	assert.Equal(t, "USAMPS", store.createdAccounts[1].AccountType)
	assert.Equal(t, "USAMPS", store.createdContacts[1].UserType)

	require.Len(t, store.associations, 2)
	assert.Equal(t, [2]string{"cont-a@b.com", "acct-U1"}, store.associations[0])
}

func TestExecutorUpdateFlow(t *testing.T) {
	store := newMemStore()
	store.existingAccounts["U1"] = true
	store.existingContacts["a@b.com"] = true
	exec := NewExecutor(store, fastOptions())

	records := []ValidatedRecord{
		{UserID: "U1", Email: "a@b.com", UserType: "MP", ActiveSub: true},
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.AccountsCreated)
	assert.Equal(t, int64(1), summary.AccountsUpdated)
	// Contact submissions on the update path dedupe remotely and are
	// not counted as creations.
	assert.Equal(t, int64(0), summary.ContactsCreated)
	assert.Equal(t, int64(1), summary.AssociationsCreated)
	assert.Empty(t, store.createdAccounts)
	require.Len(t, store.updatedAccounts, 1)
}

func TestExecutorReadPhaseFailureAborts(t *testing.T) {
	store := newMemStore()
	store.searchErr = errors.New("search unavailable")
	exec := NewExecutor(store, fastOptions())

	records := []ValidatedRecord{{UserID: "U1", Email: "a@b.com", ActiveSub: true}}

	_, err := exec.Run(context.Background(), records, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read phase")

	// No write of any kind happened.
	assert.Empty(t, store.createdAccounts)
	assert.Empty(t, store.updatedAccounts)
	assert.Empty(t, store.createdContacts)
	assert.Empty(t, store.associations)
}

func TestExecutorDeactivation(t *testing.T) {
	store := newMemStore()
	store.existingAccounts["U2"] = true
	store.existingContacts["c@d.com"] = true
	store.remoteActive["U2"] = true
	exec := NewExecutor(store, fastOptions())

	records := []ValidatedRecord{
		{UserID: "U2", Email: "c@d.com", UserType: "MP", ActiveSub: false, MonthlySubCount: 2},
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.AccountsDeactivated)
	assert.Equal(t, int64(1), summary.AccountsUpdated)

	// First update write is the deactivation, flipping the flag off
	// while keeping the provided counts.
	require.NotEmpty(t, store.updatedAccounts)
	deact := store.updatedAccounts[0]
	assert.Equal(t, "U2", deact.UserID)
	assert.False(t, deact.ActiveSubscription)
	assert.Equal(t, 2, deact.MonthlySubCount)
	assert.True(t, deact.EverHadSubscription)
}

func TestExecutorNoDeactivationWhenRemoteInactive(t *testing.T) {
	store := newMemStore()
	store.existingAccounts["U2"] = true
	store.existingContacts["c@d.com"] = true
	// U2 is already inactive remotely: nothing to fix.
	exec := NewExecutor(store, fastOptions())

	records := []ValidatedRecord{
		{UserID: "U2", Email: "c@d.com", ActiveSub: false},
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.AccountsDeactivated)
	require.Len(t, store.activeSearchCalls, 1)
}

func TestExecutorBatchFailureIsolation(t *testing.T) {
	store := newMemStore()
	store.failUserID = "BAD"
	opts := fastOptions()
	opts.BatchSize = 1
	exec := NewExecutor(store, opts)

	records := []ValidatedRecord{
		{UserID: "BAD", Email: "bad@example.com", ActiveSub: true},
		{UserID: "U2", Email: "ok@example.com", ActiveSub: true},
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Errors)
	assert.Equal(t, int64(2), summary.BatchesProcessed)
	assert.Equal(t, int64(1), summary.AccountsCreated)
	// The failed batch resolves no associations; the healthy one does.
	assert.Equal(t, int64(1), summary.AssociationsCreated)
}

func TestExecutorLookupChunking(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, fastOptions())

	records := make([]ValidatedRecord, 0, 250)
	for i := 0; i < 250; i++ {
		records = append(records, ValidatedRecord{
			UserID:    fmt.Sprintf("U%d", i),
			Email:     fmt.Sprintf("u%d@example.com", i),
			ActiveSub: true,
		})
	}

	_, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	require.Len(t, store.searchAccountCalls, 3)
	require.Len(t, store.searchContactCalls, 3)
	for _, call := range store.searchAccountCalls {
		assert.LessOrEqual(t, len(call), crm.MaxFilterValues)
	}
	assert.Len(t, store.searchAccountCalls[2], 50)
}

func TestExecutorConcurrencyBound(t *testing.T) {
	store := newMemStore()
	store.writeDelay = 5 * time.Millisecond
	opts := fastOptions()
	opts.BatchSize = 1
	opts.PoolSize = 3
	exec := NewExecutor(store, opts)

	records := make([]ValidatedRecord, 0, 12)
	for i := 0; i < 12; i++ {
		records = append(records, ValidatedRecord{
			UserID:    fmt.Sprintf("U%d", i),
			Email:     fmt.Sprintf("u%d@example.com", i),
			ActiveSub: true,
		})
	}

	summary, err := exec.Run(context.Background(), records, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(12), summary.BatchesProcessed)
	assert.LessOrEqual(t, store.maxInflight, int32(3))
	assert.GreaterOrEqual(t, store.maxInflight, int32(2))
}

func TestExecutorSyncCSV(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, fastOptions())

	input := testHeader +
		"U1,a@b.com,MP,true,1,0,0\n" +
		"U2,not-an-email,MP,true,0,0,0\n"

	summary, err := exec.SyncCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.SkippedRows)
	assert.Equal(t, int64(1), summary.AccountsCreated)
}

func TestExecutorSyncCSVMatchesRemoteEmailCaseInsensitively(t *testing.T) {
	store := newMemStore()
	store.existingAccounts["U1"] = true
	store.existingContacts["a@b.com"] = true
	exec := NewExecutor(store, fastOptions())

	// The CRM stores emails lowercased; a mixed-case input must still
	// classify as an update of the existing pair.
	input := testHeader + "U1,A@B.com,MP,true,1,0,0\n"

	summary, err := exec.SyncCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.AccountsCreated)
	assert.Equal(t, int64(1), summary.AccountsUpdated)
}

func TestExecutorEmptyRun(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, fastOptions())

	summary, err := exec.Run(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.SkippedRows)
	assert.Equal(t, int64(0), summary.BatchesProcessed)
	assert.Empty(t, store.searchAccountCalls)
}

func TestExecutorRunIDGenerated(t *testing.T) {
	exec := NewExecutor(newMemStore(), Options{})
	assert.NotEmpty(t, exec.RunID())
}
