package sync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBatches(t *testing.T) {
	records := make([]ValidatedRecord, 0, 250)
	for i := 0; i < 250; i++ {
		records = append(records, rec(fmt.Sprintf("U%d", i), fmt.Sprintf("u%d@example.com", i), true))
	}

	batches := PlanBatches(records, 100)
	require.Len(t, batches, 3)

	assert.Equal(t, 1, batches[0].Index)
	assert.Equal(t, 3, batches[0].Total)
	assert.Equal(t, 3, batches[2].Index)

	assert.Len(t, batches[0].Accounts, 100)
	assert.Len(t, batches[0].Contacts, 100)
	assert.Len(t, batches[0].Associations, 100)
	assert.Len(t, batches[2].Accounts, 50)

	// Association pairs reference records inside their own batch.
	assert.Equal(t, batches[1].Accounts[0].UserID, batches[1].Associations[0].UserID)
	assert.Equal(t, batches[1].Contacts[0].Email, batches[1].Associations[0].Email)
}

func TestPlanBatchesEmpty(t *testing.T) {
	assert.Nil(t, PlanBatches(nil, 100))
}

func TestPlanBatchesSizeClamped(t *testing.T) {
	records := []ValidatedRecord{rec("U1", "a@b.com", true)}

	for _, size := range []int{0, -5, 1000} {
		batches := PlanBatches(records, size)
		require.Len(t, batches, 1, "size %d", size)
	}
}

func TestPlanBatchesPayloadProjection(t *testing.T) {
	records := []ValidatedRecord{{
		UserID:          "U1",
		Email:           "a@b.com",
		UserType:        "WIX",
		ActiveSub:       true,
		WeeklySubCount:  1,
		MonthlySubCount: 2,
		DailySubCount:   3,
	}}

	batches := PlanBatches(records, 100)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Accounts, 1)
	require.Len(t, batches[0].Contacts, 1)

	acct := batches[0].Accounts[0]
	assert.Equal(t, "U1", acct.UserID)
	assert.Equal(t, "USAMPS", acct.AccountType)
	assert.True(t, acct.ActiveSubscription)
	assert.Equal(t, 1, acct.WeeklySubCount)
	assert.Equal(t, 2, acct.MonthlySubCount)
	assert.Equal(t, 3, acct.DailySubCount)
	assert.True(t, acct.EverHadSubscription)

	contact := batches[0].Contacts[0]
	assert.Equal(t, "a@b.com", contact.Email)
	assert.Equal(t, "USAMPS", contact.UserType)
}
