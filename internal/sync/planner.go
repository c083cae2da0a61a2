package sync

import "github.com/ignite/crm-sync/internal/crm"

// DefaultBatchSize matches the CRM bulk-operation input limit.
const DefaultBatchSize = crm.MaxBatchSize

// PlanBatches splits records into fixed-size batches and projects each
// chunk into its account, contact, and association sub-lists. A record
// missing the field one projection requires is dropped from that
// projection only; association pairs come solely from records that
// produced both payloads, so a batch never references a record outside
// itself.
func PlanBatches(records []ValidatedRecord, size int) []Batch {
	if size <= 0 || size > crm.MaxBatchSize {
		size = DefaultBatchSize
	}
	if len(records) == 0 {
		return nil
	}

	total := (len(records) + size - 1) / size
	batches := make([]Batch, 0, total)

	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}

		batch := Batch{
			Index: len(batches) + 1,
			Total: total,
		}
		for _, rec := range records[start:end] {
			account, hasAccount := accountPayload(rec)
			contact, hasContact := contactPayload(rec)
			if hasAccount {
				batch.Accounts = append(batch.Accounts, account)
			}
			if hasContact {
				batch.Contacts = append(batch.Contacts, contact)
			}
			if hasAccount && hasContact {
				batch.Associations = append(batch.Associations, AssociationPair{
					UserID: rec.UserID,
					Email:  rec.Email,
				})
			}
		}
		batches = append(batches, batch)
	}

	return batches
}

// accountPayload projects a record onto the Account object. Requires a
// business id.
func accountPayload(rec ValidatedRecord) (crm.AccountPayload, bool) {
	if rec.UserID == "" {
		return crm.AccountPayload{}, false
	}
	return crm.AccountPayload{
		UserID:              rec.UserID,
		AccountType:         MapAccountType(rec.UserType),
		ActiveSubscription:  rec.ActiveSub,
		WeeklySubCount:      rec.WeeklySubCount,
		MonthlySubCount:     rec.MonthlySubCount,
		DailySubCount:       rec.DailySubCount,
		EverHadSubscription: rec.EverHadSubscription(),
	}, true
}

// contactPayload projects a record onto the Contact object. Requires an
// email.
func contactPayload(rec ValidatedRecord) (crm.ContactPayload, bool) {
	if rec.Email == "" {
		return crm.ContactPayload{}, false
	}
	return crm.ContactPayload{
		Email:    rec.Email,
		UserType: MapAccountType(rec.UserType),
	}, true
}
