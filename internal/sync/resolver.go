package sync

import (
	"context"

	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/pkg/logger"
)

// resolveAssociations links the Contacts and Accounts a batch just
// wrote. Lookup maps are built only from the identifiers the write calls
// returned, never from a fresh query, so a pair resolves only when
// both of its sides went through this batch. Pairs missing a side are
// skipped with a warning; a per-pair create failure is logged and
// excluded from the success count but never aborts the remaining pairs.
// Returns the number of associations created.
func resolveAssociations(ctx context.Context, store RemoteStore, batch Batch, accountResults, contactResults []crm.ObjectResult) int {
	if len(batch.Associations) == 0 {
		return 0
	}

	accountIDs := remoteIDsByProperty(accountResults, "user_id")
	contactIDs := remoteIDsByProperty(contactResults, "email")

	created := 0
	for _, pair := range batch.Associations {
		accountID, okAccount := accountIDs[pair.UserID]
		contactID, okContact := contactIDs[pair.Email]
		if !okAccount || !okContact {
			logger.Warn("association skipped, unresolved side",
				"user_id", pair.UserID,
				"email", pair.Email,
				"have_account", okAccount,
				"have_contact", okContact,
				"batch", batch.Index)
			continue
		}

		if err := store.AssociateContactWithAccount(ctx, contactID, accountID); err != nil {
			logger.Warn("association create failed",
				"user_id", pair.UserID,
				"email", pair.Email,
				"batch", batch.Index,
				"error", err.Error())
			continue
		}
		created++
	}

	return created
}

// remoteIDsByProperty indexes write results by a business-key property.
// Results without the property (or without a remote id) are unusable for
// association and are dropped here.
func remoteIDsByProperty(results []crm.ObjectResult, property string) map[string]string {
	ids := make(map[string]string, len(results))
	for _, res := range results {
		key := res.Properties[property]
		if key == "" || res.ID == "" {
			continue
		}
		ids[key] = res.ID
	}
	return ids
}
