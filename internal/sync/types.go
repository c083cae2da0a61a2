// Package sync implements the subscription reconciliation engine: it
// validates tabular subscription records, decides which remote CRM state
// must change, batches the resulting work, executes it under bounded
// concurrency, and links the Account and Contact records it touched.
package sync

import (
	"context"
	"strings"

	"github.com/ignite/crm-sync/internal/crm"
)

// Row is one parsed input line: normalized column name → cleaned value.
// Rows are ephemeral; they exist only between parsing and validation.
type Row map[string]string

// ValidatedRecord is a row known to carry a non-blank user_id and a
// syntactically valid email. Every ValidatedRecord projects
// deterministically onto an AccountPayload and/or a ContactPayload.
type ValidatedRecord struct {
	UserID          string
	Email           string
	UserType        string
	ActiveSub       bool
	WeeklySubCount  int
	MonthlySubCount int
	DailySubCount   int
}

// EverHadSubscription reports whether the record shows any subscription
// history: currently active, or a positive count in any window.
func (r ValidatedRecord) EverHadSubscription() bool {
	return r.ActiveSub || r.WeeklySubCount > 0 || r.MonthlySubCount > 0 || r.DailySubCount > 0
}

// accountTypeMap is the closed source→CRM enumeration mapping for
// user_type. Values not in the table pass through unchanged.
var accountTypeMap = map[string]string{
	"MP":  "MP",
	"WIX": "USAMPS",
}

// MapAccountType translates a source user_type value to its CRM
// account-type value.
func MapAccountType(userType string) string {
	if mapped, ok := accountTypeMap[strings.TrimSpace(userType)]; ok {
		return mapped
	}
	return userType
}

// AssociationPair is a candidate Contact→Account link, keyed by the
// business identifiers. It becomes a remote write only once both sides
// have resolved remote identifiers.
type AssociationPair struct {
	UserID string
	Email  string
}

// ExistenceSets holds the remote state gathered by the read phase:
// which account business ids and which contact emails already exist.
// Populated once per run before any write, then read-only.
type ExistenceSets struct {
	AccountIDs    map[string]struct{}
	ContactEmails map[string]struct{}
}

// HasAccount reports whether the account business id exists remotely.
func (e ExistenceSets) HasAccount(userID string) bool {
	_, ok := e.AccountIDs[userID]
	return ok
}

// HasContact reports whether the contact email exists remotely.
func (e ExistenceSets) HasContact(email string) bool {
	_, ok := e.ContactEmails[email]
	return ok
}

// DeactivationCandidate is a locally inactive record that may need a
// remote deactivation write: the business id plus the account payload
// (active flag false, subscription counts as provided) to reset it to.
type DeactivationCandidate struct {
	UserID  string
	Payload crm.AccountPayload
}

// Batch is one planned unit of bulk work: aligned account, contact, and
// association sub-lists plus position metadata for progress reporting.
// Batches are immutable once planned and consumed exactly once.
type Batch struct {
	Index        int
	Total        int
	Accounts     []crm.AccountPayload
	Contacts     []crm.ContactPayload
	Associations []AssociationPair
}

// RemoteStore is the slice of the CRM API the engine consumes.
// *crm.Client satisfies it; tests substitute fakes.
type RemoteStore interface {
	SearchAccounts(ctx context.Context, userIDs []string) ([]crm.ObjectResult, error)
	SearchActiveAccounts(ctx context.Context, userIDs []string) ([]crm.ObjectResult, error)
	SearchContacts(ctx context.Context, emails []string) ([]crm.ObjectResult, error)
	BatchCreateAccounts(ctx context.Context, payloads []crm.AccountPayload) ([]crm.ObjectResult, error)
	BatchUpdateAccounts(ctx context.Context, payloads []crm.AccountPayload) ([]crm.ObjectResult, error)
	BatchCreateContacts(ctx context.Context, payloads []crm.ContactPayload) ([]crm.ObjectResult, error)
	AssociateContactWithAccount(ctx context.Context, contactID, accountID string) error
}
