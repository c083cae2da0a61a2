package crm

import "strconv"

// Config holds CRM API connection settings.
type Config struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	TimeoutSeconds int
}

// AccountPayload is the projection of one subscription record onto the
// CRM Account object. UserID is the natural key; the CRM assigns its own
// opaque identifier on creation.
type AccountPayload struct {
	UserID              string `json:"user_id"`
	AccountType         string `json:"account_type"`
	ActiveSubscription  bool   `json:"active_subscription"`
	WeeklySubCount      int    `json:"weekly_sub_count"`
	MonthlySubCount     int    `json:"monthly_sub_count"`
	DailySubCount       int    `json:"daily_sub_count"`
	EverHadSubscription bool   `json:"ever_had_subscription"`
}

// Properties returns the CRM wire representation of the payload.
// The CRM stores all property values as strings.
func (p AccountPayload) Properties() map[string]string {
	return map[string]string{
		"user_id":               p.UserID,
		"account_type":          p.AccountType,
		"active_subscription":   strconv.FormatBool(p.ActiveSubscription),
		"weekly_sub_count":      strconv.Itoa(p.WeeklySubCount),
		"monthly_sub_count":     strconv.Itoa(p.MonthlySubCount),
		"daily_sub_count":       strconv.Itoa(p.DailySubCount),
		"ever_had_subscription": strconv.FormatBool(p.EverHadSubscription),
	}
}

// ContactPayload is the projection of one record onto the CRM Contact
// object. Email is the natural key; names and other source columns are
// not synced.
type ContactPayload struct {
	Email    string `json:"email"`
	UserType string `json:"user_type"`
}

// Properties returns the CRM wire representation of the payload.
func (p ContactPayload) Properties() map[string]string {
	return map[string]string{
		"email":     p.Email,
		"user_type": p.UserType,
	}
}

// ObjectResult is one CRM object as returned by search and batch write
// calls: the remote identifier plus the requested property values.
type ObjectResult struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// SearchFilter restricts a search to objects whose property matches the
// operator. The IN operator accepts up to MaxFilterValues values.
type SearchFilter struct {
	Property string   `json:"property"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
	Value    string   `json:"value,omitempty"`
}

// Filter operators supported by the CRM search API.
const (
	OperatorIn = "IN"
	OperatorEq = "EQ"
)

type searchRequest struct {
	Filters    []SearchFilter `json:"filters"`
	Properties []string       `json:"properties"`
	Limit      int            `json:"limit"`
	After      string         `json:"after,omitempty"`
}

type searchResponse struct {
	Total   int            `json:"total"`
	Results []ObjectResult `json:"results"`
	Paging  *paging        `json:"paging,omitempty"`
}

type paging struct {
	Next *pageCursor `json:"next,omitempty"`
}

type pageCursor struct {
	After string `json:"after"`
}

type batchInput struct {
	Properties map[string]string `json:"properties"`
}

type batchRequest struct {
	Inputs []batchInput `json:"inputs"`
}

type batchResponse struct {
	Status  string         `json:"status"`
	Results []ObjectResult `json:"results"`
}
