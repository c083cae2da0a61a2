// Package crm is the client for the remote CRM's object API. It covers
// only what the sync engine needs: filtered searches over Accounts and
// Contacts, bulk create/update, and single-pair associations.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/crm-sync/internal/pkg/httpretry"
)

const (
	// MaxBatchSize is the CRM's bulk-operation input limit.
	MaxBatchSize = 100
	// MaxFilterValues is the CRM's limit on values in one IN filter.
	MaxFilterValues = 100

	searchPageLimit = 100
)

// ErrAuthExpired marks a call rejected for an expired or invalid
// credential. The caller gets exactly one refresh-and-retry.
var ErrAuthExpired = errors.New("credential expired or invalid")

// Client is the CRM API client.
type Client struct {
	baseURL    string
	creds      *Credentials
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new CRM API client.
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if cfg.TimeoutSeconds == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		creds:   NewCredentials(cfg),
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Credentials exposes the credential store, mainly for tests that need
// to seed an access token.
func (c *Client) Credentials() *Credentials {
	return c.creds
}

// doRequest performs one authenticated request against the CRM API.
// A 401 response maps to ErrAuthExpired so callers can refresh.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token, _ := c.creds.AccessToken()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// withAuthRetry runs a call and, on an expired credential, refreshes the
// token exactly once and retries the same call. A second auth failure is
// a hard failure for that call; we never recurse further.
func (c *Client) withAuthRetry(ctx context.Context, call func() ([]byte, error)) ([]byte, error) {
	_, gen := c.creds.AccessToken()

	body, err := call()
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return body, err
	}

	if rerr := c.creds.Refresh(ctx, gen); rerr != nil {
		return nil, fmt.Errorf("auth retry aborted: %w", rerr)
	}

	return call()
}

// searchObjects pages through all results of one filtered search.
func (c *Client) searchObjects(ctx context.Context, endpoint string, filters []SearchFilter, properties []string) ([]ObjectResult, error) {
	var all []ObjectResult
	after := ""

	for {
		req := searchRequest{
			Filters:    filters,
			Properties: properties,
			Limit:      searchPageLimit,
			After:      after,
		}

		respBody, err := c.withAuthRetry(ctx, func() ([]byte, error) {
			return c.doRequest(ctx, http.MethodPost, endpoint, req)
		})
		if err != nil {
			return nil, err
		}

		var page searchResponse
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("failed to parse search response: %w", err)
		}

		all = append(all, page.Results...)

		if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
			return all, nil
		}
		after = page.Paging.Next.After
	}
}

// SearchAccounts returns the existing Accounts whose user_id is in the
// given set. The caller is responsible for chunking userIDs to
// MaxFilterValues; this call pages through all matches of one chunk.
func (c *Client) SearchAccounts(ctx context.Context, userIDs []string) ([]ObjectResult, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if len(userIDs) > MaxFilterValues {
		return nil, fmt.Errorf("too many filter values: %d (max %d)", len(userIDs), MaxFilterValues)
	}
	filters := []SearchFilter{
		{Property: "user_id", Operator: OperatorIn, Values: userIDs},
	}
	return c.searchObjects(ctx, "/v1/objects/accounts/search", filters, []string{"user_id", "active_subscription"})
}

// SearchActiveAccounts returns the subset of the given user_ids whose
// Account currently shows an active subscription.
func (c *Client) SearchActiveAccounts(ctx context.Context, userIDs []string) ([]ObjectResult, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if len(userIDs) > MaxFilterValues {
		return nil, fmt.Errorf("too many filter values: %d (max %d)", len(userIDs), MaxFilterValues)
	}
	filters := []SearchFilter{
		{Property: "user_id", Operator: OperatorIn, Values: userIDs},
		{Property: "active_subscription", Operator: OperatorEq, Value: "true"},
	}
	return c.searchObjects(ctx, "/v1/objects/accounts/search", filters, []string{"user_id", "active_subscription"})
}

// SearchContacts returns the existing Contacts whose email is in the
// given set.
func (c *Client) SearchContacts(ctx context.Context, emails []string) ([]ObjectResult, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	if len(emails) > MaxFilterValues {
		return nil, fmt.Errorf("too many filter values: %d (max %d)", len(emails), MaxFilterValues)
	}
	filters := []SearchFilter{
		{Property: "email", Operator: OperatorIn, Values: emails},
	}
	return c.searchObjects(ctx, "/v1/objects/contacts/search", filters, []string{"email"})
}

// batchWrite submits one bulk create/update call and returns the written
// objects with their remote identifiers.
func (c *Client) batchWrite(ctx context.Context, endpoint string, inputs []batchInput) ([]ObjectResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if len(inputs) > MaxBatchSize {
		return nil, fmt.Errorf("batch too large: %d inputs (max %d)", len(inputs), MaxBatchSize)
	}

	respBody, err := c.withAuthRetry(ctx, func() ([]byte, error) {
		return c.doRequest(ctx, http.MethodPost, endpoint, batchRequest{Inputs: inputs})
	})
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	return resp.Results, nil
}

// BatchCreateAccounts creates up to MaxBatchSize Accounts in one call.
func (c *Client) BatchCreateAccounts(ctx context.Context, payloads []AccountPayload) ([]ObjectResult, error) {
	return c.batchWrite(ctx, "/v1/objects/accounts/batch/create", accountInputs(payloads))
}

// BatchUpdateAccounts updates up to MaxBatchSize Accounts in one call,
// matched by user_id. Only the synced properties are sent; the CRM
// merges them into the existing record.
func (c *Client) BatchUpdateAccounts(ctx context.Context, payloads []AccountPayload) ([]ObjectResult, error) {
	return c.batchWrite(ctx, "/v1/objects/accounts/batch/update", accountInputs(payloads))
}

// BatchCreateContacts creates up to MaxBatchSize Contacts in one call.
// The CRM deduplicates on email, so resubmitting an existing contact
// returns its identifier rather than an error.
func (c *Client) BatchCreateContacts(ctx context.Context, payloads []ContactPayload) ([]ObjectResult, error) {
	inputs := make([]batchInput, 0, len(payloads))
	for _, p := range payloads {
		inputs = append(inputs, batchInput{Properties: p.Properties()})
	}
	return c.batchWrite(ctx, "/v1/objects/contacts/batch/create", inputs)
}

// AssociateContactWithAccount links one Contact to one Account by their
// remote identifiers. The association API has no bulk form.
func (c *Client) AssociateContactWithAccount(ctx context.Context, contactID, accountID string) error {
	endpoint := fmt.Sprintf("/v1/associations/contacts/%s/accounts/%s", contactID, accountID)
	_, err := c.withAuthRetry(ctx, func() ([]byte, error) {
		return c.doRequest(ctx, http.MethodPut, endpoint, nil)
	})
	return err
}

func accountInputs(payloads []AccountPayload) []batchInput {
	inputs := make([]batchInput, 0, len(payloads))
	for _, p := range payloads {
		inputs = append(inputs, batchInput{Properties: p.Properties()})
	}
	return inputs
}
