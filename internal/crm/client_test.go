package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string) *Client {
	c := NewClient(Config{BaseURL: baseURL, TimeoutSeconds: 5})
	// Plain client: retry/backoff behavior is covered in httpretry.
	c.SetHTTPClient(&http.Client{})
	return c
}

func decodeSearchRequest(t *testing.T, r *http.Request) searchRequest {
	t.Helper()
	var req searchRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestSearchAccountsPaging(t *testing.T) {
	var requests []searchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/objects/accounts/search", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		req := decodeSearchRequest(t, r)
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		if req.After == "" {
			json.NewEncoder(w).Encode(searchResponse{
				Results: []ObjectResult{{ID: "1", Properties: map[string]string{"user_id": "U1"}}},
				Paging:  &paging{Next: &pageCursor{After: "cursor-2"}},
			})
			return
		}
		json.NewEncoder(w).Encode(searchResponse{
			Results: []ObjectResult{{ID: "2", Properties: map[string]string{"user_id": "U2"}}},
		})
	}))
	defer server.Close()

	client := testClient(server.URL)
	results, err := client.SearchAccounts(context.Background(), []string{"U1", "U2"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "U1", results[0].Properties["user_id"])
	assert.Equal(t, "U2", results[1].Properties["user_id"])

	require.Len(t, requests, 2)
	require.Len(t, requests[0].Filters, 1)
	assert.Equal(t, "user_id", requests[0].Filters[0].Property)
	assert.Equal(t, OperatorIn, requests[0].Filters[0].Operator)
	assert.Equal(t, []string{"U1", "U2"}, requests[0].Filters[0].Values)
	assert.Equal(t, []string{"user_id", "active_subscription"}, requests[0].Properties)
	assert.Equal(t, "cursor-2", requests[1].After)
}

func TestSearchAccountsEmptyInput(t *testing.T) {
	client := testClient("http://unused.invalid")
	results, err := client.SearchAccounts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSearchAccountsTooManyValues(t *testing.T) {
	client := testClient("http://unused.invalid")
	ids := make([]string, MaxFilterValues+1)
	_, err := client.SearchAccounts(context.Background(), ids)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many filter values")
}

func TestSearchActiveAccountsFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeSearchRequest(t, r)
		require.Len(t, req.Filters, 2)
		assert.Equal(t, OperatorIn, req.Filters[0].Operator)
		assert.Equal(t, "active_subscription", req.Filters[1].Property)
		assert.Equal(t, OperatorEq, req.Filters[1].Operator)
		assert.Equal(t, "true", req.Filters[1].Value)

		json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer server.Close()

	_, err := testClient(server.URL).SearchActiveAccounts(context.Background(), []string{"U1"})
	require.NoError(t, err)
}

func TestSearchContactsEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/objects/contacts/search", r.URL.Path)
		req := decodeSearchRequest(t, r)
		assert.Equal(t, "email", req.Filters[0].Property)
		json.NewEncoder(w).Encode(searchResponse{
			Results: []ObjectResult{{ID: "c1", Properties: map[string]string{"email": "a@b.com"}}},
		})
	}))
	defer server.Close()

	results, err := testClient(server.URL).SearchContacts(context.Background(), []string{"a@b.com"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
}

func TestBatchCreateAccounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/objects/accounts/batch/create", r.URL.Path)

		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Inputs, 1)
		props := req.Inputs[0].Properties
		assert.Equal(t, "U1", props["user_id"])
		assert.Equal(t, "USAMPS", props["account_type"])
		assert.Equal(t, "true", props["active_subscription"])
		assert.Equal(t, "3", props["weekly_sub_count"])
		assert.Equal(t, "true", props["ever_had_subscription"])

		json.NewEncoder(w).Encode(batchResponse{
			Status:  "COMPLETE",
			Results: []ObjectResult{{ID: "acct-1", Properties: map[string]string{"user_id": "U1"}}},
		})
	}))
	defer server.Close()

	payloads := []AccountPayload{{
		UserID:              "U1",
		AccountType:         "USAMPS",
		ActiveSubscription:  true,
		WeeklySubCount:      3,
		EverHadSubscription: true,
	}}

	results, err := testClient(server.URL).BatchCreateAccounts(context.Background(), payloads)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "acct-1", results[0].ID)
}

func TestBatchUpdateAccountsEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/objects/accounts/batch/update", r.URL.Path)
		json.NewEncoder(w).Encode(batchResponse{Results: []ObjectResult{{ID: "acct-1"}}})
	}))
	defer server.Close()

	results, err := testClient(server.URL).BatchUpdateAccounts(context.Background(),
		[]AccountPayload{{UserID: "U1"}})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestBatchWriteEmptyInput(t *testing.T) {
	client := testClient("http://unused.invalid")
	results, err := client.BatchCreateContacts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestBatchWriteTooLarge(t *testing.T) {
	client := testClient("http://unused.invalid")
	payloads := make([]AccountPayload, MaxBatchSize+1)
	_, err := client.BatchCreateAccounts(context.Background(), payloads)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch too large")
}

func TestAssociateContactWithAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/associations/contacts/c1/accounts/a1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := testClient(server.URL).AssociateContactWithAccount(context.Background(), "c1", "a1")
	require.NoError(t, err)
}

func TestAPIErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad property"}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).SearchContacts(context.Background(), []string{"a@b.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bad property")
}
