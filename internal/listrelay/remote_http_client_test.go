package listrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRemoteClientCreateCollection(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		var attrs CollectionAttrs
		if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if attrs.Name != "Watchlist" {
			t.Errorf("unexpected name %q", attrs.Name)
		}
		writeTestJSON(w, http.StatusCreated, map[string]string{"remoteId": "col_1"})
	}))
	defer server.Close()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
	result, err := client.CreateCollection(context.Background(), Session{OwnerID: "o", Token: "tok"}, CollectionAttrs{Name: "Watchlist"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.RemoteID != "col_1" {
		t.Fatalf("expected remote id col_1, got %q", result.RemoteID)
	}
	if gotPath != "/v1/collections" || gotMethod != http.MethodPost {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
}

func TestHTTPRemoteClientItemRoutes(t *testing.T) {
	type call struct {
		method string
		path   string
	}
	var calls []call
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{method: r.Method, path: r.URL.Path})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
	session := Session{Token: "tok"}
	ctx := context.Background()

	if err := client.AddItem(ctx, session, "col_1", 7); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if err := client.RemoveItem(ctx, session, "col_1", 7); err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if err := client.ClearCollection(ctx, session, "col_1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	want := []call{
		{http.MethodPut, "/v1/collections/col_1/items/7"},
		{http.MethodDelete, "/v1/collections/col_1/items/7"},
		{http.MethodPost, "/v1/collections/col_1/clear"},
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(calls))
	}
	for i, c := range want {
		if calls[i] != c {
			t.Fatalf("call %d: expected %+v, got %+v", i, c, calls[i])
		}
	}
}

func TestHTTPRemoteClientStatusClassification(t *testing.T) {
	cases := []struct {
		status     int
		wantReason Reason
	}{
		{http.StatusUnauthorized, ReasonUnauthorized},
		{http.StatusForbidden, ReasonUnauthorized},
		{http.StatusNotFound, ReasonNotFound},
		{http.StatusTooManyRequests, ReasonRateLimited},
		{http.StatusBadRequest, ReasonValidation},
		{http.StatusUnprocessableEntity, ReasonValidation},
		{http.StatusConflict, ReasonValidation},
		{http.StatusInternalServerError, ReasonServerError},
		{http.StatusBadGateway, ReasonServerError},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeTestJSON(w, tc.status, map[string]string{"message": "nope"})
		}))
		client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
		err := client.DeleteCollection(context.Background(), Session{Token: "tok"}, "col_1")
		server.Close()

		var remoteErr *RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("status %d: expected RemoteError, got %v", tc.status, err)
		}
		if remoteErr.Reason != tc.wantReason {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.wantReason, remoteErr.Reason)
		}
		if remoteErr.StatusCode != tc.status {
			t.Fatalf("status %d: expected code recorded, got %d", tc.status, remoteErr.StatusCode)
		}
		if remoteErr.Detail != "nope" {
			t.Fatalf("status %d: expected message extracted, got %q", tc.status, remoteErr.Detail)
		}
	}
}

func TestHTTPRemoteClientRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
	err := client.AddItem(context.Background(), Session{Token: "tok"}, "col_1", 7)

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.RetryAfter != 2*time.Minute {
		t.Fatalf("expected Retry-After 2m, got %s", remoteErr.RetryAfter)
	}
	if !remoteErr.Retryable() {
		t.Fatalf("rate limiting must be retryable")
	}
}

func TestHTTPRemoteClientNetworkError(t *testing.T) {
	// A closed server yields a connection error.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
	err := client.DeleteCollection(context.Background(), Session{Token: "tok"}, "col_1")

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Reason != ReasonNetwork {
		t.Fatalf("expected network_error, got %s", remoteErr.Reason)
	}
	if !remoteErr.Retryable() {
		t.Fatalf("network errors must be retryable")
	}
}

func TestHTTPRemoteClientTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer func() {
		close(block)
		server.Close()
	}()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	err := client.DeleteCollection(context.Background(), Session{Token: "tok"}, "col_1")

	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %s", remoteErr.Reason)
	}
}

func TestHTTPRemoteClientFetchEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/movie/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("lang") != "en" {
			t.Errorf("expected filter forwarded, got %q", r.URL.RawQuery)
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"id": 42, "title": "Heat"})
	}))
	defer server.Close()

	client := NewHTTPRemoteClient(RemoteHTTPClientOptions{BaseURL: server.URL})
	raw, err := client.FetchEntity(context.Background(), Session{Token: "tok"}, "movie", "42", map[string]string{"lang": "en"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var decoded struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Title != "Heat" {
		t.Fatalf("unexpected body: %s", raw)
	}
}

func writeTestJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
