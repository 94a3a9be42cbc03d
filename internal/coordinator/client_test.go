package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	c, err := New(Options{
		BaseURL:        srv.URL,
		AllowedHosts:   []string{u.Hostname()},
		AuthMode:       AuthBearer,
		BearerToken:    "test-token",
		SiteID:         "site-1",
		HostID:         "host-1",
		DeploymentMode: "direct",
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchPendingOrdersSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orders/pending" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fetchOrdersResponse{Orders: []Order{{OrderID: "o-1"}}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	orders, err := c.FetchPendingOrders(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchPendingOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "o-1" {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestFetchPendingOrdersAuthFailureIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchPendingOrders(context.Background(), 10)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call (no retry on auth failure), got %d", calls)
	}
}

func TestFetchPendingOrdersClientErrorIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchPendingOrders(context.Background(), 10)
	if err == nil || !errors.Is(err, ErrClientError) {
		t.Fatalf("expected ErrClientError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable 4xx, got %d", calls)
	}
}

func TestUploadBundleSendsMultipart(t *testing.T) {
	var gotBundle, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		gotBundle = r.FormValue("bundle")
		gotSig = r.FormValue("signature")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.UploadBundle(context.Background(), []byte(`{"bundle_id":"b-1"}`), []byte("sig-bytes")); err != nil {
		t.Fatalf("UploadBundle: %v", err)
	}
	if gotBundle != `{"bundle_id":"b-1"}` || gotSig != "sig-bytes" {
		t.Fatalf("unexpected multipart fields: bundle=%q signature=%q", gotBundle, gotSig)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected HealthCheck to return true for 200 response")
	}
}

func TestAllowlistRejectsDisallowedHost(t *testing.T) {
	c, err := New(Options{
		BaseURL:        "https://evil.example.com",
		AllowedHosts:   []string{"coordinator.example.com"},
		AuthMode:       AuthBearer,
		BearerToken:    "x",
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.HealthCheck(context.Background()) {
		t.Fatal("expected health check against a disallowed host to fail closed")
	}
}
