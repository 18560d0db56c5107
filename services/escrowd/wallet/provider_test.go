package wallet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"p2pescrow/native/escrow"
)

func TestClientGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		_, _ = w.Write([]byte(`{"fastestFee": 12}`))
	}))
	defer srv.Close()

	client := NewClient("mempool", srv.Client(), 0, 0)
	client.SetHeader("X-Api-Key", "secret")
	var payload struct {
		FastestFee int64 `json:"fastestFee"`
	}
	if err := client.GetJSON(context.Background(), srv.URL, &payload); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if payload.FastestFee != 12 {
		t.Fatalf("unexpected fee %d", payload.FastestFee)
	}
}

func TestClientClassifiesFailures(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()
	client := NewClient("explorer", srv.Client(), 0, 0)

	var out map[string]any
	err := client.GetJSON(context.Background(), srv.URL, &out)
	if !errors.Is(err, escrow.ErrProviderTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	status = http.StatusBadRequest
	err = client.GetJSON(context.Background(), srv.URL, &out)
	if errors.Is(err, escrow.ErrProviderTransient) {
		t.Fatalf("4xx must not be transient: %v", err)
	}
	if !IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestClientHonoursCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	client := NewClient("explorer", srv.Client(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.GetJSON(ctx, srv.URL, &map[string]any{}); !errors.Is(err, escrow.ErrProviderTransient) {
		t.Fatalf("expected transient error for cancelled context, got %v", err)
	}
}
