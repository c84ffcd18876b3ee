package ofd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

func testReceipt() types.Receipt {
	return types.Receipt{
		ID:        "r-1",
		HLC:       "0000000001000-00000-test",
		Payload:   json.RawMessage(`{"total":100}`),
		FiscalDoc: json.RawMessage(`{"sig":"abc"}`),
	}
}

func TestSubmitSuccess(t *testing.T) {
	var gotPath, gotIdemKey, gotAuth string
	var gotBody submission

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdemKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "secret"})
	if err := c.Submit(context.Background(), testReceipt()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if gotPath != "/documents" {
		t.Errorf("path: got %s", gotPath)
	}
	if gotIdemKey != "r-1" {
		t.Errorf("idempotency key: got %q", gotIdemKey)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotBody.ReceiptID != "r-1" || gotBody.HLC == "" {
		t.Errorf("body: %+v", gotBody)
	}
}

func TestSubmitConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.Submit(context.Background(), testReceipt()); err != nil {
		t.Fatalf("409 means the OFD already holds the document: %v", err)
	}
}

func TestSubmitRejection(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"validation rejection", http.StatusUnprocessableEntity},
		{"auth rejection", http.StatusUnauthorized},
		{"server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL})
			err := c.Submit(context.Background(), testReceipt())
			if !errors.Is(err, ErrReject) {
				t.Fatalf("got %v, want ErrReject", err)
			}
		})
	}
}

func TestSubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New(Config{BaseURL: srv.URL})
	if err := c.Submit(context.Background(), testReceipt()); !errors.Is(err, ErrReject) {
		t.Fatalf("got %v, want ErrReject", err)
	}
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"degraded but answering", http.StatusTooManyRequests, false},
		{"server error", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path: got %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL})
			err := c.Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
