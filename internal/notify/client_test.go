package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSendNotification_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/send" {
			t.Errorf("path = %s, want /api/send", r.URL.Path)
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		if msg.To != "a@b.com" || msg.Subject != "subject" || msg.Text != "body" {
			t.Errorf("unexpected message: %+v", msg)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.SendNotification(ctx, "a@b.com", "subject", "body"); err != nil {
		t.Fatalf("SendNotification error: %v", err)
	}
}

func TestSendNotification_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	if err := client.SendNotification(context.Background(), "a@b.com", "s", "b"); err != nil {
		t.Fatalf("SendNotification error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestSendNotification_BadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	if err := client.SendNotification(context.Background(), "a@b.com", "s", "b"); err == nil {
		t.Fatalf("expected error for 400 response")
	}
}

func TestSendNotification_NilClient(t *testing.T) {
	var client *Client
	if err := client.SendNotification(context.Background(), "a@b.com", "s", "b"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(zap.NewNop())
	if err := n.SendNotification(context.Background(), "a@b.com", "s", "b"); err != nil {
		t.Fatalf("LogNotifier error: %v", err)
	}
}
