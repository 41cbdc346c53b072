package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vodsum/internal/services"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("test-token", server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestSendDeliversMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ChatID != 1001 || req.Text != "hello" {
			t.Fatalf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 42},
		})
	})

	result, err := client.Send(context.Background(), Message{ChatID: 1001, Text: "hello"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if result.MessageID != "42" {
		t.Fatalf("unexpected message id %q", result.MessageID)
	}
}

func TestSendClassifiesForbiddenAsPermanent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  403,
			"description": "Forbidden: bot was blocked by the user",
		})
	})

	_, err := client.Send(context.Background(), Message{ChatID: 1001, Text: "hello"})
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSendClassifiesThrottlingAsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  429,
			"description": "Too Many Requests",
			"parameters":  map[string]any{"retry_after": 3},
		})
	})

	_, err := client.Send(context.Background(), Message{ChatID: 1001, Text: "hello"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !strings.Contains(err.Error(), "retry after 3s") {
		t.Fatalf("expected retry-after hint in %v", err)
	}
}

func TestSendClassifiesServerErrorAsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  502,
			"description": "Bad Gateway",
		})
	})

	_, err := client.Send(context.Background(), Message{ChatID: 1001, Text: "hello"})
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	client, err := NewClient("test-token", "", time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Send(context.Background(), Message{ChatID: 1001}); !services.IsPermanent(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient("  ", "", time.Second); err == nil {
		t.Fatal("expected error for missing token")
	}
}
