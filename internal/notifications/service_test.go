package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vodsum/internal/notifications"
	"vodsum/internal/testsupport"
)

type capturedRequest struct {
	title    string
	priority string
	tags     string
	body     string
}

func newCaptureServer(t *testing.T, captured *[]capturedRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		*captured = append(*captured, capturedRequest{
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			tags:     r.Header.Get("Tags"),
			body:     string(body),
		})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(cfg)
	if err := svc.NotifyVideoCompleted(context.Background(), "Example", 3, 0); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNotifyVideoFailedFormatsPayload(t *testing.T) {
	var captured []capturedRequest
	server := newCaptureServer(t, &captured)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Errors = true
	svc := notifications.NewService(cfg)

	err := svc.NotifyVideoFailed(context.Background(), "Demo Video", "transcribing", errors.New("whisper exited 1"))
	if err != nil {
		t.Fatalf("NotifyVideoFailed returned error: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("expected 1 request, got %d", len(captured))
	}
	got := captured[0]
	if got.title != "vodsum - Error" {
		t.Fatalf("unexpected title %q", got.title)
	}
	if got.priority != "high" {
		t.Fatalf("unexpected priority %q", got.priority)
	}
	if !strings.Contains(got.body, "transcribing") || !strings.Contains(got.body, "whisper exited 1") {
		t.Fatalf("unexpected body %q", got.body)
	}
}

func TestNotificationsRespectCategoryToggles(t *testing.T) {
	var captured []capturedRequest
	server := newCaptureServer(t, &captured)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Completion = false
	cfg.Notifications.Errors = false
	cfg.Notifications.QuotaExhausted = true
	svc := notifications.NewService(cfg)

	ctx := context.Background()
	if err := svc.NotifyVideoCompleted(ctx, "Example", 2, 0); err != nil {
		t.Fatalf("NotifyVideoCompleted: %v", err)
	}
	if err := svc.NotifyVideoFailed(ctx, "Example", "acquiring", errors.New("boom")); err != nil {
		t.Fatalf("NotifyVideoFailed: %v", err)
	}
	if err := svc.NotifyQuotaExhausted(ctx, "summarizer", 4); err != nil {
		t.Fatalf("NotifyQuotaExhausted: %v", err)
	}

	if len(captured) != 1 {
		t.Fatalf("expected only quota notification, got %d requests", len(captured))
	}
	if !strings.Contains(captured[0].body, "4 videos waiting") {
		t.Fatalf("unexpected body %q", captured[0].body)
	}
}

func TestSendReportsServerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	svc := notifications.NewService(cfg)

	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error when ntfy rejects the request")
	}
}
