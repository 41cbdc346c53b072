// Package notifications pushes operator alerts through ntfy.
package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vodsum/internal/config"
)

const userAgent = "vodsum/1.0"

// Service defines the operator notification surface exposed to workflow
// components. Delivery failures are reported but callers treat them as
// advisory; pipeline progress never depends on a notification landing.
type Service interface {
	NotifyVideoCompleted(ctx context.Context, title string, delivered, failed int) error
	NotifyVideoFailed(ctx context.Context, title, phase string, err error) error
	NotifyQuotaExhausted(ctx context.Context, resource string, waiting int) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:       topic,
		client:         &http.Client{Timeout: timeout},
		completion:     cfg.Notifications.Completion,
		errors:         cfg.Notifications.Errors,
		quotaExhausted: cfg.Notifications.QuotaExhausted,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint       string
	client         *http.Client
	completion     bool
	errors         bool
	quotaExhausted bool
}

func (n *ntfyService) NotifyVideoCompleted(ctx context.Context, title string, delivered, failed int) error {
	if !n.completion {
		return nil
	}
	title = strings.TrimSpace(title)
	message := fmt.Sprintf("Summary delivered: %s (%d recipients)", title, delivered)
	if failed > 0 {
		message = fmt.Sprintf("Summary delivered: %s (%d recipients, %d failed)", title, delivered, failed)
	}
	data := payload{
		title:   "vodsum - Complete",
		message: message,
		tags:    []string{"vodsum", "video", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyVideoFailed(ctx context.Context, title, phase string, err error) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Failed")
	if phase = strings.TrimSpace(phase); phase != "" {
		builder.WriteString(" during ")
		builder.WriteString(phase)
	}
	if title = strings.TrimSpace(title); title != "" {
		builder.WriteString(": ")
		builder.WriteString(title)
	}
	builder.WriteString("\n")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown error")
	}

	data := payload{
		title:    "vodsum - Error",
		message:  builder.String(),
		tags:     []string{"vodsum", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyQuotaExhausted(ctx context.Context, resource string, waiting int) error {
	if !n.quotaExhausted {
		return nil
	}
	data := payload{
		title:   "vodsum - Quota Exhausted",
		message: fmt.Sprintf("Daily %s quota exhausted; %d videos waiting for tomorrow", resource, waiting),
		tags:    []string{"vodsum", "quota", "exhausted"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "vodsum - Test",
		message:  "Notification system test",
		tags:     []string{"vodsum", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyVideoCompleted(context.Context, string, int, int) error { return nil }

func (noopService) NotifyVideoFailed(context.Context, string, string, error) error { return nil }

func (noopService) NotifyQuotaExhausted(context.Context, string, int) error { return nil }

func (noopService) TestNotification(context.Context) error { return nil }
