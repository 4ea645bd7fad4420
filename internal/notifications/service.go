package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"batchscale/internal/config"
)

const userAgent = "batchscale/0.1"

// RunSummary is what a completion notice reports.
type RunSummary struct {
	Processed int
	Target    int
	Failed    int
	Elapsed   time.Duration
}

// Service is the notification surface used by the pipeline.
type Service interface {
	NotifyRunCompleted(ctx context.Context, summary RunSummary) error
	NotifyRunFailed(ctx context.Context, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a noop when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, summary RunSummary) error {
	elapsed := summary.Elapsed.Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	data := payload{
		title:   "batchscale - Run Complete",
		message: fmt.Sprintf("Upscaled %d of %d images in %s", summary.Processed, summary.Target, elapsed),
		tags:    []string{"batchscale", "run", "completed"},
	}
	if summary.Failed > 0 {
		data.title = "batchscale - Run Complete (with errors)"
		data.message = fmt.Sprintf("Upscaled %d of %d images in %s; %d failed", summary.Processed, summary.Target, elapsed, summary.Failed)
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, err error) error {
	reason := "unknown"
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}
	return n.send(ctx, payload{
		title:    "batchscale - Run Failed",
		message:  "Run failed: " + reason,
		tags:     []string{"batchscale", "error", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "batchscale - Test",
		message:  "Notification system test",
		tags:     []string{"batchscale", "test"},
		priority: "low",
	})
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

func (noopService) NotifyRunCompleted(context.Context, RunSummary) error { return nil }
func (noopService) NotifyRunFailed(context.Context, error) error         { return nil }
func (noopService) TestNotification(context.Context) error               { return nil }
