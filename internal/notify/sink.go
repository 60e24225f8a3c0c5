package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relayhq/relay/internal/store"
)

func (r *Router) deliver(ctx context.Context, rule Rule, n Notification) {
	var err error
	switch rule.Channel {
	case ChannelLog:
		r.logNotification(ctx, n)
	case ChannelFile:
		err = r.appendToFile(n)
	case ChannelWebhook:
		err = r.postWebhook(ctx, rule.Target, n)
	default:
		err = fmt.Errorf("unknown channel %q", rule.Channel)
	}
	if err != nil {
		slog.Warn("notification delivery failed",
			"rule", rule.ID,
			"channel", rule.Channel,
			"error", err)
	}
}

// logNotification maps severity onto log level so critical routes are
// visible without a dedicated alerting stack.
func (r *Router) logNotification(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityHigh, SeverityCritical:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "notification",
		"rule", n.Rule,
		"event", n.Event,
		"severity", n.Severity,
		"summary", n.Summary)
}

// appendToFile writes one JSON notification per line. The sink opens
// lazily so installations without file rules never create the file.
func (r *Router) appendToFile(n Notification) error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil {
		l, err := store.Open(r.cfg.NotificationsFile)
		if err != nil {
			return fmt.Errorf("opening notifications file: %w", err)
		}
		r.file = l
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return r.file.Append(data)
}

// postWebhook delivers the notification as a generic JSON POST.
func (r *Router) postWebhook(ctx context.Context, target string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", target, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned status %d", target, resp.StatusCode)
	}
	return nil
}
