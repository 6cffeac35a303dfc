package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"leanline/internal/config"
	"leanline/internal/domain"
	"leanline/internal/engine"
	"leanline/internal/tracking"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	// ProgressEventType is the webhook event type for live progress changes.
	ProgressEventType = "tracking.progress.changed"
	signatureHeader   = "X-Leanline-Signature"
)

// WebhookOptions tunes the dispatcher.
type WebhookOptions struct {
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

type webhookDispatcher struct {
	engine   engine.Engine
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	// cursors holds the last delivered event id per project and webhook position.
	cursors map[string]int64
}

func newWebhookDispatcher(e engine.Engine, opts WebhookOptions) *webhookDispatcher {
	d := &webhookDispatcher{
		engine:   e,
		client:   opts.Client,
		logger:   opts.Logger,
		interval: opts.Interval,
		cursors:  make(map[string]int64),
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.interval <= 0 {
		d.interval = defaultWebhookInterval
	}
	return d
}

// StartWebhooks delivers event log entries and live progress changes to the webhooks
// configured per project. It returns once ctx is done.
func StartWebhooks(ctx context.Context, e engine.Engine, opts WebhookOptions) {
	d := newWebhookDispatcher(e, opts)
	progress, cancel := e.Hub.Subscribe(64)
	defer cancel()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.dispatchAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-progress:
			if !ok {
				return
			}
			d.forwardProgress(ctx, evt)
		case <-ticker.C:
			d.dispatchAll(ctx)
		}
	}
}

func enabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	projects, err := d.engine.Repo.ListProjects(ctx)
	if err != nil {
		d.logger.Warn("webhook: list projects failed", "error", err)
		return
	}
	for _, p := range projects {
		cfg, err := d.engine.ProjectConfig(ctx, p.ID)
		if err != nil {
			d.logger.Warn("webhook: load config failed", "project", p.ID, "error", err)
			continue
		}
		for i, hook := range cfg.Webhooks {
			if !enabled(hook) {
				continue
			}
			d.dispatchWebhook(ctx, p.ID, i, hook)
		}
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, projectID string, idx int, hook config.WebhookConfig) {
	key := fmt.Sprintf("%s#%d", projectID, idx)
	cursor := d.cursorFor(ctx, key, projectID)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, projectID)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "project", projectID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.post(ctx, hook, projectID, evt.Type, fmt.Sprintf("%d", evt.ID), webhookBody(evt)); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.Type, "error", err)
			return
		}
		d.setCursor(key, evt.ID)
	}
}

// forwardProgress pushes a progress change to the project's webhooks. Live changes are
// best effort and are not replayed.
func (d *webhookDispatcher) forwardProgress(ctx context.Context, evt tracking.ProgressChanged) {
	cfg, err := d.engine.ProjectConfig(ctx, evt.ProjectID)
	if err != nil {
		d.logger.Warn("webhook: load config failed", "project", evt.ProjectID, "error", err)
		return
	}
	delivery := fmt.Sprintf("progress-%d", evt.At.UnixNano())
	for _, hook := range cfg.Webhooks {
		if !enabled(hook) || !newEventFilter(hook.Events).match(ProgressEventType) {
			continue
		}
		if err := d.post(ctx, hook, evt.ProjectID, ProgressEventType, delivery, evt); err != nil {
			d.logger.Warn("webhook: progress delivery failed", "url", hook.URL, "error", err)
		}
	}
}

// cursorFor starts new webhooks at the latest event so history is not replayed.
func (d *webhookDispatcher) cursorFor(ctx context.Context, key, projectID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, projectID)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "project", projectID, "error", err)
		cur = 0
	}
	d.cursors[key] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func webhookBody(evt domain.Event) webhookEvent {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// Sign returns the signature header value for body: "sha256=" followed by the hex
// HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, projectID, eventType, delivery string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leanline-Event", eventType)
	req.Header.Set("X-Leanline-Delivery", delivery)
	req.Header.Set("X-Leanline-Project", projectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(signatureHeader, Sign(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches event types by prefix, so "metric." selects every metric event.
type eventFilter struct {
	all      bool
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	var prefixes []string
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			prefixes = append(prefixes, key)
		}
	}
	if len(prefixes) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{prefixes: prefixes}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
