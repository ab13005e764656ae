package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/permission"
)

// maxWebhookFailures closes a webhook's liveness channel.
const maxWebhookFailures = 3

// Webhook is a subscriber that POSTs each change as JSON to a URL.
type Webhook struct {
	id     string
	url    string
	client *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	failures int
	done     chan struct{}
	closed   bool
}

// NewWebhook returns a Webhook posting to url.
func NewWebhook(id, url string, client *http.Client, log zerolog.Logger) *Webhook {
	return &Webhook{
		id:     id,
		url:    url,
		client: client,
		log:    log.With().Str("subscriber", id).Logger(),
		done:   make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (h *Webhook) ID() string { return h.id }

// Done is closed after maxWebhookFailures consecutive delivery failures.
func (h *Webhook) Done() <-chan struct{} { return h.done }

// OnActiveStatusChange delivers c.
func (h *Webhook) OnActiveStatusChange(ctx context.Context, c permission.ActiveChange) error {
	err := post(ctx, h.client, h.url, c)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.failures = 0
		return nil
	}
	h.failures++
	if h.failures >= maxWebhookFailures && !h.closed {
		h.closed = true
		close(h.done)
		h.log.Warn().Err(err).Int("failures", h.failures).Msg("webhook unreachable, unsubscribing")
	}
	return err
}

type releaseEvent struct {
	AppID          uint32 `json:"appId"`
	PermissionName string `json:"permissionName"`
}

// releaseHook returns a callback that POSTs a release request to url.
func (s *Server) releaseHook(url string, appID uint32, name string) func() {
	return func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
			defer cancel()
			if err := post(ctx, s.client, url, releaseEvent{AppID: appID, PermissionName: name}); err != nil {
				s.log.Warn().Err(err).Uint32("app_id", appID).Msg("release callback failed")
			}
		}()
	}
}

func post(ctx context.Context, client *http.Client, url string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}
