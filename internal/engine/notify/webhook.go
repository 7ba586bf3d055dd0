package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"versekeep/internal/config"
	"versekeep/internal/domain"
	"versekeep/internal/logger"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// WebhookPublisher POSTs notifications to the configured endpoints from a
// background dispatcher. Publish never blocks on delivery.
type WebhookPublisher struct {
	log      *logger.Logger
	webhooks []config.WebhookConfig
	client   *http.Client
	queue    chan domain.Notification
	done     chan struct{}
	once     sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewWebhookPublisher starts the dispatcher. Disabled hooks and hooks
// without a URL are ignored; it returns nil when nothing is left.
func NewWebhookPublisher(log *logger.Logger, hooks []config.WebhookConfig) *WebhookPublisher {
	var active []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		active = append(active, hook)
	}
	if len(active) == 0 {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &WebhookPublisher{
		log:      log.With("component", "WebhookPublisher"),
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		queue:    make(chan domain.Notification, defaultWebhookQueue),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *WebhookPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("webhook publisher closed")
	}
	select {
	case p.queue <- n:
		return nil
	default:
		return fmt.Errorf("webhook queue full, dropped notification %s", n.ID)
	}
}

// Close stops accepting notifications and waits for queued deliveries.
func (p *WebhookPublisher) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	<-p.done
	return nil
}

func (p *WebhookPublisher) run() {
	defer close(p.done)
	for n := range p.queue {
		for _, hook := range p.webhooks {
			if !severityFilter(hook.Severities).match(n.Severity) {
				continue
			}
			if err := p.post(hook, n); err != nil {
				p.log.Warn("webhook delivery failed", "url", hook.URL, "notification_id", n.ID, "error", err)
			}
		}
	}
}

type webhookPayload struct {
	ID         string          `json:"id"`
	ContractID string          `json:"contract_id"`
	WriterID   string          `json:"writer_id"`
	Severity   domain.Severity `json:"severity"`
	Message    string          `json:"message"`
	CreatedAt  string          `json:"created_at"`
}

func (p *WebhookPublisher) post(hook config.WebhookConfig, n domain.Notification) error {
	data, err := json.Marshal(webhookPayload{
		ID:         n.ID,
		ContractID: n.ContractID,
		WriterID:   n.WriterID,
		Severity:   n.Severity,
		Message:    n.Message,
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout
	}
	client := p.client
	if timeout != p.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Versekeep-Severity", string(n.Severity))
	req.Header.Set("X-Versekeep-Delivery", n.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Versekeep-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type severityFilter []string

func (f severityFilter) match(sev domain.Severity) bool {
	if len(f) == 0 {
		return true
	}
	for _, s := range f {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return true
		}
	}
	return false
}

// MultiPublisher fans a notification out to every publisher.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
