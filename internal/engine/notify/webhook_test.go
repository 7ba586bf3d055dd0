package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"versekeep/internal/config"
	"versekeep/internal/domain"
	"versekeep/internal/engine/notify"
)

func TestWebhookPublisherFiltersBySeverity(t *testing.T) {
	var mu sync.Mutex
	var got []map[string]any
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, body)
		secrets = append(secrets, r.Header.Get("X-Versekeep-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := notify.NewWebhookPublisher(nil, []config.WebhookConfig{{
		URL:        srv.URL,
		Secret:     "s3cret",
		Severities: []string{"warning", "critical"},
	}})
	if pub == nil {
		t.Fatalf("expected publisher")
	}
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, n := range []domain.Notification{
		{ID: "n1", WriterID: "w1", ContractID: "c1", Severity: domain.SeverityInfo, Message: "declared", CreatedAt: now},
		{ID: "n2", WriterID: "w1", ContractID: "c1", Severity: domain.SeverityWarning, Message: "archived", CreatedAt: now},
	} {
		if err := pub.Publish(ctx, n); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0]["id"] != "n2" || got[0]["severity"] != "warning" {
		t.Fatalf("unexpected payload %v", got[0])
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("expected secret header, got %q", secrets[0])
	}
	if err := pub.Publish(ctx, domain.Notification{ID: "n3"}); err == nil {
		t.Fatalf("expected publish after close to fail")
	}
}

func TestWebhookPublisherSkipsDisabledHooks(t *testing.T) {
	off := false
	pub := notify.NewWebhookPublisher(nil, []config.WebhookConfig{
		{URL: "http://127.0.0.1:1/hook", Enabled: &off},
		{URL: "  "},
	})
	if pub != nil {
		t.Fatalf("expected no publisher for disabled hooks")
	}
}

type countingPublisher struct {
	published int
	closed    bool
}

func (c *countingPublisher) Publish(context.Context, domain.Notification) error {
	c.published++
	return nil
}

func (c *countingPublisher) Close() error {
	c.closed = true
	return nil
}

func TestMultiPublisherFansOut(t *testing.T) {
	a, b := &countingPublisher{}, &countingPublisher{}
	m := notify.MultiPublisher{a, b, notify.NopPublisher{}}
	if err := m.Publish(context.Background(), domain.Notification{ID: "n1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.published != 1 || b.published != 1 || !a.closed || !b.closed {
		t.Fatalf("unexpected fan out a=%+v b=%+v", a, b)
	}
}
