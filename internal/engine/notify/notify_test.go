package notify_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/engine/notify"
	"versekeep/internal/migrate"
	"versekeep/internal/repo"
)

func setup(t *testing.T) (notify.Service, repo.Repo, domain.Contract) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := domain.Contract{ID: "c1", WriterID: "w1", Platform: domain.PlatformSubstack, Timezone: "UTC", StartDate: now, Status: domain.ContractActive, CreatedAt: now}
	withTx(t, r, func(tx *sql.Tx) {
		if err := r.InsertContractTx(context.Background(), tx, c); err != nil {
			t.Fatalf("insert contract: %v", err)
		}
	})
	return notify.Service{Repo: r, Now: func() time.Time { return now }}, r, c
}

func withTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestNotifyDedupesByKey(t *testing.T) {
	svc, r, c := setup(t)
	ctx := context.Background()
	var created []bool
	withTx(t, r, func(tx *sql.Tx) {
		for i := 0; i < 2; i++ {
			_, ok, err := svc.Notify(ctx, tx, c, domain.SeverityWarning, "publish soon", notify.ReminderKey("p1"))
			if err != nil {
				t.Fatalf("notify: %v", err)
			}
			created = append(created, ok)
		}
		if _, ok, err := svc.Notify(ctx, tx, c, domain.SeverityInfo, "no key", ""); err != nil || !ok {
			t.Fatalf("notify without key: %v %v", ok, err)
		}
		if _, _, err := svc.Notify(ctx, tx, c, domain.Severity("loud"), "bad", ""); !domain.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
	if !created[0] || created[1] {
		t.Fatalf("unexpected dedupe %v", created)
	}
	list, err := svc.List(ctx, "w1", true)
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %v %v", list, err)
	}
	read, err := svc.MarkRead(ctx, list[0].ID)
	if err != nil || read.ReadAt == nil {
		t.Fatalf("mark read: %+v %v", read, err)
	}
	if _, err := svc.MarkRead(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	addr := os.Getenv("VERSEKEEP_TEST_REDIS")
	if addr == "" {
		t.Skip("VERSEKEEP_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pub, err := notify.NewRedisPublisher(ctx, nil, addr, "versekeep.test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pub.Close()

	got := make(chan domain.Notification, 1)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = pub.Subscribe(subCtx, func(n domain.Notification) { got <- n })
	}()
	time.Sleep(200 * time.Millisecond)
	want := domain.Notification{ID: "n1", WriterID: "w1", Severity: domain.SeverityCritical, Message: "broken"}
	if err := pub.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case n := <-got:
		if n.ID != want.ID || n.Severity != want.Severity {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}

func TestNewRedisPublisherRequiresAddr(t *testing.T) {
	if _, err := notify.NewRedisPublisher(context.Background(), nil, "", ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
