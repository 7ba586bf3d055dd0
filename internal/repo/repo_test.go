package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/migrate"
	"versekeep/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

var base = time.Date(2024, 3, 10, 6, 30, 0, 123456789, time.UTC)

func sampleContract(id, writer string, platform domain.Platform) domain.Contract {
	activated := base
	return domain.Contract{
		ID:          id,
		WriterID:    writer,
		Platform:    platform,
		Timezone:    "Europe/Paris",
		StartDate:   base,
		Cadence:     domain.Cadence{Period: domain.PeriodWeekly, ReleasesPerPeriod: 2, TermPeriods: 4},
		Status:      domain.ContractActive,
		CreatedAt:   base,
		ActivatedAt: &activated,
	}
}

func TestContractRoundTripAndOpenUniqueness(t *testing.T) {
	r, ctx := openRepo(t)
	c := sampleContract("c1", "w1", domain.PlatformMedium)
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetContract(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.StartDate.Equal(base) || got.ActivatedAt == nil || !got.ActivatedAt.Equal(base) {
		t.Fatalf("timestamps did not round trip: %+v", got)
	}
	if got.Cadence != c.Cadence || got.Timezone != "Europe/Paris" {
		t.Fatalf("cadence did not round trip: %+v", got.Cadence)
	}

	dup := sampleContract("c2", "w1", domain.PlatformMedium)
	err = inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, dup) })
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	got.Status = domain.ContractBroken
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateContractTx(ctx, tx, got) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, dup) }); err != nil {
		t.Fatalf("insert after close: %v", err)
	}

	if _, err := r.GetContract(ctx, "nope"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	ids, err := r.ActiveContractIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("active ids = %v %v", ids, err)
	}
	list, err := r.ListContracts(ctx, repo.ContractFilters{WriterID: "w1", Status: []domain.ContractStatus{domain.ContractBroken}})
	if err != nil || len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("filtered list = %v %v", list, err)
	}
}

func TestLogEntriesDedupeAndOrder(t *testing.T) {
	r, ctx := openRepo(t)
	c := sampleContract("c1", "w1", domain.PlatformSubstack)
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var inserted []bool
	err := inTx(t, r, ctx, func(tx *sql.Tx) error {
		for i, id := range []string{"e1", "e2", "e3"} {
			key := ""
			if i > 0 {
				key = "same-key"
			}
			_, ok, err := r.InsertLogEntryTx(ctx, tx, domain.LogEntry{
				ID:         id,
				ContractID: c.ID,
				OccurredAt: base,
				Action:     domain.ActionDeadlineChecked,
				Detail:     map[string]any{"n": i},
			}, key)
			if err != nil {
				return err
			}
			inserted = append(inserted, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert log: %v", err)
	}
	if !inserted[0] || !inserted[1] || inserted[2] {
		t.Fatalf("unexpected dedupe result %v", inserted)
	}
	entries, err := r.ListLogEntries(ctx, repo.LogFilters{ContractID: c.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "e1" || entries[1].ID != "e2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Seq >= entries[1].Seq {
		t.Fatalf("seq not increasing")
	}
	if n, ok := entries[1].Detail["n"].(float64); !ok || n != 1 {
		t.Fatalf("detail did not round trip: %+v", entries[1].Detail)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM compliance_log WHERE id = 'e1'`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestPatternNoveltyAndAcknowledge(t *testing.T) {
	r, ctx := openRepo(t)
	c := sampleContract("c1", "w1", domain.PlatformTwitter)
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p := domain.Pattern{ID: "p1", WriterID: "w1", ContractID: "c1", Type: domain.PatternMissedCadence, EvidenceRefs: []string{"e1"}, CreatedAt: base}
	var created [2]bool
	err := inTx(t, r, ctx, func(tx *sql.Tx) error {
		var err error
		if created[0], err = r.InsertPatternIfNovelTx(ctx, tx, p); err != nil {
			return err
		}
		again := p
		again.ID = "p2"
		created[1], err = r.InsertPatternIfNovelTx(ctx, tx, again)
		return err
	})
	if err != nil {
		t.Fatalf("insert pattern: %v", err)
	}
	if !created[0] || created[1] {
		t.Fatalf("expected only first insert, got %v", created)
	}
	first := base.Add(time.Hour)
	if err := r.AcknowledgePattern(ctx, "p1", repo.FormatTime(first)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := r.AcknowledgePattern(ctx, "p1", repo.FormatTime(first.Add(time.Hour))); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	got, err := r.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Acknowledged || !got.AcknowledgedAt.Equal(first) {
		t.Fatalf("ack not monotonic: %+v", got)
	}
	if err := r.AcknowledgePattern(ctx, "missing", repo.FormatTime(first)); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	next := p
	next.ID = "p3"
	err = inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.InsertPatternIfNovelTx(ctx, tx, next)
		if err == nil && !ok {
			t.Fatalf("acknowledged record should not block a new one")
		}
		return err
	})
	if err != nil {
		t.Fatalf("insert after ack: %v", err)
	}
	counts, err := r.PatternCounts(ctx, "w1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if got := counts[domain.PatternMissedCadence]; got.Acknowledged != 1 || got.Unacknowledged != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

func TestNotificationsDedupeAndRead(t *testing.T) {
	r, ctx := openRepo(t)
	c := sampleContract("c1", "w1", domain.PlatformPersonalBlog)
	if err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertContractTx(ctx, tx, c) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := inTx(t, r, ctx, func(tx *sql.Tx) error {
		for _, id := range []string{"n1", "n2"} {
			n := domain.Notification{ID: id, ContractID: c.ID, WriterID: "w1", Severity: domain.SeverityWarning, Message: "hi", CreatedAt: base}
			if _, err := r.InsertNotificationTx(ctx, tx, n, "reminder:p1"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert notifications: %v", err)
	}
	unread, err := r.ListNotifications(ctx, repo.NotificationFilters{WriterID: "w1", UnreadOnly: true})
	if err != nil || len(unread) != 1 {
		t.Fatalf("expected one notification, got %v %v", unread, err)
	}
	if err := r.MarkNotificationRead(ctx, "n1", repo.FormatTime(base)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := r.MarkNotificationRead(ctx, "n1", repo.FormatTime(base.Add(time.Hour))); err != nil {
		t.Fatalf("read again: %v", err)
	}
	got, err := r.GetNotification(ctx, "n1")
	if err != nil || got.ReadAt == nil || !got.ReadAt.Equal(base) {
		t.Fatalf("read time moved: %+v %v", got, err)
	}
	unread, err = r.ListNotifications(ctx, repo.NotificationFilters{WriterID: "w1", UnreadOnly: true})
	if err != nil || len(unread) != 0 {
		t.Fatalf("expected no unread, got %v %v", unread, err)
	}
}

func TestAPIKeysByHash(t *testing.T) {
	r, ctx := openRepo(t)
	key := domain.APIKey{ID: "k1", WriterID: "w1", Name: "laptop", KeyHash: repo.HashAPIKey("vk_secret"), CreatedAt: base}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := key
	dup.ID = "k2"
	if err := r.InsertAPIKey(ctx, dup); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate hash to be rejected, got %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" vk_secret "))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != "k1" || got.WriterID != "w1" || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected key %+v", got)
	}
	keys, err := r.ListAPIKeys(ctx, "w1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %d", err, len(keys))
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("vk_secret")); !domain.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
