package archive_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"versekeep/internal/compliance"
	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/engine/archive"
	"versekeep/internal/engine/notify"
	"versekeep/internal/migrate"
	"versekeep/internal/repo"
)

var now = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (archive.Service, repo.Repo, *sql.Tx, domain.Contract) {
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
	clock := func() time.Time { return now }
	tx, err := r.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	c := domain.Contract{ID: "c1", WriterID: "w1", Platform: domain.PlatformMedium, Timezone: "UTC", StartDate: now, Status: domain.ContractActive, CreatedAt: now}
	if err := r.InsertContractTx(context.Background(), tx, c); err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	svc := archive.Service{
		Repo:          r,
		Log:           compliance.Writer{Repo: r, Now: clock},
		Notify:        notify.Service{Repo: r, Now: clock},
		EscalateAfter: 3,
	}
	return svc, r, tx, c
}

func insertPoem(t *testing.T, r repo.Repo, tx *sql.Tx, id string, deadline time.Time) domain.Poem {
	t.Helper()
	p := domain.Poem{ID: id, ContractID: "c1", VersionNumber: 1, Body: "lines", Status: domain.SubmissionSubmitted, SubmittedAt: deadline.Add(-7 * 24 * time.Hour), DeadlineAt: deadline}
	if err := r.InsertPoemTx(context.Background(), tx, p); err != nil {
		t.Fatalf("insert poem: %v", err)
	}
	return p
}

func TestArchiveElapsedSubmission(t *testing.T) {
	svc, r, tx, c := setup(t)
	ctx := context.Background()
	p := insertPoem(t, r, tx, "p1", now.Add(-time.Hour))

	res, err := svc.Archive(ctx, tx, c, p, now)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if res.Outcome != archive.OutcomeArchived || res.Notification == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	got, err := r.GetPoemTx(ctx, tx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.SubmissionArchived || got.Body != "lines" || got.ArchivedAt == nil {
		t.Fatalf("unexpected poem %+v", got)
	}

	// A stale copy still in an open status must not log twice.
	again, err := svc.Archive(ctx, tx, c, p, now)
	if err != nil {
		t.Fatalf("archive stale copy: %v", err)
	}
	if again.Outcome != archive.OutcomeAlreadyArchived || again.Notification != nil {
		t.Fatalf("unexpected second result %+v", again)
	}
	if res, _ := svc.Archive(ctx, tx, c, got, now); res.Outcome != archive.OutcomeAlreadyArchived {
		t.Fatalf("archived poem reported %s", res.Outcome)
	}
	entries, err := r.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: c.ID, Action: domain.ActionArchived})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one Archived entry, got %d %v", len(entries), err)
	}
}

func TestArchiveNotDue(t *testing.T) {
	svc, r, tx, c := setup(t)
	p := insertPoem(t, r, tx, "p1", now.Add(time.Minute))
	res, err := svc.Archive(context.Background(), tx, c, p, now)
	if err != nil || res.Outcome != archive.OutcomeNotDue {
		t.Fatalf("expected not due, got %+v %v", res, err)
	}
	// The deadline instant itself counts as elapsed.
	res, err = svc.Archive(context.Background(), tx, c, p, p.DeadlineAt)
	if err != nil || res.Outcome != archive.OutcomeArchived {
		t.Fatalf("expected archive at deadline, got %+v %v", res, err)
	}
}

func TestWithdrawIgnoresDeadline(t *testing.T) {
	svc, r, tx, c := setup(t)
	ctx := context.Background()
	p := insertPoem(t, r, tx, "p1", now.Add(72*time.Hour))
	res, err := svc.Withdraw(ctx, tx, c, p, now)
	if err != nil || res.Outcome != archive.OutcomeArchived || res.Notification != nil {
		t.Fatalf("unexpected withdraw result %+v %v", res, err)
	}
	got, err := r.GetPoemTx(ctx, tx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.SubmissionArchived || got.Body != "lines" {
		t.Fatalf("unexpected poem %+v", got)
	}
	entries, err := r.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: c.ID, Action: domain.ActionArchived})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one Archived entry, got %d %v", len(entries), err)
	}
	if entries[0].Detail["reason"] != "contract_archived" {
		t.Fatalf("unexpected detail %v", entries[0].Detail)
	}
}

func TestShouldEscalate(t *testing.T) {
	svc := archive.Service{EscalateAfter: 3}
	if svc.ShouldEscalate(2) || !svc.ShouldEscalate(3) || !svc.ShouldEscalate(4) {
		t.Fatalf("unexpected escalation threshold behavior")
	}
	if !(archive.Service{}).ShouldEscalate(1) {
		t.Fatalf("zero threshold should escalate on first archive")
	}
}
