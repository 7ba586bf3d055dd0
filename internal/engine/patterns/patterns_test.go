package patterns_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"versekeep/internal/compliance"
	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/engine/patterns"
	"versekeep/internal/migrate"
	"versekeep/internal/repo"
)

var now = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

type env struct {
	svc patterns.Service
	log compliance.Writer
	r   repo.Repo
	tx  *sql.Tx
	c   domain.Contract
}

func newEnv(t *testing.T) env {
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
	tx, err := r.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	c := domain.Contract{ID: "c1", WriterID: "w1", Platform: domain.PlatformTwitter, Timezone: "UTC", StartDate: now, Status: domain.ContractActive, CreatedAt: now}
	if err := r.InsertContractTx(context.Background(), tx, c); err != nil {
		t.Fatalf("insert contract: %v", err)
	}
	clock := func() time.Time { return now }
	return env{
		svc: patterns.Service{Repo: r, Now: clock, Thresholds: patterns.Thresholds{LateSubmission: 2, Revision: 3, Escalation: 2}},
		log: compliance.Writer{Repo: r, Now: clock},
		r:   r,
		tx:  tx,
		c:   c,
	}
}

func (e env) append(t *testing.T, action domain.Action, subject string, detail compliance.Detail) {
	t.Helper()
	if _, _, err := e.log.Append(context.Background(), e.tx, compliance.Entry{ContractID: e.c.ID, Action: action, SubjectID: subject, Detail: detail}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRecordIfNovelReturnsOpenRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, created, err := e.svc.RecordIfNovel(ctx, e.tx, "w1", "c1", domain.PatternMissedCadence, []string{"a"})
	if err != nil || !created {
		t.Fatalf("first record: %v %v", created, err)
	}
	second, created, err := e.svc.RecordIfNovel(ctx, e.tx, "w1", "c1", domain.PatternMissedCadence, []string{"b"})
	if err != nil || created {
		t.Fatalf("second record: %v %v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing record %s, got %s", first.ID, second.ID)
	}
	if _, _, err := e.svc.RecordIfNovel(ctx, e.tx, "w1", "c1", domain.PatternType("Sloth"), nil); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDetectLateSubmissionsCountsGracePublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.append(t, domain.ActionPublished, "p1", compliance.Detail{"late": false})
	e.append(t, domain.ActionArchived, "p2", nil)
	if _, created, err := e.svc.DetectLateSubmissions(ctx, e.tx, e.c); err != nil || created {
		t.Fatalf("below threshold: %v %v", created, err)
	}
	e.append(t, domain.ActionPublished, "p3", compliance.Detail{"late": true})
	p, created, err := e.svc.DetectLateSubmissions(ctx, e.tx, e.c)
	if err != nil || !created {
		t.Fatalf("at threshold: %v %v", created, err)
	}
	if len(p.EvidenceRefs) != 2 || p.Type != domain.PatternRepeatedLateSubmission {
		t.Fatalf("unexpected record %+v", p)
	}
}

func TestDetectFrequentRevisionPerPoem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e.append(t, domain.ActionRevisionAccepted, "p1", compliance.Detail{"version_number": i + 2})
		e.append(t, domain.ActionRevisionAccepted, "p2", compliance.Detail{"version_number": i + 2})
	}
	if _, created, err := e.svc.DetectFrequentRevision(ctx, e.tx, e.c, "p1"); err != nil || created {
		t.Fatalf("revisions of different poems must not add up: %v %v", created, err)
	}
	e.append(t, domain.ActionRevisionAccepted, "p1", compliance.Detail{"version_number": 4})
	if _, created, err := e.svc.DetectFrequentRevision(ctx, e.tx, e.c, "p1"); err != nil || !created {
		t.Fatalf("expected record: %v %v", created, err)
	}
}

func TestDetectRepeatedEscalationIsWriterLevel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		c := domain.Contract{ID: fmt.Sprintf("x%d", i), WriterID: "w1", Platform: domain.PlatformMedium, Timezone: "UTC", StartDate: now, Status: domain.ContractBroken, CreatedAt: now, ClosedAt: &now}
		if err := e.r.InsertContractTx(ctx, e.tx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if _, _, err := e.log.Append(ctx, e.tx, compliance.Entry{ContractID: c.ID, Action: domain.ActionContractBroken}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	p, created, err := e.svc.DetectRepeatedEscalation(ctx, e.tx, "w1")
	if err != nil || !created {
		t.Fatalf("expected record: %v %v", created, err)
	}
	if p.ContractID != "" || p.SubjectKey() != "writer:w1" || len(p.EvidenceRefs) != 2 {
		t.Fatalf("unexpected record %+v", p)
	}
}

func TestSummarizeIncludesEveryType(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, _, err := e.svc.RecordIfNovel(ctx, e.tx, "w1", "c1", domain.PatternMissedCadence, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := e.tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rows, err := e.svc.Summarize(ctx, "w1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(rows) != len(domain.PatternTypes) {
		t.Fatalf("expected %d rows, got %d", len(domain.PatternTypes), len(rows))
	}
	for _, row := range rows {
		want := 0
		if row.Type == domain.PatternMissedCadence {
			want = 1
		}
		if row.Unacknowledged != want || row.Acknowledged != 0 {
			t.Fatalf("unexpected row %+v", row)
		}
	}
}
