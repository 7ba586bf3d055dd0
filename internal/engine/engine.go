package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"versekeep/internal/compliance"
	"versekeep/internal/config"
	"versekeep/internal/domain"
	"versekeep/internal/engine/archive"
	"versekeep/internal/engine/notify"
	"versekeep/internal/engine/patterns"
	"versekeep/internal/engine/validate"
	"versekeep/internal/lock"
	"versekeep/internal/logger"
	"versekeep/internal/repo"
)

// Validator checks declarations, cadence rules and submission bodies.
type Validator interface {
	ValidatePlatformDeclaration(platform, timezone string, startDate *time.Time, now time.Time) (validate.Declaration, error)
	ValidateCadence(rules domain.Cadence) (domain.Cadence, error)
	ValidateSubmission(c domain.Contract, body string) error
	SubmissionWindow(c domain.Contract) time.Duration
}

// Archiver archives overdue submissions and decides contract escalation.
type Archiver interface {
	Archive(ctx context.Context, tx *sql.Tx, c domain.Contract, p domain.Poem, now time.Time) (archive.Result, error)
	Withdraw(ctx context.Context, tx *sql.Tx, c domain.Contract, p domain.Poem, now time.Time) (archive.Result, error)
	ShouldEscalate(archivedCount int) bool
}

// PatternTracker records and reads behavioral patterns.
type PatternTracker interface {
	RecordIfNovel(ctx context.Context, tx *sql.Tx, writerID, contractID string, typ domain.PatternType, evidence []string) (domain.Pattern, bool, error)
	DetectLateSubmissions(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Pattern, bool, error)
	DetectFrequentRevision(ctx context.Context, tx *sql.Tx, c domain.Contract, poemID string) (domain.Pattern, bool, error)
	DetectRepeatedEscalation(ctx context.Context, tx *sql.Tx, writerID string) (domain.Pattern, bool, error)
	Acknowledge(ctx context.Context, id string) (domain.Pattern, error)
	Get(ctx context.Context, id string) (domain.Pattern, error)
	List(ctx context.Context, f repo.PatternFilters) ([]domain.Pattern, error)
	Summarize(ctx context.Context, writerID string) ([]domain.PatternCount, error)
}

// Notifier stores notification records.
type Notifier interface {
	Notify(ctx context.Context, tx *sql.Tx, c domain.Contract, sev domain.Severity, message, dedupeKey string) (domain.Notification, bool, error)
	MarkRead(ctx context.Context, id string) (domain.Notification, error)
	Get(ctx context.Context, id string) (domain.Notification, error)
	List(ctx context.Context, writerID string, unreadOnly bool) ([]domain.Notification, error)
}

// Engine is the only writer of contracts and submissions. Every operation
// runs under the contract's lock in a single transaction.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Log       compliance.Writer
	Validator Validator
	Archiver  Archiver
	Patterns  PatternTracker
	Notifier  Notifier
	Publisher notify.Publisher
	Locks     *lock.Keyed
	Config    *config.Config
	Logger    *logger.Logger
	Now       func() time.Time

	// writerScope hides contracts of other writers when set.
	writerScope string
}

type Options struct {
	Now       func() time.Time
	Logger    *logger.Logger
	Publisher notify.Publisher
	Locks     *lock.Keyed
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.New()
	}
	r := repo.Repo{DB: db}
	writer := compliance.Writer{Repo: r, Now: now}
	notifier := notify.Service{Repo: r, Now: now}
	return Engine{
		DB:        db,
		Repo:      r,
		Log:       writer,
		Validator: validate.New(cfg),
		Archiver: archive.Service{
			Repo:          r,
			Log:           writer,
			Notify:        notifier,
			EscalateAfter: cfg.Enforcement.EscalateAfterArchived,
		},
		Patterns: patterns.Service{
			Repo: r,
			Now:  now,
			Thresholds: patterns.Thresholds{
				LateSubmission: cfg.Patterns.LateSubmissionThreshold,
				Revision:       cfg.Patterns.RevisionThreshold,
				Escalation:     cfg.Patterns.EscalationThreshold,
			},
		},
		Notifier:  notifier,
		Publisher: pub,
		Locks:     locks,
		Config:    cfg,
		Logger:    log,
		Now:       now,
	}
}

// ForWriter returns a copy that only sees the given writer's records.
// An empty writerID removes the scope.
func (e Engine) ForWriter(writerID string) Engine {
	e.writerScope = writerID
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logger.Logger {
	if e.Logger == nil {
		return logger.Nop()
	}
	return e.Logger
}

func (e Engine) visible(c domain.Contract) bool {
	return e.writerScope == "" || c.WriterID == e.writerScope
}

// txn carries one transaction and the notifications it wrote, which are
// published once it commits.
type txn struct {
	tx    *sql.Tx
	notes []domain.Notification
}

// withContract locks contractID, loads it inside a transaction and commits
// when fn succeeds.
func (e Engine) withContract(ctx context.Context, contractID string, fn func(t *txn, c domain.Contract) error) error {
	unlock, err := e.Locks.Lock(ctx, contractID)
	if err != nil {
		return fmt.Errorf("lock contract %s: %w", contractID, err)
	}
	defer unlock()
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if !e.visible(c) {
		return domain.NotFoundError{Entity: "contract", ID: contractID}
	}
	t := &txn{tx: tx}
	if err := fn(t, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreError{Op: "commit", Err: err}
	}
	e.publish(ctx, t.notes)
	return nil
}

// withPoem resolves the poem's contract, then runs fn under that contract's
// lock with both records reloaded inside the transaction.
func (e Engine) withPoem(ctx context.Context, poemID string, fn func(t *txn, c domain.Contract, p domain.Poem) error) error {
	p, err := e.Repo.GetPoem(ctx, poemID)
	if err != nil {
		return err
	}
	return e.withContract(ctx, p.ContractID, func(t *txn, c domain.Contract) error {
		current, err := e.Repo.GetPoemTx(ctx, t.tx, poemID)
		if err != nil {
			return err
		}
		return fn(t, c, current)
	})
}

func (e Engine) notify(ctx context.Context, t *txn, c domain.Contract, sev domain.Severity, msg, key string) error {
	n, created, err := e.Notifier.Notify(ctx, t.tx, c, sev, msg, key)
	if err != nil {
		return err
	}
	if created {
		t.notes = append(t.notes, n)
	}
	return nil
}

func (e Engine) notifyPattern(ctx context.Context, t *txn, c domain.Contract, p domain.Pattern, created bool) error {
	if !created {
		return nil
	}
	e.log().Info("pattern detected", "writer_id", p.WriterID, "contract_id", p.ContractID, "pattern_type", string(p.Type))
	return e.notify(ctx, t, c, domain.SeverityWarning, patternMessage(p), "pattern:"+p.ID)
}

// publish is best effort; the records are already committed.
func (e Engine) publish(ctx context.Context, notes []domain.Notification) {
	if e.Publisher == nil {
		return
	}
	for _, n := range notes {
		if err := e.Publisher.Publish(ctx, n); err != nil {
			e.log().Warn("publish notification failed", "notification_id", n.ID, "error", err)
		}
	}
}

func (e Engine) appendLog(ctx context.Context, t *txn, entry compliance.Entry) (domain.LogEntry, error) {
	logged, _, err := e.Log.Append(ctx, t.tx, entry)
	return logged, err
}

func contractStateError(c domain.Contract, op, reason string) error {
	return domain.StateError{Entity: "contract", ID: c.ID, Status: string(c.Status), Op: op, Reason: reason}
}

func poemStateError(p domain.Poem, op, reason string) error {
	return domain.StateError{Entity: "poem", ID: p.ID, Status: string(p.Status), Op: op, Reason: reason}
}

func patternMessage(p domain.Pattern) string {
	switch p.Type {
	case domain.PatternRepeatedLateSubmission:
		return "Pattern detected: submissions keep missing their deadline."
	case domain.PatternFrequentRevision:
		return "Pattern detected: a submission is being revised repeatedly instead of published."
	case domain.PatternMissedCadence:
		return "Pattern detected: the publishing cadence was missed."
	case domain.PatternRepeatedEscalation:
		return "Pattern detected: several contracts have ended archived or broken."
	}
	return "Pattern detected: " + string(p.Type)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
