package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"versekeep/internal/compliance"
	"versekeep/internal/domain"
	"versekeep/internal/repo"
)

type DeclareOptions struct {
	WriterID  string
	Platform  string
	Timezone  string
	StartDate *time.Time
}

// DeclarePlatform creates a pending contract. A writer holds at most one
// pending or active contract per platform.
func (e Engine) DeclarePlatform(ctx context.Context, opts DeclareOptions) (domain.Contract, error) {
	writerID := strings.TrimSpace(opts.WriterID)
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	if writerID == "" {
		return domain.Contract{}, domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	now := e.now()
	decl, err := e.Validator.ValidatePlatformDeclaration(opts.Platform, opts.Timezone, opts.StartDate, now)
	if err != nil {
		return domain.Contract{}, err
	}
	unlock, err := e.Locks.Lock(ctx, "declare:"+writerID+":"+string(decl.Platform))
	if err != nil {
		return domain.Contract{}, err
	}
	defer unlock()

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	existing, err := e.Repo.FindOpenContractTx(ctx, tx, writerID, decl.Platform)
	if err != nil {
		return domain.Contract{}, err
	}
	if existing != nil {
		return domain.Contract{}, domain.ConflictError{WriterID: writerID, Platform: decl.Platform, ExistingID: existing.ID}
	}
	c := domain.Contract{
		ID:        uuid.NewString(),
		WriterID:  writerID,
		Platform:  decl.Platform,
		Timezone:  decl.Location.String(),
		StartDate: decl.StartDate,
		Status:    domain.ContractPending,
		CreatedAt: now,
	}
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Contract{}, domain.ConflictError{WriterID: writerID, Platform: decl.Platform}
		}
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if _, _, err := e.Log.Append(ctx, tx, compliance.Entry{
		ContractID: c.ID,
		Action:     domain.ActionContractDeclared,
		Detail: compliance.Detail{
			"platform":   string(c.Platform),
			"timezone":   c.Timezone,
			"start_date": formatTS(c.StartDate),
		},
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, domain.StoreError{Op: "commit", Err: err}
	}
	e.log().Info("contract declared", "contract_id", c.ID, "writer_id", writerID, "platform", string(c.Platform))
	return c, nil
}

// InitContract attaches cadence rules and activates a pending contract. The
// first release falls due one period after the anchor.
func (e Engine) InitContract(ctx context.Context, contractID string, rules domain.Cadence) (domain.Contract, error) {
	var out domain.Contract
	err := e.withContract(ctx, contractID, func(t *txn, c domain.Contract) error {
		if err := domain.EnsureContractTransition(c.ID, c.Status, domain.ContractActive, "init"); err != nil {
			return err
		}
		cadence, err := e.Validator.ValidateCadence(rules)
		if err != nil {
			return err
		}
		now := e.now()
		c.Cadence = cadence
		c.Status = domain.ContractActive
		c.ActivatedAt = ptrTime(now)
		c.PeriodsEvaluated = 0
		_, due := c.PeriodBounds(0)
		c.ReleaseDueAt = ptrTime(due.UTC())
		if err := e.Repo.UpdateContractTx(ctx, t.tx, c); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionContractActivated,
			Detail: compliance.Detail{
				"period":              string(cadence.Period),
				"releases_per_period": cadence.ReleasesPerPeriod,
				"term_periods":        cadence.TermPeriods,
				"release_due_at":      formatTS(due),
				"term_ends_at":        formatTS(c.TermEndsAt()),
			},
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return domain.Contract{}, err
	}
	e.log().Info("contract activated", "contract_id", out.ID, "cadence", out.Cadence.String())
	return out, nil
}

// StatusView summarizes a contract for display.
type StatusView struct {
	Contract         domain.Contract `json:"contract"`
	Poems            []domain.Poem   `json:"poems"`
	OpenSubmissions  int             `json:"open_submissions"`
	ArchivedCount    int             `json:"archived_count"`
	PublishedCount   int             `json:"published_count"`
	CurrentPeriod    int             `json:"current_period"`
	TermEndsAt       *time.Time      `json:"term_ends_at,omitempty"`
	UnreadNotices    int             `json:"unread_notifications"`
	OpenPatternCount int             `json:"open_patterns"`
}

func (e Engine) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if !e.visible(c) {
		return domain.Contract{}, domain.NotFoundError{Entity: "contract", ID: contractID}
	}
	return c, nil
}

func (e Engine) Status(ctx context.Context, contractID string) (StatusView, error) {
	c, err := e.GetContract(ctx, contractID)
	if err != nil {
		return StatusView{}, err
	}
	poems, err := e.Repo.ListPoems(ctx, c.ID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Contract: c, Poems: poems}
	for _, p := range poems {
		switch {
		case p.Status.Open():
			view.OpenSubmissions++
		case p.Status == domain.SubmissionArchived:
			view.ArchivedCount++
		case p.Status == domain.SubmissionPublished:
			view.PublishedCount++
		}
	}
	if c.Cadence.Period != "" && c.ActivatedAt != nil {
		end := c.TermEndsAt().UTC()
		view.TermEndsAt = &end
		view.CurrentPeriod = c.PeriodsEvaluated
	}
	notes, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{WriterID: c.WriterID, ContractID: c.ID, UnreadOnly: true})
	if err != nil {
		return StatusView{}, err
	}
	view.UnreadNotices = len(notes)
	open, err := e.Patterns.List(ctx, repo.PatternFilters{WriterID: c.WriterID, ContractID: c.ID, Unacknowledged: true})
	if err != nil {
		return StatusView{}, err
	}
	view.OpenPatternCount = len(open)
	return view, nil
}

// ListContracts returns the scoped writer's contracts, or every contract when
// unscoped and writerID is empty.
func (e Engine) ListContracts(ctx context.Context, writerID string, statuses ...domain.ContractStatus) ([]domain.Contract, error) {
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	return e.Repo.ListContracts(ctx, repo.ContractFilters{WriterID: writerID, Status: statuses})
}

// ComplianceLog returns the contract's entries ordered by occurrence.
func (e Engine) ComplianceLog(ctx context.Context, contractID string) ([]domain.LogEntry, error) {
	if _, err := e.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return e.Repo.ListLogEntries(ctx, repo.LogFilters{ContractID: contractID})
}

func (e Engine) Notifications(ctx context.Context, writerID string, unreadOnly bool) ([]domain.Notification, error) {
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	if writerID == "" {
		return nil, domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	return e.Notifier.List(ctx, writerID, unreadOnly)
}

// MarkNotificationRead is idempotent: the first read time is kept.
func (e Engine) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	n, err := e.Notifier.Get(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if e.writerScope != "" && n.WriterID != e.writerScope {
		return domain.Notification{}, domain.NotFoundError{Entity: "notification", ID: id}
	}
	return e.Notifier.MarkRead(ctx, id)
}

func (e Engine) ListPatterns(ctx context.Context, f repo.PatternFilters) ([]domain.Pattern, error) {
	if e.writerScope != "" {
		f.WriterID = e.writerScope
	}
	if f.WriterID == "" {
		return nil, domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	return e.Patterns.List(ctx, f)
}

func (e Engine) PatternSummary(ctx context.Context, writerID string) ([]domain.PatternCount, error) {
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	if writerID == "" {
		return nil, domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	return e.Patterns.Summarize(ctx, writerID)
}

// AcknowledgePattern is monotonic; acknowledging twice is not an error.
func (e Engine) AcknowledgePattern(ctx context.Context, id string) (domain.Pattern, error) {
	p, err := e.Patterns.Get(ctx, id)
	if err != nil {
		return domain.Pattern{}, err
	}
	if e.writerScope != "" && p.WriterID != e.writerScope {
		return domain.Pattern{}, domain.NotFoundError{Entity: "pattern", ID: id}
	}
	return e.Patterns.Acknowledge(ctx, id)
}
