package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"versekeep/internal/compliance"
	"versekeep/internal/domain"
	"versekeep/internal/engine/archive"
	"versekeep/internal/engine/notify"
)

// DeadlineResult reports one hourly deadline check.
type DeadlineResult struct {
	ContractID  string    `json:"contract_id"`
	WindowStart time.Time `json:"window_start"`
	Skipped     bool      `json:"skipped"`
	Archived    []string  `json:"archived,omitempty"`
	Reminded    []string  `json:"reminded,omitempty"`
	Withdrawn   []string  `json:"withdrawn,omitempty"`
	Escalated   bool      `json:"escalated"`
}

// Acted reports whether the check changed anything beyond its watermark.
func (r DeadlineResult) Acted() bool {
	return len(r.Archived) > 0 || len(r.Reminded) > 0 || r.Escalated
}

// WindowStart returns the start of the local clock hour containing now.
func WindowStart(c domain.Contract, now time.Time) time.Time {
	local := now.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
}

// CheckDeadlines runs at most once per local hour window per contract. It
// archives elapsed submissions, sends one reminder per submission close to
// its deadline, escalates the contract once enough submissions are archived,
// and always records DeadlineChecked.
func (e Engine) CheckDeadlines(ctx context.Context, contractID string) (DeadlineResult, error) {
	res := DeadlineResult{ContractID: contractID}
	err := e.withContract(ctx, contractID, func(t *txn, c domain.Contract) error {
		now := e.now()
		window := WindowStart(c, now)
		res.WindowStart = window.UTC()
		if c.Status != domain.ContractActive {
			res.Skipped = true
			return nil
		}
		if c.LastCheckedAt != nil && !c.LastCheckedAt.Before(window) {
			res.Skipped = true
			return nil
		}
		key := compliance.DeadlineWindowKey(c.ID, window)
		seen, err := e.Log.Seen(ctx, t.tx, key)
		if err != nil {
			return err
		}
		if seen {
			res.Skipped = true
			return nil
		}

		open, err := e.Repo.ListOpenPoemsTx(ctx, t.tx, c.ID)
		if err != nil {
			return err
		}
		reminderBefore := e.Config.Enforcement.ReminderBefore
		for _, p := range open {
			out, err := e.Archiver.Archive(ctx, t.tx, c, p, now)
			if err != nil {
				return err
			}
			if out.Notification != nil {
				t.notes = append(t.notes, *out.Notification)
			}
			switch out.Outcome {
			case archive.OutcomeArchived:
				res.Archived = append(res.Archived, p.ID)
				continue
			case archive.OutcomeAlreadyArchived:
				continue
			}
			if reminderBefore > 0 && p.DeadlineAt.Sub(now) <= reminderBefore {
				msg := fmt.Sprintf("Submission %s must be published by %s.", shortID(p.ID), p.DeadlineAt.In(c.Location()).Format("2006-01-02 15:04 MST"))
				n, created, err := e.Notifier.Notify(ctx, t.tx, c, domain.SeverityWarning, msg, notify.ReminderKey(p.ID))
				if err != nil {
					return err
				}
				if created {
					t.notes = append(t.notes, n)
					res.Reminded = append(res.Reminded, p.ID)
				}
			}
		}

		if len(res.Archived) > 0 {
			pattern, created, err := e.Patterns.DetectLateSubmissions(ctx, t.tx, c)
			if err != nil {
				return err
			}
			if err := e.notifyPattern(ctx, t, c, pattern, created); err != nil {
				return err
			}
		}

		archivedCount, err := e.Repo.CountPoemsByStatusTx(ctx, t.tx, c.ID, domain.SubmissionArchived)
		if err != nil {
			return err
		}
		if len(res.Archived) > 0 && e.Archiver.ShouldEscalate(archivedCount) {
			if err := domain.EnsureContractTransition(c.ID, c.Status, domain.ContractArchived, "escalate"); err != nil {
				return err
			}
			for _, p := range open {
				if slices.Contains(res.Archived, p.ID) {
					continue
				}
				out, err := e.Archiver.Withdraw(ctx, t.tx, c, p, now)
				if err != nil {
					return err
				}
				if out.Outcome == archive.OutcomeArchived {
					res.Withdrawn = append(res.Withdrawn, p.ID)
				}
			}
			c.Status = domain.ContractArchived
			c.ClosedAt = ptrTime(now)
			if _, err := e.appendLog(ctx, t, compliance.Entry{
				ContractID: c.ID,
				Action:     domain.ActionContractArchived,
				Detail: compliance.Detail{
					"reason":         "archived_submissions",
					"archived_count": archivedCount,
					"withdrawn":      len(res.Withdrawn),
				},
			}); err != nil {
				return err
			}
			msg := fmt.Sprintf("Contract on %s was archived after %d submissions missed their deadline.", c.Platform, archivedCount)
			if err := e.notify(ctx, t, c, domain.SeverityCritical, msg, "contract_archived:"+c.ID); err != nil {
				return err
			}
			res.Escalated = true
		}

		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionDeadlineChecked,
			DedupeKey:  key,
			Detail: compliance.Detail{
				"window_start":   formatTS(window),
				"open":           len(open),
				"archived_count": len(res.Archived),
				"reminders":      len(res.Reminded),
				"escalated":      res.Escalated,
			},
		}); err != nil {
			return err
		}
		c.LastCheckedAt = ptrTime(now)
		if err := e.Repo.UpdateContractTx(ctx, t.tx, c); err != nil {
			return err
		}
		if res.Escalated {
			return e.detectEscalation(ctx, t, c)
		}
		return nil
	})
	if err != nil {
		return DeadlineResult{}, err
	}
	if res.Acted() {
		e.log().Info("deadline check", "contract_id", contractID, "archived", len(res.Archived), "reminded", len(res.Reminded), "escalated", res.Escalated)
	}
	return res, nil
}

// ReleaseResult reports one cadence evaluation.
type ReleaseResult struct {
	ContractID       string `json:"contract_id"`
	Skipped          bool   `json:"skipped"`
	PeriodsEvaluated int    `json:"periods_evaluated"`
	Evaluated        int    `json:"evaluated"`
	Broken           bool   `json:"broken"`
}

// CheckMonthlyReleaseDeadline evaluates every fully elapsed period not yet
// evaluated. A period with fewer publications than the cadence requires
// breaks the contract.
func (e Engine) CheckMonthlyReleaseDeadline(ctx context.Context, contractID string) (ReleaseResult, error) {
	res := ReleaseResult{ContractID: contractID}
	err := e.withContract(ctx, contractID, func(t *txn, c domain.Contract) error {
		if c.Status != domain.ContractActive {
			res.Skipped = true
			res.PeriodsEvaluated = c.PeriodsEvaluated
			return nil
		}
		now := e.now()
		for c.PeriodsEvaluated < c.Cadence.TermPeriods {
			k := c.PeriodsEvaluated
			start, end := c.PeriodBounds(k)
			if now.Before(end) {
				break
			}
			published, err := e.Repo.CountPublishedTx(ctx, t.tx, c.ID, start, end)
			if err != nil {
				return err
			}
			res.Evaluated++
			detail := compliance.Detail{
				"period":       k,
				"period_start": formatTS(start),
				"period_end":   formatTS(end),
				"published":    published,
				"required":     c.Cadence.ReleasesPerPeriod,
			}
			if published < c.Cadence.ReleasesPerPeriod {
				if err := e.breakContract(ctx, t, &c, now, detail); err != nil {
					return err
				}
				res.Broken = true
				break
			}
			c.PeriodsEvaluated++
			if c.PeriodsEvaluated < c.Cadence.TermPeriods {
				_, next := c.PeriodBounds(c.PeriodsEvaluated)
				c.ReleaseDueAt = ptrTime(next.UTC())
			} else {
				c.ReleaseDueAt = nil
			}
			if _, err := e.appendLog(ctx, t, compliance.Entry{
				ContractID: c.ID,
				Action:     domain.ActionReleaseChecked,
				DedupeKey:  fmt.Sprintf("release_checked:%s:%d", c.ID, k),
				Detail:     detail,
			}); err != nil {
				return err
			}
		}
		c.ReleaseCheckedAt = ptrTime(now)
		res.PeriodsEvaluated = c.PeriodsEvaluated
		if err := e.Repo.UpdateContractTx(ctx, t.tx, c); err != nil {
			return err
		}
		if res.Broken {
			return e.detectEscalation(ctx, t, c)
		}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	if res.Broken {
		e.log().Info("contract broken", "contract_id", contractID, "periods_evaluated", res.PeriodsEvaluated)
	}
	return res, nil
}

func (e Engine) breakContract(ctx context.Context, t *txn, c *domain.Contract, now time.Time, detail compliance.Detail) error {
	if err := domain.EnsureContractTransition(c.ID, c.Status, domain.ContractBroken, "break"); err != nil {
		return err
	}
	c.Status = domain.ContractBroken
	c.ClosedAt = ptrTime(now)
	c.ReleaseDueAt = nil
	entry, err := e.appendLog(ctx, t, compliance.Entry{
		ContractID: c.ID,
		Action:     domain.ActionContractBroken,
		Detail:     detail,
	})
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Contract on %s is broken: period %v had %v of %v required releases.", c.Platform, detail["period"], detail["published"], detail["required"])
	if err := e.notify(ctx, t, *c, domain.SeverityCritical, msg, "contract_broken:"+c.ID); err != nil {
		return err
	}
	pattern, created, err := e.Patterns.RecordIfNovel(ctx, t.tx, c.WriterID, c.ID, domain.PatternMissedCadence, []string{entry.ID})
	if err != nil {
		return err
	}
	return e.notifyPattern(ctx, t, *c, pattern, created)
}

// detectEscalation runs after c reached archived or broken.
func (e Engine) detectEscalation(ctx context.Context, t *txn, c domain.Contract) error {
	pattern, created, err := e.Patterns.DetectRepeatedEscalation(ctx, t.tx, c.WriterID)
	if err != nil {
		return err
	}
	return e.notifyPattern(ctx, t, c, pattern, created)
}

// FinalizeResult reports one finalization attempt.
type FinalizeResult struct {
	ContractID string `json:"contract_id"`
	Skipped    bool   `json:"skipped"`
	Finalized  bool   `json:"finalized"`
	Reason     string `json:"reason,omitempty"`
}

// FinalizeContract completes an active contract whose term has ended with
// every period evaluated and no submission still open.
func (e Engine) FinalizeContract(ctx context.Context, contractID string) (FinalizeResult, error) {
	res := FinalizeResult{ContractID: contractID}
	err := e.withContract(ctx, contractID, func(t *txn, c domain.Contract) error {
		if c.Status != domain.ContractActive {
			res.Skipped = true
			res.Reason = "contract is " + string(c.Status)
			return nil
		}
		now := e.now()
		c.FinalizeCheckedAt = ptrTime(now)
		open, err := e.Repo.CountPoemsByStatusTx(ctx, t.tx, c.ID, domain.SubmissionSubmitted, domain.SubmissionRevised)
		if err != nil {
			return err
		}
		switch {
		case now.Before(c.TermEndsAt()):
			res.Reason = "term not ended"
		case c.PeriodsEvaluated < c.Cadence.TermPeriods:
			res.Reason = "periods not evaluated"
		case open > 0:
			res.Reason = "open submissions"
		}
		if res.Reason == "" {
			if err := domain.EnsureContractTransition(c.ID, c.Status, domain.ContractCompleted, "finalize"); err != nil {
				return err
			}
			published, err := e.Repo.CountPoemsByStatusTx(ctx, t.tx, c.ID, domain.SubmissionPublished)
			if err != nil {
				return err
			}
			c.Status = domain.ContractCompleted
			c.FinalizedAt = ptrTime(now)
			if _, err := e.appendLog(ctx, t, compliance.Entry{
				ContractID: c.ID,
				Action:     domain.ActionContractFinalized,
				Detail: compliance.Detail{
					"term_periods": c.Cadence.TermPeriods,
					"published":    published,
				},
			}); err != nil {
				return err
			}
			msg := fmt.Sprintf("Contract on %s completed: %d periods kept.", c.Platform, c.Cadence.TermPeriods)
			if err := e.notify(ctx, t, c, domain.SeverityInfo, msg, "contract_finalized:"+c.ID); err != nil {
				return err
			}
			res.Finalized = true
		}
		return e.Repo.UpdateContractTx(ctx, t.tx, c)
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	if res.Finalized {
		e.log().Info("contract finalized", "contract_id", contractID)
	}
	return res, nil
}

// CheckMonthlyReleaseDeadlines evaluates every active contract. Each contract
// commits on its own; failures are joined and do not stop the pass.
func (e Engine) CheckMonthlyReleaseDeadlines(ctx context.Context) ([]ReleaseResult, error) {
	ids, err := e.Repo.ActiveContractIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out  []ReleaseResult
		errs []error
	)
	for _, id := range ids {
		res, err := e.CheckMonthlyReleaseDeadline(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", id, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// FinalizeCompletedContracts attempts finalization of every active contract.
func (e Engine) FinalizeCompletedContracts(ctx context.Context) ([]FinalizeResult, error) {
	ids, err := e.Repo.ActiveContractIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out  []FinalizeResult
		errs []error
	)
	for _, id := range ids {
		res, err := e.FinalizeContract(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", id, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// CheckAllDeadlines runs CheckDeadlines for every active contract.
func (e Engine) CheckAllDeadlines(ctx context.Context) ([]DeadlineResult, error) {
	ids, err := e.Repo.ActiveContractIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out  []DeadlineResult
		errs []error
	)
	for _, id := range ids {
		res, err := e.CheckDeadlines(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", id, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
