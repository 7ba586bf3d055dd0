package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"versekeep/internal/compliance"
	"versekeep/internal/domain"
	"versekeep/internal/engine/notify"
	"versekeep/internal/repo"
)

type Outcome string

// Result describes one archival attempt. Notification is set when a warning
// was written.
type Result struct {
	Outcome      Outcome
	Notification *domain.Notification
}

const (
	OutcomeArchived        Outcome = "archived"
	OutcomeAlreadyArchived Outcome = "already_archived"
	OutcomeNotDue          Outcome = "not_due"
)

// Service archives submissions whose deadline elapsed. Archival keeps the
// body and version history.
type Service struct {
	Repo   repo.Repo
	Log    compliance.Writer
	Notify notify.Service
	// EscalateAfter is the archived count that moves a contract to archived.
	EscalateAfter int
}

// Archive moves p to archived when its deadline has elapsed at now.
func (s Service) Archive(ctx context.Context, tx *sql.Tx, c domain.Contract, p domain.Poem, now time.Time) (Result, error) {
	if p.Status == domain.SubmissionArchived {
		return Result{Outcome: OutcomeAlreadyArchived}, nil
	}
	if now.Before(p.DeadlineAt) {
		return Result{Outcome: OutcomeNotDue}, nil
	}
	res, err := s.archive(ctx, tx, c, p, now, "deadline_elapsed")
	if err != nil || res.Outcome != OutcomeArchived {
		return res, err
	}
	msg := fmt.Sprintf("Submission %s missed its deadline (%s) and was archived.", shortID(p.ID), p.DeadlineAt.In(c.Location()).Format("2006-01-02 15:04 MST"))
	n, created, err := s.Notify.Notify(ctx, tx, c, domain.SeverityWarning, msg, compliance.ArchivedKey(p.ID))
	if err != nil {
		return Result{}, err
	}
	if created {
		res.Notification = &n
	}
	return res, nil
}

// Withdraw archives an open submission of a contract that is itself being
// archived, whatever its deadline. The contract-level notification covers
// it, so no per-submission warning is written.
func (s Service) Withdraw(ctx context.Context, tx *sql.Tx, c domain.Contract, p domain.Poem, now time.Time) (Result, error) {
	if p.Status == domain.SubmissionArchived {
		return Result{Outcome: OutcomeAlreadyArchived}, nil
	}
	return s.archive(ctx, tx, c, p, now, "contract_archived")
}

func (s Service) archive(ctx context.Context, tx *sql.Tx, c domain.Contract, p domain.Poem, now time.Time, reason string) (Result, error) {
	if err := domain.EnsureSubmissionTransition(p.ID, p.Status, domain.SubmissionArchived, "archive"); err != nil {
		return Result{}, err
	}
	at := now.UTC()
	p.Status = domain.SubmissionArchived
	p.ArchivedAt = &at
	if err := s.Repo.UpdatePoemTx(ctx, tx, p); err != nil {
		return Result{}, fmt.Errorf("archive poem %s: %w", p.ID, err)
	}
	_, ok, err := s.Log.Append(ctx, tx, compliance.Entry{
		ContractID: c.ID,
		Action:     domain.ActionArchived,
		SubjectID:  p.ID,
		DedupeKey:  compliance.ArchivedKey(p.ID),
		Detail: compliance.Detail{
			"reason":         reason,
			"deadline_at":    p.DeadlineAt.UTC().Format(time.RFC3339),
			"version_number": p.VersionNumber,
		},
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeAlreadyArchived}, nil
	}
	return Result{Outcome: OutcomeArchived}, nil
}

// ShouldEscalate reports whether archivedCount reaches the contract-level
// threshold.
func (s Service) ShouldEscalate(archivedCount int) bool {
	threshold := s.EscalateAfter
	if threshold < 1 {
		threshold = 1
	}
	return archivedCount >= threshold
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
