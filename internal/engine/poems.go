package engine

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"versekeep/internal/compliance"
	"versekeep/internal/domain"
)

type SubmitOptions struct {
	ContractID string
	Title      string
	Body       string
}

// SubmitPoem records version 1 of a new submission on an active contract.
// The deadline is fixed here and never moves.
func (e Engine) SubmitPoem(ctx context.Context, opts SubmitOptions) (domain.Poem, error) {
	var out domain.Poem
	err := e.withContract(ctx, opts.ContractID, func(t *txn, c domain.Contract) error {
		if c.Status != domain.ContractActive {
			return contractStateError(c, "accept submissions", "")
		}
		if err := e.Validator.ValidateSubmission(c, opts.Body); err != nil {
			return err
		}
		if err := domain.EnsureSubmissionTransition("", domain.SubmissionDraft, domain.SubmissionSubmitted, "submit"); err != nil {
			return err
		}
		now := e.now()
		p := domain.Poem{
			ID:            uuid.NewString(),
			ContractID:    c.ID,
			Title:         strings.TrimSpace(opts.Title),
			VersionNumber: 1,
			Body:          opts.Body,
			Status:        domain.SubmissionSubmitted,
			SubmittedAt:   now,
			DeadlineAt:    now.Add(e.Validator.SubmissionWindow(c)),
		}
		if err := e.Repo.InsertPoemTx(ctx, t.tx, p); err != nil {
			return err
		}
		if err := e.Repo.InsertPoemVersionTx(ctx, t.tx, domain.PoemVersion{PoemID: p.ID, VersionNumber: 1, Body: p.Body, CreatedAt: now}); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionSubmissionAccepted,
			SubjectID:  p.ID,
			Detail: compliance.Detail{
				"version_number": 1,
				"deadline_at":    formatTS(p.DeadlineAt),
				"length":         utf8.RuneCountInString(p.Body),
			},
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Poem{}, err
	}
	e.log().Info("submission accepted", "contract_id", out.ContractID, "poem_id", out.ID, "deadline_at", formatTS(out.DeadlineAt))
	return out, nil
}

// SubmitRevision stores the next version of an open submission. Revising
// past the deadline is refused; the submission waits for archival.
func (e Engine) SubmitRevision(ctx context.Context, poemID, body string) (domain.Poem, error) {
	var out domain.Poem
	err := e.withPoem(ctx, poemID, func(t *txn, c domain.Contract, p domain.Poem) error {
		if c.Status != domain.ContractActive {
			return contractStateError(c, "accept revisions", "")
		}
		if err := domain.EnsureSubmissionTransition(p.ID, p.Status, domain.SubmissionRevised, "revise"); err != nil {
			return err
		}
		now := e.now()
		if !now.Before(p.DeadlineAt) {
			return poemStateError(p, "revise", "deadline elapsed")
		}
		if err := e.Validator.ValidateSubmission(c, body); err != nil {
			return err
		}
		p.VersionNumber++
		p.Body = body
		p.Status = domain.SubmissionRevised
		p.RevisedAt = ptrTime(now)
		if err := e.Repo.UpdatePoemTx(ctx, t.tx, p); err != nil {
			return err
		}
		if err := e.Repo.InsertPoemVersionTx(ctx, t.tx, domain.PoemVersion{PoemID: p.ID, VersionNumber: p.VersionNumber, Body: body, CreatedAt: now}); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionRevisionAccepted,
			SubjectID:  p.ID,
			Detail: compliance.Detail{
				"version_number": p.VersionNumber,
				"length":         utf8.RuneCountInString(body),
			},
		}); err != nil {
			return err
		}
		pattern, created, err := e.Patterns.DetectFrequentRevision(ctx, t.tx, c, p.ID)
		if err != nil {
			return err
		}
		if err := e.notifyPattern(ctx, t, c, pattern, created); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Poem{}, err
	}
	return out, nil
}

// PublishPoem publishes an open submission before its deadline. With grace
// set, a submission may still publish within the grace window after the
// deadline; it is then marked late.
func (e Engine) PublishPoem(ctx context.Context, poemID string, grace bool) (domain.Poem, error) {
	var out domain.Poem
	err := e.withPoem(ctx, poemID, func(t *txn, c domain.Contract, p domain.Poem) error {
		if c.Status != domain.ContractActive {
			return contractStateError(c, "publish", "")
		}
		if err := domain.EnsureSubmissionTransition(p.ID, p.Status, domain.SubmissionPublished, "publish"); err != nil {
			return err
		}
		now := e.now()
		late := false
		if !now.Before(p.DeadlineAt) {
			if !grace {
				return poemStateError(p, "publish", "deadline elapsed")
			}
			if now.After(p.DeadlineAt.Add(e.Config.Enforcement.GraceWindow)) {
				return poemStateError(p, "publish", "grace window elapsed")
			}
			late = true
		}
		if err := e.Validator.ValidateSubmission(c, p.Body); err != nil {
			return err
		}
		p.Status = domain.SubmissionPublished
		p.PublishedAt = ptrTime(now)
		p.LateGrace = late
		if err := e.Repo.UpdatePoemTx(ctx, t.tx, p); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionPublished,
			SubjectID:  p.ID,
			Detail: compliance.Detail{
				"version_number": p.VersionNumber,
				"late":           late,
				"deadline_at":    formatTS(p.DeadlineAt),
			},
		}); err != nil {
			return err
		}
		if late {
			pattern, created, err := e.Patterns.DetectLateSubmissions(ctx, t.tx, c)
			if err != nil {
				return err
			}
			if err := e.notifyPattern(ctx, t, c, pattern, created); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Poem{}, err
	}
	e.log().Info("poem published", "contract_id", out.ContractID, "poem_id", out.ID, "late", out.LateGrace)
	return out, nil
}

// UploadRecording attaches or replaces the recording reference.
func (e Engine) UploadRecording(ctx context.Context, poemID, ref string) (domain.Poem, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Poem{}, domain.ValidationError{Field: "recording_ref", Reason: "required"}
	}
	var out domain.Poem
	err := e.withPoem(ctx, poemID, func(t *txn, c domain.Contract, p domain.Poem) error {
		p.RecordingRef = &ref
		p.RecordingAt = ptrTime(e.now())
		if err := e.Repo.UpdatePoemTx(ctx, t.tx, p); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionRecordingAttached,
			SubjectID:  p.ID,
			Detail:     compliance.Detail{"recording_ref": ref},
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Poem{}, err
	}
	return out, nil
}

// CompleteReflection marks the post-publication reflection done. Repeating
// the call returns the poem unchanged.
func (e Engine) CompleteReflection(ctx context.Context, poemID string) (domain.Poem, error) {
	var out domain.Poem
	err := e.withPoem(ctx, poemID, func(t *txn, c domain.Contract, p domain.Poem) error {
		if p.Status != domain.SubmissionPublished {
			return poemStateError(p, "complete reflection", "poem is not published")
		}
		if p.ReflectionCompletedAt != nil {
			out = p
			return nil
		}
		p.ReflectionCompletedAt = ptrTime(e.now())
		if err := e.Repo.UpdatePoemTx(ctx, t.tx, p); err != nil {
			return err
		}
		if _, err := e.appendLog(ctx, t, compliance.Entry{
			ContractID: c.ID,
			Action:     domain.ActionReflectionCompleted,
			SubjectID:  p.ID,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Poem{}, err
	}
	return out, nil
}

// PoemView is a poem with its version history.
type PoemView struct {
	domain.Poem
	Versions []domain.PoemVersion `json:"versions"`
}

func (e Engine) GetPoem(ctx context.Context, poemID string) (PoemView, error) {
	p, err := e.Repo.GetPoem(ctx, poemID)
	if err != nil {
		return PoemView{}, err
	}
	if _, err := e.GetContract(ctx, p.ContractID); err != nil {
		if domain.IsNotFound(err) {
			return PoemView{}, domain.NotFoundError{Entity: "poem", ID: poemID}
		}
		return PoemView{}, err
	}
	versions, err := e.Repo.ListPoemVersions(ctx, poemID)
	if err != nil {
		return PoemView{}, err
	}
	return PoemView{Poem: p, Versions: versions}, nil
}

func (e Engine) ListPoems(ctx context.Context, contractID string) ([]domain.Poem, error) {
	if _, err := e.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return e.Repo.ListPoems(ctx, contractID)
}
