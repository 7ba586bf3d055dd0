package patterns

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"versekeep/internal/domain"
	"versekeep/internal/repo"
)

// Thresholds are the counts at which a pattern is recorded.
type Thresholds struct {
	LateSubmission int
	Revision       int
	Escalation     int
}

// Service records behavioral patterns. At most one unacknowledged record
// exists per subject and type.
type Service struct {
	Repo       repo.Repo
	Thresholds Thresholds
	Now        func() time.Time
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// RecordIfNovel inserts a record unless an unacknowledged one of the same type
// exists for the subject. It returns the open record either way.
func (s Service) RecordIfNovel(ctx context.Context, tx *sql.Tx, writerID, contractID string, typ domain.PatternType, evidence []string) (domain.Pattern, bool, error) {
	if !typ.Valid() {
		return domain.Pattern{}, false, domain.ValidationError{Field: "pattern_type", Reason: "unknown pattern " + string(typ)}
	}
	p := domain.Pattern{
		ID:           uuid.NewString(),
		WriterID:     writerID,
		ContractID:   contractID,
		Type:         typ,
		EvidenceRefs: evidence,
		CreatedAt:    s.now(),
	}
	created, err := s.Repo.InsertPatternIfNovelTx(ctx, tx, p)
	if err != nil {
		return domain.Pattern{}, false, err
	}
	if created {
		return p, true, nil
	}
	existing, err := s.Repo.OpenPatternTx(ctx, tx, p.SubjectKey(), typ)
	if err != nil {
		return domain.Pattern{}, false, err
	}
	return existing, false, nil
}

// DetectLateSubmissions records RepeatedLateSubmission when the contract's
// archived and grace-published submissions reach the threshold.
func (s Service) DetectLateSubmissions(ctx context.Context, tx *sql.Tx, c domain.Contract) (domain.Pattern, bool, error) {
	archived, err := s.Repo.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: c.ID, Action: domain.ActionArchived})
	if err != nil {
		return domain.Pattern{}, false, err
	}
	published, err := s.Repo.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: c.ID, Action: domain.ActionPublished})
	if err != nil {
		return domain.Pattern{}, false, err
	}
	var evidence []string
	for _, e := range archived {
		evidence = append(evidence, e.ID)
	}
	for _, e := range published {
		if late, _ := e.Detail["late"].(bool); late {
			evidence = append(evidence, e.ID)
		}
	}
	if len(evidence) < max(s.Thresholds.LateSubmission, 1) {
		return domain.Pattern{}, false, nil
	}
	return s.RecordIfNovel(ctx, tx, c.WriterID, c.ID, domain.PatternRepeatedLateSubmission, evidence)
}

// DetectFrequentRevision records FrequentRevision when one poem's accepted
// revisions reach the threshold.
func (s Service) DetectFrequentRevision(ctx context.Context, tx *sql.Tx, c domain.Contract, poemID string) (domain.Pattern, bool, error) {
	revisions, err := s.Repo.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: c.ID, Action: domain.ActionRevisionAccepted, SubjectID: poemID})
	if err != nil {
		return domain.Pattern{}, false, err
	}
	if len(revisions) < max(s.Thresholds.Revision, 1) {
		return domain.Pattern{}, false, nil
	}
	evidence := make([]string, 0, len(revisions))
	for _, e := range revisions {
		evidence = append(evidence, e.ID)
	}
	return s.RecordIfNovel(ctx, tx, c.WriterID, c.ID, domain.PatternFrequentRevision, evidence)
}

// DetectRepeatedEscalation records a writer-level pattern once enough of the
// writer's contracts have ended archived or broken.
func (s Service) DetectRepeatedEscalation(ctx context.Context, tx *sql.Tx, writerID string) (domain.Pattern, bool, error) {
	n, ids, err := s.Repo.CountEscalatedContractsTx(ctx, tx, writerID)
	if err != nil {
		return domain.Pattern{}, false, err
	}
	if n < max(s.Thresholds.Escalation, 1) {
		return domain.Pattern{}, false, nil
	}
	var evidence []string
	for _, id := range ids {
		for _, action := range []domain.Action{domain.ActionContractBroken, domain.ActionContractArchived} {
			entries, err := s.Repo.ListLogEntriesTx(ctx, tx, repo.LogFilters{ContractID: id, Action: action})
			if err != nil {
				return domain.Pattern{}, false, err
			}
			for _, e := range entries {
				evidence = append(evidence, e.ID)
			}
		}
	}
	return s.RecordIfNovel(ctx, tx, writerID, "", domain.PatternRepeatedEscalation, evidence)
}

// Acknowledge is idempotent; the first acknowledgement time is kept.
func (s Service) Acknowledge(ctx context.Context, id string) (domain.Pattern, error) {
	if err := s.Repo.AcknowledgePattern(ctx, id, repo.FormatTime(s.now())); err != nil {
		return domain.Pattern{}, err
	}
	return s.Repo.GetPattern(ctx, id)
}

func (s Service) Get(ctx context.Context, id string) (domain.Pattern, error) {
	return s.Repo.GetPattern(ctx, id)
}

func (s Service) List(ctx context.Context, f repo.PatternFilters) ([]domain.Pattern, error) {
	return s.Repo.ListPatterns(ctx, f)
}

// Summarize returns counts for every pattern type, including zero rows.
func (s Service) Summarize(ctx context.Context, writerID string) ([]domain.PatternCount, error) {
	counts, err := s.Repo.PatternCounts(ctx, writerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PatternCount, 0, len(domain.PatternTypes))
	for _, typ := range domain.PatternTypes {
		c := counts[typ]
		c.Type = typ
		out = append(out, c)
	}
	return out, nil
}
