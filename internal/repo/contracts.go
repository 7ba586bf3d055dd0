package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"versekeep/internal/domain"
)

const contractColumns = `id,writer_id,platform,timezone,start_date,cadence_period,releases_per_period,term_periods,submission_window_ns,
status,created_at,activated_at,last_checked_at,release_due_at,periods_evaluated,release_checked_at,finalize_checked_at,finalized_at,closed_at`

func scanContract(s scanner) (domain.Contract, error) {
	var (
		c              domain.Contract
		start, created string
		window         int64
	)
	var period, activated, lastChecked, releaseDue, releaseChecked, finalizeChecked, finalized, closed sql.NullString
	err := s.Scan(&c.ID, &c.WriterID, &c.Platform, &c.Timezone, &start, &period, &c.Cadence.ReleasesPerPeriod, &c.Cadence.TermPeriods, &window,
		&c.Status, &created, &activated, &lastChecked, &releaseDue, &c.PeriodsEvaluated, &releaseChecked, &finalizeChecked, &finalized, &closed)
	if err != nil {
		return c, err
	}
	c.Cadence.Period = domain.Period(period.String)
	c.Cadence.SubmissionWindow = time.Duration(window)
	if c.StartDate, err = parseTime(start); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&c.ActivatedAt, activated},
		{&c.LastCheckedAt, lastChecked},
		{&c.ReleaseDueAt, releaseDue},
		{&c.ReleaseCheckedAt, releaseChecked},
		{&c.FinalizeCheckedAt, finalizeChecked},
		{&c.FinalizedAt, finalized},
		{&c.ClosedAt, closed},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return c, err
		}
	}
	return c, nil
}

// InsertContractTx stores a new contract. A second open contract for the same
// writer and platform trips the partial unique index and returns ErrDuplicate.
func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WriterID, string(c.Platform), c.Timezone, FormatTime(c.StartDate), nullable(string(c.Cadence.Period)),
		c.Cadence.ReleasesPerPeriod, c.Cadence.TermPeriods, int64(c.Cadence.SubmissionWindow),
		string(c.Status), FormatTime(c.CreatedAt), nullableTime(c.ActivatedAt), nullableTime(c.LastCheckedAt), nullableTime(c.ReleaseDueAt),
		c.PeriodsEvaluated, nullableTime(c.ReleaseCheckedAt), nullableTime(c.FinalizeCheckedAt), nullableTime(c.FinalizedAt), nullableTime(c.ClosedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return storeErr("insert contract", err)
}

// UpdateContractTx writes every mutable contract column.
func (r Repo) UpdateContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET cadence_period=?,releases_per_period=?,term_periods=?,submission_window_ns=?,status=?,
activated_at=?,last_checked_at=?,release_due_at=?,periods_evaluated=?,release_checked_at=?,finalize_checked_at=?,finalized_at=?,closed_at=? WHERE id=?`,
		nullable(string(c.Cadence.Period)), c.Cadence.ReleasesPerPeriod, c.Cadence.TermPeriods, int64(c.Cadence.SubmissionWindow), string(c.Status),
		nullableTime(c.ActivatedAt), nullableTime(c.LastCheckedAt), nullableTime(c.ReleaseDueAt), c.PeriodsEvaluated,
		nullableTime(c.ReleaseCheckedAt), nullableTime(c.FinalizeCheckedAt), nullableTime(c.FinalizedAt), nullableTime(c.ClosedAt), c.ID)
	if err != nil {
		return storeErr("update contract", err)
	}
	return storeErr("update contract", affectedOne(res, "contract", c.ID))
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return getContract(ctx, r.DB, id)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return getContract(ctx, tx, id)
}

func getContract(ctx context.Context, q querier, id string) (domain.Contract, error) {
	c, err := scanContract(q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
	return c, storeErr("get contract", notFound("contract", id, err))
}

// FindOpenContractTx returns the pending or active contract for a writer on a
// platform, if any.
func (r Repo) FindOpenContractTx(ctx context.Context, tx *sql.Tx, writerID string, platform domain.Platform) (*domain.Contract, error) {
	c, err := scanContract(tx.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts
WHERE writer_id=? AND platform=? AND status IN ('pending','active') LIMIT 1`, writerID, string(platform)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find open contract", err)
	}
	return &c, nil
}

type ContractFilters struct {
	WriterID string
	Status   []domain.ContractStatus
}

// ListContracts returns contracts ordered by creation time, newest first.
func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WriterID != "" {
		clauses = append(clauses, "writer_id=?")
		args = append(args, f.WriterID)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, s := range f.Status {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list contracts", err)
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, storeErr("scan contract", err)
		}
		res = append(res, c)
	}
	return res, storeErr("list contracts", rows.Err())
}

// ActiveContractIDs lists ids of active contracts for the scheduler.
func (r Repo) ActiveContractIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM contracts WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, storeErr("list active contracts", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan contract id", err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr("list active contracts", rows.Err())
}

// CountEscalatedContractsTx counts a writer's contracts that ended archived or broken.
func (r Repo) CountEscalatedContractsTx(ctx context.Context, tx *sql.Tx, writerID string) (int, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM contracts WHERE writer_id=? AND status IN ('archived','broken') ORDER BY closed_at, id`, writerID)
	if err != nil {
		return 0, nil, storeErr("count escalated contracts", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, nil, storeErr("scan contract id", err)
		}
		ids = append(ids, id)
	}
	return len(ids), ids, storeErr("count escalated contracts", rows.Err())
}
