package repo

import (
	"context"
	"database/sql"
	"time"

	"versekeep/internal/domain"
)

const poemColumns = `id,contract_id,title,version_number,body,status,submitted_at,deadline_at,revised_at,published_at,archived_at,
late_grace,recording_ref,recording_at,reflection_completed_at`

func scanPoem(s scanner) (domain.Poem, error) {
	var (
		p                   domain.Poem
		submitted, deadline string
		lateGrace           int
		title, recordingRef sql.NullString
	)
	var revised, published, archived, recordingAt, reflection sql.NullString
	err := s.Scan(&p.ID, &p.ContractID, &title, &p.VersionNumber, &p.Body, &p.Status, &submitted, &deadline,
		&revised, &published, &archived, &lateGrace, &recordingRef, &recordingAt, &reflection)
	if err != nil {
		return p, err
	}
	p.Title = title.String
	p.LateGrace = lateGrace == 1
	if recordingRef.Valid {
		ref := recordingRef.String
		p.RecordingRef = &ref
	}
	if p.SubmittedAt, err = parseTime(submitted); err != nil {
		return p, err
	}
	if p.DeadlineAt, err = parseTime(deadline); err != nil {
		return p, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&p.RevisedAt, revised},
		{&p.PublishedAt, published},
		{&p.ArchivedAt, archived},
		{&p.RecordingAt, recordingAt},
		{&p.ReflectionCompletedAt, reflection},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r Repo) InsertPoemTx(ctx context.Context, tx *sql.Tx, p domain.Poem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO poems(`+poemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ContractID, nullable(p.Title), p.VersionNumber, p.Body, string(p.Status), FormatTime(p.SubmittedAt), FormatTime(p.DeadlineAt),
		nullableTime(p.RevisedAt), nullableTime(p.PublishedAt), nullableTime(p.ArchivedAt), boolInt(p.LateGrace),
		nullableStringPtr(p.RecordingRef), nullableTime(p.RecordingAt), nullableTime(p.ReflectionCompletedAt))
	return storeErr("insert poem", err)
}

// UpdatePoemTx writes the mutable poem columns. Deadline and submission time
// are fixed at submission.
func (r Repo) UpdatePoemTx(ctx context.Context, tx *sql.Tx, p domain.Poem) error {
	res, err := tx.ExecContext(ctx, `UPDATE poems SET title=?,version_number=?,body=?,status=?,revised_at=?,published_at=?,archived_at=?,
late_grace=?,recording_ref=?,recording_at=?,reflection_completed_at=? WHERE id=?`,
		nullable(p.Title), p.VersionNumber, p.Body, string(p.Status), nullableTime(p.RevisedAt), nullableTime(p.PublishedAt), nullableTime(p.ArchivedAt),
		boolInt(p.LateGrace), nullableStringPtr(p.RecordingRef), nullableTime(p.RecordingAt), nullableTime(p.ReflectionCompletedAt), p.ID)
	if err != nil {
		return storeErr("update poem", err)
	}
	return storeErr("update poem", affectedOne(res, "poem", p.ID))
}

func (r Repo) GetPoem(ctx context.Context, id string) (domain.Poem, error) {
	return getPoem(ctx, r.DB, id)
}

func (r Repo) GetPoemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Poem, error) {
	return getPoem(ctx, tx, id)
}

func getPoem(ctx context.Context, q querier, id string) (domain.Poem, error) {
	p, err := scanPoem(q.QueryRowContext(ctx, `SELECT `+poemColumns+` FROM poems WHERE id=?`, id))
	return p, storeErr("get poem", notFound("poem", id, err))
}

func (r Repo) ListPoems(ctx context.Context, contractID string) ([]domain.Poem, error) {
	return listPoems(ctx, r.DB, `WHERE contract_id=? ORDER BY submitted_at, id`, contractID)
}

// ListOpenPoemsTx returns submitted or revised poems ordered by deadline.
func (r Repo) ListOpenPoemsTx(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.Poem, error) {
	return listPoems(ctx, tx, `WHERE contract_id=? AND status IN ('submitted','revised') ORDER BY deadline_at, id`, contractID)
}

func listPoems(ctx context.Context, q querier, where string, args ...any) ([]domain.Poem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+poemColumns+` FROM poems `+where, args...)
	if err != nil {
		return nil, storeErr("list poems", err)
	}
	defer rows.Close()
	var res []domain.Poem
	for rows.Next() {
		p, err := scanPoem(rows)
		if err != nil {
			return nil, storeErr("scan poem", err)
		}
		res = append(res, p)
	}
	return res, storeErr("list poems", rows.Err())
}

// CountPublishedTx counts poems published in [from, to).
func (r Repo) CountPublishedTx(ctx context.Context, tx *sql.Tx, contractID string, from, to time.Time) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM poems WHERE contract_id=? AND status='published' AND published_at>=? AND published_at<?`,
		contractID, FormatTime(from), FormatTime(to)).Scan(&n)
	return n, storeErr("count published", err)
}

func (r Repo) CountPoemsByStatusTx(ctx context.Context, tx *sql.Tx, contractID string, statuses ...domain.SubmissionStatus) (int, error) {
	var total int
	for _, s := range statuses {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM poems WHERE contract_id=? AND status=?`, contractID, string(s)).Scan(&n); err != nil {
			return 0, storeErr("count poems", err)
		}
		total += n
	}
	return total, nil
}

func (r Repo) InsertPoemVersionTx(ctx context.Context, tx *sql.Tx, v domain.PoemVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO poem_versions(poem_id,version_number,body,created_at) VALUES (?,?,?,?)`,
		v.PoemID, v.VersionNumber, v.Body, FormatTime(v.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return storeErr("insert poem version", err)
}

func (r Repo) ListPoemVersions(ctx context.Context, poemID string) ([]domain.PoemVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT poem_id,version_number,body,created_at FROM poem_versions WHERE poem_id=? ORDER BY version_number`, poemID)
	if err != nil {
		return nil, storeErr("list poem versions", err)
	}
	defer rows.Close()
	var res []domain.PoemVersion
	for rows.Next() {
		var v domain.PoemVersion
		var created string
		if err := rows.Scan(&v.PoemID, &v.VersionNumber, &v.Body, &created); err != nil {
			return nil, storeErr("scan poem version", err)
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, storeErr("scan poem version", err)
		}
		res = append(res, v)
	}
	return res, storeErr("list poem versions", rows.Err())
}
