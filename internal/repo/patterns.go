package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"versekeep/internal/domain"
)

const patternColumns = `id,writer_id,contract_id,pattern_type,evidence_json,acknowledged,acknowledged_at,created_at`

func scanPattern(s scanner) (domain.Pattern, error) {
	var (
		p          domain.Pattern
		contractID sql.NullString
		evidence   string
		ack        int
		ackAt      sql.NullString
		created    string
	)
	if err := s.Scan(&p.ID, &p.WriterID, &contractID, &p.Type, &evidence, &ack, &ackAt, &created); err != nil {
		return p, err
	}
	p.ContractID = contractID.String
	p.Acknowledged = ack == 1
	if err := json.Unmarshal([]byte(evidence), &p.EvidenceRefs); err != nil {
		return p, err
	}
	var err error
	if p.AcknowledgedAt, err = parseNullTime(ackAt); err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(created)
	return p, err
}

// InsertPatternIfNovelTx inserts p unless an unacknowledged record of the same
// type already exists for its subject.
func (r Repo) InsertPatternIfNovelTx(ctx context.Context, tx *sql.Tx, p domain.Pattern) (bool, error) {
	refs := p.EvidenceRefs
	if refs == nil {
		refs = []string{}
	}
	evidence, err := json.Marshal(refs)
	if err != nil {
		return false, storeErr("marshal evidence", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO patterns(id,writer_id,contract_id,subject_key,pattern_type,evidence_json,acknowledged,acknowledged_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WriterID, nullable(p.ContractID), p.SubjectKey(), string(p.Type), string(evidence), boolInt(p.Acknowledged),
		nullableTime(p.AcknowledgedAt), FormatTime(p.CreatedAt))
	if err != nil {
		return false, storeErr("insert pattern", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("insert pattern", err)
}

// OpenPatternTx returns the unacknowledged record for a subject and type.
func (r Repo) OpenPatternTx(ctx context.Context, tx *sql.Tx, subjectKey string, typ domain.PatternType) (domain.Pattern, error) {
	p, err := scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE subject_key=? AND pattern_type=? AND acknowledged=0`,
		subjectKey, string(typ)))
	return p, storeErr("get open pattern", notFound("pattern", subjectKey+"/"+string(typ), err))
}

func (r Repo) GetPattern(ctx context.Context, id string) (domain.Pattern, error) {
	p, err := scanPattern(r.DB.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id=?`, id))
	return p, storeErr("get pattern", notFound("pattern", id, err))
}

// AcknowledgePattern sets the acknowledgement once. Later calls keep the
// first acknowledgement time.
func (r Repo) AcknowledgePattern(ctx context.Context, id string, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE patterns SET acknowledged=1, acknowledged_at=COALESCE(acknowledged_at, ?) WHERE id=?`, at, id)
	if err != nil {
		return storeErr("acknowledge pattern", err)
	}
	return storeErr("acknowledge pattern", affectedOne(res, "pattern", id))
}

type PatternFilters struct {
	WriterID       string
	ContractID     string
	Type           domain.PatternType
	Unacknowledged bool
}

func (r Repo) ListPatterns(ctx context.Context, f PatternFilters) ([]domain.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE writer_id=?`
	args := []any{f.WriterID}
	if f.ContractID != "" {
		query += ` AND contract_id=?`
		args = append(args, f.ContractID)
	}
	if f.Type != "" {
		query += ` AND pattern_type=?`
		args = append(args, string(f.Type))
	}
	if f.Unacknowledged {
		query += ` AND acknowledged=0`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list patterns", err)
	}
	defer rows.Close()
	var res []domain.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, storeErr("scan pattern", err)
		}
		res = append(res, p)
	}
	return res, storeErr("list patterns", rows.Err())
}

// PatternCounts aggregates a writer's records per type.
func (r Repo) PatternCounts(ctx context.Context, writerID string) (map[domain.PatternType]domain.PatternCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pattern_type, acknowledged, COUNT(*) FROM patterns WHERE writer_id=? GROUP BY pattern_type, acknowledged`, writerID)
	if err != nil {
		return nil, storeErr("count patterns", err)
	}
	defer rows.Close()
	res := map[domain.PatternType]domain.PatternCount{}
	for rows.Next() {
		var (
			typ domain.PatternType
			ack int
			n   int
		)
		if err := rows.Scan(&typ, &ack, &n); err != nil {
			return nil, storeErr("scan pattern count", err)
		}
		c := res[typ]
		c.Type = typ
		if ack == 1 {
			c.Acknowledged += n
		} else {
			c.Unacknowledged += n
		}
		res[typ] = c
	}
	return res, storeErr("count patterns", rows.Err())
}
