package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"versekeep/internal/domain"
)

// InsertLogEntryTx appends a compliance entry. When dedupeKey is already
// present nothing is written and inserted is false.
func (r Repo) InsertLogEntryTx(ctx context.Context, tx *sql.Tx, e domain.LogEntry, dedupeKey string) (domain.LogEntry, bool, error) {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return e, false, storeErr("marshal log detail", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO compliance_log(id,contract_id,occurred_at,action,subject_id,detail_json,dedupe_key)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ContractID, FormatTime(e.OccurredAt), string(e.Action), nullable(e.SubjectID), string(data), nullable(dedupeKey))
	if err != nil {
		return e, false, storeErr("insert log entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return e, false, storeErr("insert log entry", err)
	}
	if n == 0 {
		return e, false, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return e, false, storeErr("insert log entry", err)
	}
	e.Seq = seq
	return e, true, nil
}

// LogKeyExistsTx reports whether an entry with dedupeKey was already written.
func (r Repo) LogKeyExistsTx(ctx context.Context, tx *sql.Tx, dedupeKey string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM compliance_log WHERE dedupe_key=? LIMIT 1`, dedupeKey).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, storeErr("lookup log key", err)
}

type LogFilters struct {
	ContractID string
	Action     domain.Action
	SubjectID  string
}

// ListLogEntries returns entries ordered by occurrence time, then sequence.
func (r Repo) ListLogEntries(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	return listLogEntries(ctx, r.DB, f)
}

func (r Repo) ListLogEntriesTx(ctx context.Context, tx *sql.Tx, f LogFilters) ([]domain.LogEntry, error) {
	return listLogEntries(ctx, tx, f)
}

func listLogEntries(ctx context.Context, q querier, f LogFilters) ([]domain.LogEntry, error) {
	query := `SELECT seq,id,contract_id,occurred_at,action,subject_id,detail_json FROM compliance_log WHERE contract_id=?`
	args := []any{f.ContractID}
	if f.Action != "" {
		query += ` AND action=?`
		args = append(args, string(f.Action))
	}
	if f.SubjectID != "" {
		query += ` AND subject_id=?`
		args = append(args, f.SubjectID)
	}
	query += ` ORDER BY occurred_at, seq`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list log entries", err)
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var (
			e         domain.LogEntry
			occurred  string
			subjectID sql.NullString
			detail    string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.ContractID, &occurred, &e.Action, &subjectID, &detail); err != nil {
			return nil, storeErr("scan log entry", err)
		}
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, storeErr("scan log entry", err)
		}
		e.SubjectID = subjectID.String
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, storeErr("decode log detail", err)
			}
		}
		res = append(res, e)
	}
	return res, storeErr("list log entries", rows.Err())
}
