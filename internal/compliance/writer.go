package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"versekeep/internal/domain"
	"versekeep/internal/repo"
)

// Detail is the structured payload of a compliance entry. It must never
// carry submission text.
type Detail map[string]any

var forbiddenKeys = []string{"body", "text", "content", "poem"}

type Entry struct {
	ContractID string
	Action     domain.Action
	SubjectID  string
	Detail     Detail
	// DedupeKey makes the append idempotent when set.
	DedupeKey string
}

// Writer appends to the compliance log. It has no update or delete path.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Append writes e inside tx. ok is false when an entry with the same dedupe
// key already exists.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.LogEntry, bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ContractID == "" {
		return domain.LogEntry{}, false, fmt.Errorf("compliance entry requires contract id")
	}
	if e.Action == "" {
		return domain.LogEntry{}, false, fmt.Errorf("compliance entry requires action")
	}
	if err := CheckDetail(e.Detail); err != nil {
		return domain.LogEntry{}, false, err
	}
	entry := domain.LogEntry{
		ID:         uuid.NewString(),
		ContractID: e.ContractID,
		OccurredAt: w.Now().UTC(),
		Action:     e.Action,
		SubjectID:  e.SubjectID,
		Detail:     e.Detail,
	}
	return w.Repo.InsertLogEntryTx(ctx, tx, entry, e.DedupeKey)
}

// Seen reports whether an entry with key was already appended.
func (w Writer) Seen(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	return w.Repo.LogKeyExistsTx(ctx, tx, key)
}

// CheckDetail rejects payload keys that could carry submission text, at any
// nesting depth.
func CheckDetail(d map[string]any) error {
	for k, v := range d {
		lk := strings.ToLower(k)
		for _, bad := range forbiddenKeys {
			if lk == bad {
				return fmt.Errorf("compliance detail key %q not allowed", k)
			}
		}
		if nested, ok := v.(map[string]any); ok {
			if err := CheckDetail(nested); err != nil {
				return err
			}
		}
		if nested, ok := v.(Detail); ok {
			if err := CheckDetail(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeadlineWindowKey identifies one hourly deadline window of a contract.
func DeadlineWindowKey(contractID string, windowStart time.Time) string {
	return fmt.Sprintf("deadline_checked:%s:%s", contractID, windowStart.UTC().Format(time.RFC3339))
}

// ArchivedKey identifies the archival of one submission.
func ArchivedKey(poemID string) string {
	return "archived:" + poemID
}
