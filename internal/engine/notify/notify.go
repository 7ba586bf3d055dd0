package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"versekeep/internal/domain"
	"versekeep/internal/repo"
)

// Service stores notification records. Delivery beyond the store is the
// Publisher's concern and happens after commit.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Notify appends a notification for the contract's writer. A non-empty
// dedupeKey makes repeated calls a no-op; created reports whether a record
// was written.
func (s Service) Notify(ctx context.Context, tx *sql.Tx, c domain.Contract, sev domain.Severity, message, dedupeKey string) (domain.Notification, bool, error) {
	if !sev.Valid() {
		return domain.Notification{}, false, domain.ValidationError{Field: "severity", Reason: "unknown severity " + string(sev)}
	}
	n := domain.Notification{
		ID:         uuid.NewString(),
		ContractID: c.ID,
		WriterID:   c.WriterID,
		Severity:   sev,
		Message:    message,
		CreatedAt:  s.now(),
	}
	created, err := s.Repo.InsertNotificationTx(ctx, tx, n, dedupeKey)
	if err != nil {
		return domain.Notification{}, false, err
	}
	return n, created, nil
}

// MarkRead sets readAt on first call only.
func (s Service) MarkRead(ctx context.Context, id string) (domain.Notification, error) {
	if err := s.Repo.MarkNotificationRead(ctx, id, repo.FormatTime(s.now())); err != nil {
		return domain.Notification{}, err
	}
	return s.Repo.GetNotification(ctx, id)
}

func (s Service) Get(ctx context.Context, id string) (domain.Notification, error) {
	return s.Repo.GetNotification(ctx, id)
}

func (s Service) List(ctx context.Context, writerID string, unreadOnly bool) ([]domain.Notification, error) {
	return s.Repo.ListNotifications(ctx, repo.NotificationFilters{WriterID: writerID, UnreadOnly: unreadOnly})
}

// ReminderKey identifies the single approaching-deadline reminder for a poem.
func ReminderKey(poemID string) string {
	return "reminder:" + poemID
}
