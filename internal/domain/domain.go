package domain

import (
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	PlatformMedium       Platform = "Medium"
	PlatformSubstack     Platform = "Substack"
	PlatformTwitter      Platform = "Twitter"
	PlatformPersonalBlog Platform = "PersonalBlog"
)

// Platforms lists the accepted platforms in declaration order.
var Platforms = []Platform{PlatformMedium, PlatformSubstack, PlatformTwitter, PlatformPersonalBlog}

// ParsePlatform matches case-insensitively and ignores separators, so
// "personal_blog" and "PersonalBlog" name the same platform.
func ParsePlatform(s string) (Platform, bool) {
	norm := normalizeName(s)
	for _, p := range Platforms {
		if normalizeName(string(p)) == norm {
			return p, true
		}
	}
	return "", false
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodWeekly  Period = "weekly"
)

func ParsePeriod(s string) (Period, bool) {
	switch normalizeName(s) {
	case "monthly", "month":
		return PeriodMonthly, true
	case "weekly", "week":
		return PeriodWeekly, true
	}
	return "", false
}

// Cadence is the publishing obligation attached to an active contract.
type Cadence struct {
	Period            Period        `json:"period" yaml:"period"`
	ReleasesPerPeriod int           `json:"releases_per_period" yaml:"releases_per_period"`
	TermPeriods       int           `json:"term_periods" yaml:"term_periods"`
	SubmissionWindow  time.Duration `json:"submission_window,omitempty" yaml:"submission_window"`
}

func (c Cadence) String() string {
	if c.Period == "" {
		return ""
	}
	return fmt.Sprintf("%d release(s) per %s period for %d period(s)", c.ReleasesPerPeriod, strings.TrimSuffix(string(c.Period), "ly"), c.TermPeriods)
}

// Boundary returns the start of period k counted from anchor. Calendar
// arithmetic is done in the anchor's location. Monthly boundaries keep the
// anchor's day of month, clamped to the last day of shorter months.
func (c Cadence) Boundary(anchor time.Time, k int) time.Time {
	switch c.Period {
	case PeriodWeekly:
		return anchor.AddDate(0, 0, 7*k)
	default:
		first := time.Date(anchor.Year(), anchor.Month()+time.Month(k), 1, 0, 0, 0, 0, anchor.Location())
		day := min(anchor.Day(), daysIn(first.Year(), first.Month()))
		return time.Date(first.Year(), first.Month(), day,
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type Contract struct {
	ID                string         `json:"id"`
	WriterID          string         `json:"writer_id"`
	Platform          Platform       `json:"platform"`
	Timezone          string         `json:"timezone"`
	StartDate         time.Time      `json:"start_date"`
	Cadence           Cadence        `json:"cadence"`
	Status            ContractStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	ActivatedAt       *time.Time     `json:"activated_at,omitempty"`
	LastCheckedAt     *time.Time     `json:"last_checked_at,omitempty"`
	ReleaseDueAt      *time.Time     `json:"release_due_at,omitempty"`
	PeriodsEvaluated  int            `json:"periods_evaluated"`
	ReleaseCheckedAt  *time.Time     `json:"release_checked_at,omitempty"`
	FinalizeCheckedAt *time.Time     `json:"finalize_checked_at,omitempty"`
	FinalizedAt       *time.Time     `json:"finalized_at,omitempty"`
	ClosedAt          *time.Time     `json:"closed_at,omitempty"`
}

// Location resolves the contract timezone, falling back to UTC for
// records written before the name could be validated.
func (c Contract) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Anchor is the point periods are counted from.
func (c Contract) Anchor() time.Time {
	anchor := c.StartDate
	if c.ActivatedAt != nil && c.ActivatedAt.After(anchor) {
		anchor = *c.ActivatedAt
	}
	return anchor.In(c.Location())
}

// PeriodBounds returns the start and end of period k.
func (c Contract) PeriodBounds(k int) (time.Time, time.Time) {
	anchor := c.Anchor()
	return c.Cadence.Boundary(anchor, k), c.Cadence.Boundary(anchor, k+1)
}

// TermEndsAt is the end of the last period of the contract term.
func (c Contract) TermEndsAt() time.Time {
	return c.Cadence.Boundary(c.Anchor(), c.Cadence.TermPeriods)
}

type Poem struct {
	ID                    string           `json:"id"`
	ContractID            string           `json:"contract_id"`
	Title                 string           `json:"title,omitempty"`
	VersionNumber         int              `json:"version_number"`
	Body                  string           `json:"body"`
	Status                SubmissionStatus `json:"status"`
	SubmittedAt           time.Time        `json:"submitted_at"`
	DeadlineAt            time.Time        `json:"deadline_at"`
	RevisedAt             *time.Time       `json:"revised_at,omitempty"`
	PublishedAt           *time.Time       `json:"published_at,omitempty"`
	ArchivedAt            *time.Time       `json:"archived_at,omitempty"`
	LateGrace             bool             `json:"late_grace,omitempty"`
	RecordingRef          *string          `json:"recording_ref,omitempty"`
	RecordingAt           *time.Time       `json:"recording_at,omitempty"`
	ReflectionCompletedAt *time.Time       `json:"reflection_completed_at,omitempty"`
}

type PoemVersion struct {
	PoemID        string    `json:"poem_id"`
	VersionNumber int       `json:"version_number"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

type LogEntry struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	ContractID string         `json:"contract_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Action     Action         `json:"action"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type Pattern struct {
	ID             string      `json:"id"`
	WriterID       string      `json:"writer_id"`
	ContractID     string      `json:"contract_id,omitempty"`
	Type           PatternType `json:"pattern_type"`
	EvidenceRefs   []string    `json:"evidence_refs"`
	Acknowledged   bool        `json:"acknowledged"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// SubjectKey identifies what a pattern is about: a contract when set,
// otherwise the writer.
func (p Pattern) SubjectKey() string {
	return SubjectKey(p.WriterID, p.ContractID)
}

func SubjectKey(writerID, contractID string) string {
	if contractID != "" {
		return "contract:" + contractID
	}
	return "writer:" + writerID
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Notification struct {
	ID         string     `json:"id"`
	ContractID string     `json:"contract_id"`
	WriterID   string     `json:"writer_id"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// PatternCount aggregates pattern records of one type for a writer.
type PatternCount struct {
	Type           PatternType `json:"pattern_type"`
	Acknowledged   int         `json:"acknowledged"`
	Unacknowledged int         `json:"unacknowledged"`
}

// APIKey lets a client act as a writer without a JWT. Only the hash of the
// secret is stored.
type APIKey struct {
	ID        string    `json:"id"`
	WriterID  string    `json:"writer_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
