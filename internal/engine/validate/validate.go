// Package validate holds the stateless constraint checks applied to
// declarations, cadence rules and submissions.
package validate

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"versekeep/internal/config"
	"versekeep/internal/domain"
)

type Service struct {
	Config *config.Config
}

func New(cfg *config.Config) Service {
	return Service{Config: cfg}
}

func (s Service) cfg() *config.Config {
	if s.Config == nil {
		return config.Default()
	}
	return s.Config
}

// Declaration is the normalized result of a valid platform declaration.
type Declaration struct {
	Platform  domain.Platform
	Location  *time.Location
	StartDate time.Time
}

// ValidatePlatformDeclaration checks the platform name, the IANA timezone and
// the start date. A missing start date defaults to now; a start date earlier
// than now minus the configured tolerance is rejected.
func (s Service) ValidatePlatformDeclaration(platform, timezone string, startDate *time.Time, now time.Time) (Declaration, error) {
	p, ok := domain.ParsePlatform(platform)
	if !ok {
		return Declaration{}, domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", platform)}
	}
	if _, ok := s.cfg().Rule(p); !ok {
		return Declaration{}, domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("no rules configured for %s", p)}
	}
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return Declaration{}, domain.ValidationError{Field: "timezone", Reason: "required"}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Declaration{}, domain.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", tz)}
	}
	start := now
	if startDate != nil && !startDate.IsZero() {
		start = *startDate
		if start.Before(now.Add(-s.cfg().Validation.StartDateTolerance)) {
			return Declaration{}, domain.ValidationError{Field: "start_date", Reason: "must not be in the past"}
		}
	}
	return Declaration{Platform: p, Location: loc, StartDate: start.UTC()}, nil
}

// ValidateCadence checks cadence rules supplied at contract initialization.
// Zero values fall back to the configured defaults.
func (s Service) ValidateCadence(rules domain.Cadence) (domain.Cadence, error) {
	def := s.cfg().Cadence
	out := rules
	if out.Period == "" {
		out.Period = def.Period
	}
	p, ok := domain.ParsePeriod(string(out.Period))
	if !ok {
		return domain.Cadence{}, domain.ValidationError{Field: "cadence.period", Reason: fmt.Sprintf("unsupported period %q", out.Period)}
	}
	out.Period = p
	if out.ReleasesPerPeriod == 0 {
		out.ReleasesPerPeriod = def.ReleasesPerPeriod
	}
	if out.ReleasesPerPeriod < 1 {
		return domain.Cadence{}, domain.ValidationError{Field: "cadence.releases_per_period", Reason: "must be at least 1"}
	}
	if out.TermPeriods == 0 {
		out.TermPeriods = def.TermPeriods
	}
	if out.TermPeriods < 1 {
		return domain.Cadence{}, domain.ValidationError{Field: "cadence.term_periods", Reason: "must be at least 1"}
	}
	if out.SubmissionWindow == 0 {
		out.SubmissionWindow = def.SubmissionWindow
	}
	if out.SubmissionWindow < 0 {
		return domain.Cadence{}, domain.ValidationError{Field: "cadence.submission_window", Reason: "must not be negative"}
	}
	return out, nil
}

// ValidateSubmission applies the global body limit and the platform row of
// the constraint table. Lengths are counted in runes.
func (s Service) ValidateSubmission(c domain.Contract, body string) error {
	if strings.TrimSpace(body) == "" {
		return domain.ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if !utf8.ValidString(body) {
		return domain.ValidationError{Field: "body", Reason: "must be valid UTF-8"}
	}
	cfg := s.cfg()
	n := utf8.RuneCountInString(body)
	if max := cfg.Validation.MaxBodyLength; max > 0 && n > max {
		return domain.ValidationError{Field: "body", Reason: fmt.Sprintf("length %d exceeds maximum %d", n, max)}
	}
	rule, ok := cfg.Rule(c.Platform)
	if !ok {
		return domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("no rules configured for %s", c.Platform)}
	}
	if rule.MinLength > 0 && n < rule.MinLength {
		return domain.ValidationError{Field: "body", Reason: fmt.Sprintf("length %d below %s minimum %d", n, c.Platform, rule.MinLength)}
	}
	if rule.MaxLength > 0 && n > rule.MaxLength {
		return domain.ValidationError{Field: "body", Reason: fmt.Sprintf("length %d exceeds %s maximum %d", n, c.Platform, rule.MaxLength)}
	}
	if rule.MaxLines > 0 {
		if lines := strings.Count(body, "\n") + 1; lines > rule.MaxLines {
			return domain.ValidationError{Field: "body", Reason: fmt.Sprintf("%d lines exceeds %s maximum %d", lines, c.Platform, rule.MaxLines)}
		}
	}
	return nil
}

// SubmissionWindow returns how long a submission stays open on c.
func (s Service) SubmissionWindow(c domain.Contract) time.Duration {
	if c.Cadence.SubmissionWindow > 0 {
		return c.Cadence.SubmissionWindow
	}
	rule, _ := s.cfg().Rule(c.Platform)
	return rule.PublishWindow
}
