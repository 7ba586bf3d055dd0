package server

import (
	"fmt"
	"time"

	"versekeep/internal/domain"
	"versekeep/internal/engine"
)

// Request payloads

type DeclareContractRequest struct {
	Platform  string     `json:"platform" enum:"Medium,Substack,Twitter,PersonalBlog" doc:"Publishing platform"`
	Timezone  string     `json:"timezone" example:"Europe/Paris" doc:"IANA timezone"`
	StartDate *time.Time `json:"start_date,omitempty"`
}

type InitContractRequest struct {
	Period            string `json:"period,omitempty" enum:"monthly,weekly"`
	ReleasesPerPeriod int    `json:"releases_per_period,omitempty" minimum:"0"`
	TermPeriods       int    `json:"term_periods,omitempty" minimum:"0"`
	SubmissionWindow  string `json:"submission_window,omitempty" example:"168h" doc:"Go duration overriding the platform window"`
}

type SubmitPoemRequest struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type RevisionRequest struct {
	Body string `json:"body"`
}

type PublishRequest struct {
	Grace bool `json:"grace,omitempty" doc:"Allow publishing inside the grace window after the deadline"`
}

type RecordingRequest struct {
	RecordingRef string `json:"recording_ref" example:"s3://recordings/poem.m4a"`
}

type DevTokenRequest struct {
	WriterID string `json:"writer_id"`
}

type APIKeyRequest struct {
	Name string `json:"name,omitempty" example:"laptop"`
}

// Response payloads

type DevTokenResponse struct {
	Token string `json:"token"`
}

// APIKeyResponse carries the plaintext secret; it is shown only once.
type APIKeyResponse struct {
	domain.APIKey
	Secret string `json:"secret"`
}

type ContractResponse struct {
	domain.Contract
	TermEndsAt *time.Time `json:"term_ends_at,omitempty"`
}

type StatusResponse = engine.StatusView

type PoemResponse = engine.PoemView

type RevisionResponse struct {
	ID            string                  `json:"id"`
	VersionNumber int                     `json:"version_number"`
	Status        domain.SubmissionStatus `json:"status"`
	DeadlineAt    time.Time               `json:"deadline_at"`
}

func contractResponse(c domain.Contract) ContractResponse {
	out := ContractResponse{Contract: c}
	if c.ActivatedAt != nil && c.Cadence.Period != "" {
		end := c.TermEndsAt().UTC()
		out.TermEndsAt = &end
	}
	return out
}

func mapContracts(items []domain.Contract) []ContractResponse {
	out := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, contractResponse(c))
	}
	return out
}

func (r InitContractRequest) cadence() (domain.Cadence, error) {
	c := domain.Cadence{
		Period:            domain.Period(r.Period),
		ReleasesPerPeriod: r.ReleasesPerPeriod,
		TermPeriods:       r.TermPeriods,
	}
	if r.SubmissionWindow != "" {
		d, err := time.ParseDuration(r.SubmissionWindow)
		if err != nil {
			return domain.Cadence{}, domain.ValidationError{Field: "submission_window", Reason: fmt.Sprintf("invalid duration %q", r.SubmissionWindow)}
		}
		c.SubmissionWindow = d
	}
	return c, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
