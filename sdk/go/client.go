package versekeepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Versekeep HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// WriterID is sent as X-Writer-Id when no token is set; the server must
	// run with --allow-writer-header.
	WriterID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Cadence mirrors the contract's release rules.
type Cadence struct {
	Period            string `json:"period"`
	ReleasesPerPeriod int    `json:"releases_per_period"`
	TermPeriods       int    `json:"term_periods"`
	// SubmissionWindow is in nanoseconds, as the server encodes durations.
	SubmissionWindow int64 `json:"submission_window,omitempty"`
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID           string     `json:"id"`
	WriterID     string     `json:"writer_id"`
	Platform     string     `json:"platform"`
	Timezone     string     `json:"timezone"`
	StartDate    time.Time  `json:"start_date"`
	Cadence      Cadence    `json:"cadence"`
	Status       string     `json:"status"`
	ReleaseDueAt *time.Time `json:"release_due_at,omitempty"`
	TermEndsAt   *time.Time `json:"term_ends_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Poem represents a submission.
type Poem struct {
	ID                    string     `json:"id"`
	ContractID            string     `json:"contract_id"`
	Title                 string     `json:"title,omitempty"`
	VersionNumber         int        `json:"version_number"`
	Body                  string     `json:"body"`
	Status                string     `json:"status"`
	SubmittedAt           time.Time  `json:"submitted_at"`
	DeadlineAt            time.Time  `json:"deadline_at"`
	PublishedAt           *time.Time `json:"published_at,omitempty"`
	ArchivedAt            *time.Time `json:"archived_at,omitempty"`
	LateGrace             bool       `json:"late_grace,omitempty"`
	RecordingRef          *string    `json:"recording_ref,omitempty"`
	ReflectionCompletedAt *time.Time `json:"reflection_completed_at,omitempty"`
}

// Status is the contract summary returned by GetStatus.
type Status struct {
	Contract         Contract `json:"contract"`
	Poems            []Poem   `json:"poems"`
	OpenSubmissions  int      `json:"open_submissions"`
	ArchivedCount    int      `json:"archived_count"`
	PublishedCount   int      `json:"published_count"`
	CurrentPeriod    int      `json:"current_period"`
	OpenPatternCount int      `json:"open_patterns"`
}

// LogEntry is one compliance log record.
type LogEntry struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	ContractID string         `json:"contract_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Action     string         `json:"action"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type Notification struct {
	ID         string     `json:"id"`
	ContractID string     `json:"contract_id"`
	WriterID   string     `json:"writer_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

type Pattern struct {
	ID           string   `json:"id"`
	WriterID     string   `json:"writer_id"`
	ContractID   string   `json:"contract_id,omitempty"`
	Type         string   `json:"pattern_type"`
	EvidenceRefs []string `json:"evidence_refs"`
	Acknowledged bool     `json:"acknowledged"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// DeclareContract creates a pending contract for the authenticated writer.
func (c *Client) DeclareContract(ctx context.Context, platform, timezone string, start *time.Time) (Contract, error) {
	body := map[string]any{
		"platform": platform,
		"timezone": timezone,
	}
	if start != nil {
		body["start_date"] = start.UTC().Format(time.RFC3339)
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", body, &resp)
	return resp, err
}

// InitContract activates a contract. Zero values take the server defaults.
func (c *Client) InitContract(ctx context.Context, contractID, period string, releasesPerPeriod, termPeriods int) (Contract, error) {
	body := map[string]any{}
	if period != "" {
		body["period"] = period
	}
	if releasesPerPeriod > 0 {
		body["releases_per_period"] = releasesPerPeriod
	}
	if termPeriods > 0 {
		body["term_periods"] = termPeriods
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(contractID)+"/init", body, &resp)
	return resp, err
}

func (c *Client) GetStatus(ctx context.Context, contractID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(contractID), nil, &resp)
	return resp, err
}

func (c *Client) ListContracts(ctx context.Context, status string) ([]Contract, error) {
	endpoint := "contracts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Contract
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ComplianceLog returns the contract's log ordered by sequence.
func (c *Client) ComplianceLog(ctx context.Context, contractID string) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(contractID)+"/log", nil, &resp)
	return resp, err
}

func (c *Client) SubmitPoem(ctx context.Context, contractID, title, text string) (Poem, error) {
	body := map[string]any{"title": title, "body": text}
	var resp Poem
	err := c.do(ctx, http.MethodPost, "contracts/"+url.PathEscape(contractID)+"/poems", body, &resp)
	return resp, err
}

// SubmitRevision returns the poem's new version number.
func (c *Client) SubmitRevision(ctx context.Context, poemID, text string) (int, error) {
	var resp struct {
		VersionNumber int `json:"version_number"`
	}
	err := c.do(ctx, http.MethodPost, "poems/"+url.PathEscape(poemID)+"/revisions", map[string]any{"body": text}, &resp)
	return resp.VersionNumber, err
}

func (c *Client) PublishPoem(ctx context.Context, poemID string, grace bool) (Poem, error) {
	var resp Poem
	err := c.do(ctx, http.MethodPost, "poems/"+url.PathEscape(poemID)+"/publish", map[string]any{"grace": grace}, &resp)
	return resp, err
}

func (c *Client) UploadRecording(ctx context.Context, poemID, ref string) (Poem, error) {
	var resp Poem
	err := c.do(ctx, http.MethodPut, "poems/"+url.PathEscape(poemID)+"/recording", map[string]any{"recording_ref": ref}, &resp)
	return resp, err
}

func (c *Client) CompleteReflection(ctx context.Context, poemID string) (Poem, error) {
	var resp Poem
	err := c.do(ctx, http.MethodPost, "poems/"+url.PathEscape(poemID)+"/reflection", nil, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/read", nil, &resp)
	return resp, err
}

// Patterns lists the writer's patterns, optionally only unacknowledged ones.
func (c *Client) Patterns(ctx context.Context, unacknowledged bool) ([]Pattern, error) {
	endpoint := "patterns"
	if unacknowledged {
		endpoint += "?unacknowledged=true"
	}
	var resp []Pattern
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AcknowledgePattern(ctx context.Context, id string) (Pattern, error) {
	var resp Pattern
	err := c.do(ctx, http.MethodPost, "patterns/"+url.PathEscape(id)+"/ack", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.WriterID != "":
		req.Header.Set("X-Writer-Id", c.WriterID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
