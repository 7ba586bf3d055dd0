package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"versekeep/internal/domain"
)

// Config models versekeep.yml.
type Config struct {
	Platforms  map[domain.Platform]PlatformRule `yaml:"platforms"`
	Cadence    domain.Cadence                   `yaml:"cadence"`
	Validation struct {
		MaxBodyLength      int           `yaml:"max_body_length"`
		StartDateTolerance time.Duration `yaml:"start_date_tolerance"`
	} `yaml:"validation"`
	Enforcement struct {
		GraceWindow           time.Duration `yaml:"grace_window"`
		EscalateAfterArchived int           `yaml:"escalate_after_archived"`
		ReminderBefore        time.Duration `yaml:"reminder_before"`
	} `yaml:"enforcement"`
	Patterns struct {
		LateSubmissionThreshold int `yaml:"late_submission_threshold"`
		RevisionThreshold       int `yaml:"revision_threshold"`
		EscalationThreshold     int `yaml:"escalation_threshold"`
	} `yaml:"patterns"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    struct {
		RedisAddr string          `yaml:"redis_addr"`
		Channel   string          `yaml:"channel"`
		Webhooks  []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
}

// WebhookConfig is one HTTP endpoint receiving notifications.
type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret"`
	Severities []string      `yaml:"severities"`
	Timeout    time.Duration `yaml:"timeout"`
	Enabled    *bool         `yaml:"enabled"`
}

// PlatformRule is one row of the constraint table. Lengths count runes.
type PlatformRule struct {
	MinLength     int           `yaml:"min_length"`
	MaxLength     int           `yaml:"max_length"`
	MaxLines      int           `yaml:"max_lines"`
	PublishWindow time.Duration `yaml:"publish_window"`
}

type SchedulerConfig struct {
	DeadlineCheck  string        `yaml:"deadline_check"`
	DailySweep     string        `yaml:"daily_sweep"`
	ReleaseCheckAt string        `yaml:"release_check_at"`
	FinalizeAt     string        `yaml:"finalize_at"`
	Concurrency    int           `yaml:"concurrency"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with vk config init", path)
	}
	return cfg, err
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return fmt.Errorf("config.platforms is required")
	}
	for p, rule := range c.Platforms {
		if _, ok := domain.ParsePlatform(string(p)); !ok {
			return fmt.Errorf("config.platforms has unknown platform %s", p)
		}
		if rule.MinLength < 0 || rule.MaxLength < 0 || rule.MaxLines < 0 {
			return fmt.Errorf("platform %s has negative limits", p)
		}
		if rule.MaxLength > 0 && rule.MinLength > rule.MaxLength {
			return fmt.Errorf("platform %s min_length exceeds max_length", p)
		}
		if rule.PublishWindow <= 0 {
			return fmt.Errorf("platform %s publish_window must be positive", p)
		}
	}
	for _, p := range domain.Platforms {
		if _, ok := c.Platforms[p]; !ok {
			return fmt.Errorf("config.platforms is missing %s", p)
		}
	}
	if c.Cadence.Period != "" {
		if _, ok := domain.ParsePeriod(string(c.Cadence.Period)); !ok {
			return fmt.Errorf("config.cadence.period must be monthly or weekly")
		}
	}
	if c.Cadence.ReleasesPerPeriod < 0 || c.Cadence.TermPeriods < 0 || c.Cadence.SubmissionWindow < 0 {
		return fmt.Errorf("config.cadence values must not be negative")
	}
	if c.Validation.MaxBodyLength < 0 {
		return fmt.Errorf("config.validation.max_body_length must not be negative")
	}
	if c.Validation.StartDateTolerance < 0 {
		return fmt.Errorf("config.validation.start_date_tolerance must not be negative")
	}
	if c.Enforcement.GraceWindow < 0 || c.Enforcement.ReminderBefore < 0 {
		return fmt.Errorf("config.enforcement windows must not be negative")
	}
	if c.Enforcement.EscalateAfterArchived < 1 {
		return fmt.Errorf("config.enforcement.escalate_after_archived must be at least 1")
	}
	if c.Patterns.LateSubmissionThreshold < 1 || c.Patterns.RevisionThreshold < 1 || c.Patterns.EscalationThreshold < 1 {
		return fmt.Errorf("config.patterns thresholds must be at least 1")
	}
	s := c.Scheduler
	if s.DeadlineCheck == "" || s.DailySweep == "" {
		return fmt.Errorf("config.scheduler.deadline_check and daily_sweep are required")
	}
	if !clockPattern.MatchString(s.ReleaseCheckAt) {
		return fmt.Errorf("config.scheduler.release_check_at must be HH:MM")
	}
	if !clockPattern.MatchString(s.FinalizeAt) {
		return fmt.Errorf("config.scheduler.finalize_at must be HH:MM")
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("config.scheduler.concurrency must be at least 1")
	}
	if s.CheckTimeout <= 0 {
		return fmt.Errorf("config.scheduler.check_timeout must be positive")
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url must be an http(s) URL", i)
		}
		for _, sev := range hook.Severities {
			switch domain.Severity(sev) {
			case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
			default:
				return fmt.Errorf("config.notify.webhooks[%d] has unknown severity %q", i, sev)
			}
		}
	}
	return nil
}

// Rule returns the constraint row for a platform.
func (c *Config) Rule(p domain.Platform) (PlatformRule, bool) {
	rule, ok := c.Platforms[p]
	return rule, ok
}

// ClockTime is a wall clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On returns the instant the clock reads c on the calendar day of t, in
// t's location. Times falling into a DST gap move forward with the clock.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// ParseClock parses an HH:MM value.
func ParseClock(hhmm string) (ClockTime, error) {
	if !clockPattern.MatchString(hhmm) {
		return ClockTime{}, fmt.Errorf("invalid clock time %q", hhmm)
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return ClockTime{}, err
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "versekeep.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from the document keep their defaults, including the fields of a
// partially overridden platform row.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	defaults := make(map[domain.Platform]PlatformRule, len(cfg.Platforms))
	for p, rule := range cfg.Platforms {
		defaults[p] = rule
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	var raw struct {
		Platforms map[domain.Platform]yaml.Node `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	for p, node := range raw.Platforms {
		rule := defaults[p]
		if err := node.Decode(&rule); err != nil {
			return nil, fmt.Errorf("config.platforms.%s: %w", p, err)
		}
		cfg.Platforms[p] = rule
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platforms:
  Medium:
    min_length: 1
    max_length: 100000
    max_lines: 0
    publish_window: 168h
  Substack:
    min_length: 1
    max_length: 100000
    max_lines: 0
    publish_window: 168h
  Twitter:
    min_length: 1
    max_length: 280
    max_lines: 0
    publish_window: 24h
  PersonalBlog:
    min_length: 1
    max_length: 0
    max_lines: 0
    publish_window: 336h

cadence:
  period: monthly
  releases_per_period: 1
  term_periods: 3

validation:
  max_body_length: 200000
  start_date_tolerance: 24h

enforcement:
  grace_window: 24h
  escalate_after_archived: 5
  reminder_before: 24h

patterns:
  late_submission_threshold: 3
  revision_threshold: 4
  escalation_threshold: 2

scheduler:
  deadline_check: "@hourly"
  daily_sweep: "*/15 * * * *"
  release_check_at: "18:30"
  finalize_at: "00:30"
  concurrency: 4
  check_timeout: 30s

notify:
  redis_addr: ""
  channel: versekeep.notifications
  webhooks: []
`
