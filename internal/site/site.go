// Package site owns the monitoring-job domain model: site configuration
// records, last-known check status, validation of both, and the
// repository that persists them through the kv adapter.
package site

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the device extracts the watched content from a page.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeSelector Mode = "selector"
	ModeMarkers  Mode = "markers"
	ModeRegex    Mode = "regex"
)

func (m Mode) valid() bool {
	switch m {
	case ModeFull, ModeSelector, ModeMarkers, ModeRegex:
		return true
	}
	return false
}

// Validation bounds for site records.
const (
	IDMaxLen    = 128
	TextMaxLen  = 1024
	IntervalMin = 30
	IntervalMax = 86400

	// StatusTTL is how long a reported status survives without a fresh
	// report before the store may purge it.
	StatusTTL = 7 * 24 * time.Hour
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)

// ValidationError reports a malformed field in user-supplied input or a
// stored record. The message is safe to surface verbatim to operators.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Config is a monitoring job definition. The JSON field names are the
// wire and storage format shared with the device and the web UI.
type Config struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	IntervalS   int               `json:"interval_s"`
	Mode        Mode              `json:"mode"`
	SelectorCSS string            `json:"selector_css,omitempty"`
	StartMarker string            `json:"start_marker,omitempty"`
	EndMarker   string            `json:"end_marker,omitempty"`
	Regex       string            `json:"regex,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Paused      bool              `json:"paused"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Validate checks a full record, including one read back from storage.
func (c *Config) Validate() error {
	if _, err := NormalizeID(c.ID); err != nil {
		return err
	}
	if err := validateURL(c.URL); err != nil {
		return err
	}
	if c.IntervalS < IntervalMin || c.IntervalS > IntervalMax {
		return invalid("interval_s", fmt.Sprintf("must be between %d and %d seconds", IntervalMin, IntervalMax))
	}
	if !c.Mode.valid() {
		return invalid("mode", "must be one of full, selector, markers, regex")
	}
	if err := c.validateModeFields(); err != nil {
		return err
	}
	if c.CreatedAt < 0 || c.UpdatedAt < 0 {
		return invalid("created_at", "timestamps must be non-negative")
	}
	return nil
}

// validateModeFields enforces that the field set matching the selected
// mode is present.
func (c *Config) validateModeFields() error {
	switch c.Mode {
	case ModeSelector:
		if c.SelectorCSS == "" {
			return invalid("selector_css", "required for mode selector")
		}
	case ModeMarkers:
		if c.StartMarker == "" || c.EndMarker == "" {
			return invalid("start_marker", "start_marker and end_marker are required for mode markers")
		}
	case ModeRegex:
		if c.Regex == "" {
			return invalid("regex", "required for mode regex")
		}
	}
	return nil
}

// NormalizeID trims the identifier and checks its character set and
// length. The id doubles as a storage key segment, so the allowed set is
// deliberately narrow.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid("id", "is required")
	}
	if len(id) > IDMaxLen {
		return "", invalid("id", fmt.Sprintf("must not exceed %d characters", IDMaxLen))
	}
	if !idPattern.MatchString(id) {
		return "", invalid("id", "may only contain letters, digits, hyphens, underscores and colons")
	}
	return id, nil
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("url", "is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return invalid("url", "must be a valid http(s) URL")
	}
	return nil
}

// optionalText trims an optional free-text field; empty collapses to
// unset.
func optionalText(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) > TextMaxLen {
		return "", invalid(field, fmt.Sprintf("must not exceed %d characters", TextMaxLen))
	}
	return value, nil
}

// sanitizeHeaders drops entries whose key or value trims to empty and
// returns nil when nothing is left.
func sanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FlexInt decodes from either a JSON number or a numeric string, since
// chat options and older clients send intervals as text.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = FlexInt(n)
	return nil
}

// Input is the write payload accepted by Upsert. Paused distinguishes
// "unset" (keep the stored flag, default false) from an explicit value.
type Input struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	IntervalS   FlexInt           `json:"interval_s"`
	Mode        Mode              `json:"mode"`
	SelectorCSS string            `json:"selector_css,omitempty"`
	StartMarker string            `json:"start_marker,omitempty"`
	EndMarker   string            `json:"end_marker,omitempty"`
	Regex       string            `json:"regex,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Paused      *bool             `json:"paused,omitempty"`
}

// normalize validates the input and produces a record with everything
// except the paused flag and timestamps, which Upsert stamps.
func (in Input) normalize() (Config, error) {
	var cfg Config

	id, err := NormalizeID(in.ID)
	if err != nil {
		return cfg, err
	}
	cfg.ID = id

	cfg.URL = strings.TrimSpace(in.URL)
	if err := validateURL(cfg.URL); err != nil {
		return cfg, err
	}

	cfg.IntervalS = int(in.IntervalS)
	if cfg.IntervalS < IntervalMin || cfg.IntervalS > IntervalMax {
		return cfg, invalid("interval_s", fmt.Sprintf("must be between %d and %d seconds", IntervalMin, IntervalMax))
	}

	cfg.Mode = in.Mode
	if !cfg.Mode.valid() {
		return cfg, invalid("mode", "must be one of full, selector, markers, regex")
	}

	if cfg.SelectorCSS, err = optionalText("selector_css", in.SelectorCSS); err != nil {
		return cfg, err
	}
	if cfg.StartMarker, err = optionalText("start_marker", in.StartMarker); err != nil {
		return cfg, err
	}
	if cfg.EndMarker, err = optionalText("end_marker", in.EndMarker); err != nil {
		return cfg, err
	}
	if cfg.Regex, err = optionalText("regex", in.Regex); err != nil {
		return cfg, err
	}
	cfg.Headers = sanitizeHeaders(in.Headers)

	if err := cfg.validateModeFields(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Status is the last observed check result for a site, written by the
// external reporting path and read by listings.
type Status struct {
	ID          string `json:"id"`
	LastHTTP    int    `json:"last_http,omitempty"`
	LastSize    int    `json:"last_size,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
	LastExcerpt string `json:"last_excerpt,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastChanged bool   `json:"last_changed,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

// Validate normalizes and checks a status payload in place.
func (s *Status) Validate() error {
	id, err := NormalizeID(s.ID)
	if err != nil {
		return err
	}
	s.ID = id
	if s.LastHTTP < 0 {
		return invalid("last_http", "must be non-negative")
	}
	if s.LastSize < 0 {
		return invalid("last_size", "must be non-negative")
	}
	if s.UpdatedAt < 0 {
		return invalid("updated_at", "must be non-negative")
	}
	if s.LastHash, err = optionalText("last_hash", s.LastHash); err != nil {
		return err
	}
	if s.LastExcerpt, err = optionalText("last_excerpt", s.LastExcerpt); err != nil {
		return err
	}
	if s.LastError, err = optionalText("last_error", s.LastError); err != nil {
		return err
	}
	return nil
}
