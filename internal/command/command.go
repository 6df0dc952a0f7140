// Package command builds, signs and publishes device commands. A command
// is a canonical {type, payload, ts} envelope, HMAC-SHA-256 signed with
// the device's shared secret and delivered over MQTT to an unguessable
// per-device topic.
package command

import (
	"fmt"

	"github.com/mvaldes/sitewatch/internal/site"
)

// Type enumerates the instructions a device understands.
type Type string

const (
	TypeUpsertSite Type = "UPSERT_SITE"
	TypeDeleteSite Type = "DELETE_SITE"
	TypePauseSite  Type = "PAUSE_SITE"
	TypeResumeSite Type = "RESUME_SITE"
	TypeCheckNow   Type = "CHECK_NOW"
)

func (t Type) valid() bool {
	switch t {
	case TypeUpsertSite, TypeDeleteSite, TypePauseSite, TypeResumeSite, TypeCheckNow:
		return true
	}
	return false
}

// Payload carries the site fields relevant to a command. Only the id is
// mandatory; UPSERT_SITE fills in the rest.
type Payload struct {
	ID          string            `json:"id"`
	URL         string            `json:"url,omitempty"`
	IntervalS   int               `json:"interval_s,omitempty"`
	Mode        site.Mode         `json:"mode,omitempty"`
	SelectorCSS string            `json:"selector_css,omitempty"`
	StartMarker string            `json:"start_marker,omitempty"`
	EndMarker   string            `json:"end_marker,omitempty"`
	Regex       string            `json:"regex,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Paused      *bool             `json:"paused,omitempty"`
}

// Command is the canonical unsigned envelope. Field order here is the
// serialization order the signature is computed over; verification must
// replay the same order.
type Command struct {
	Type    Type    `json:"type"`
	Payload Payload `json:"payload"`
	TS      int64   `json:"ts"`
}

// Validate rejects a malformed command before any network activity. An
// inbound hmac is never trusted; signing happens at publish time only.
func (c Command) Validate() error {
	if !c.Type.valid() {
		return &site.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown command type %q", string(c.Type))}
	}
	if c.Payload.ID == "" {
		return &site.ValidationError{Field: "payload.id", Reason: "is required"}
	}
	if c.Payload.IntervalS < 0 {
		return &site.ValidationError{Field: "payload.interval_s", Reason: "must be non-negative"}
	}
	if c.Payload.Mode != "" {
		switch c.Payload.Mode {
		case site.ModeFull, site.ModeSelector, site.ModeMarkers, site.ModeRegex:
		default:
			return &site.ValidationError{Field: "payload.mode", Reason: "must be one of full, selector, markers, regex"}
		}
	}
	if c.TS < 0 {
		return &site.ValidationError{Field: "ts", Reason: "must be non-negative"}
	}
	return nil
}

// Signed is a command plus its base64 signature, immutable once built.
// Retries require a fresh command with a fresh ts.
type Signed struct {
	Command
	HMAC string `json:"hmac"`
}

// SitePayload projects a full site record into an UPSERT_SITE payload.
func SitePayload(cfg *site.Config) Payload {
	paused := cfg.Paused
	return Payload{
		ID:          cfg.ID,
		URL:         cfg.URL,
		IntervalS:   cfg.IntervalS,
		Mode:        cfg.Mode,
		SelectorCSS: cfg.SelectorCSS,
		StartMarker: cfg.StartMarker,
		EndMarker:   cfg.EndMarker,
		Regex:       cfg.Regex,
		Headers:     cfg.Headers,
		Paused:      &paused,
	}
}

// IDPayload builds the minimal payload for commands that only target an
// id.
func IDPayload(id string) Payload {
	return Payload{ID: id}
}
