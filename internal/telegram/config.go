// Package telegram resolves operator-chat credentials and delivers
// replies through the Bot API. Credentials come from two layers: a
// stored record in the KV store, editable at runtime, and a
// process-level fallback from configuration. Resolution is per field,
// never a merge of both layers into one field.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mvaldes/sitewatch/internal/kv"
	"go.uber.org/zap"
)

// configKey is where the stored credential record lives.
var configKey = kv.Key("config", "telegram")

// Stored is the runtime-editable credential record. Absent fields are
// distinct from empty ones; omitempty keeps cleared fields out of the
// encoded record.
type Stored struct {
	BotToken  string `json:"botToken,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Source tells where a resolved credential field came from.
type Source string

const (
	SourceStorage Source = "storage"
	SourceEnv     Source = "env"
	SourceNone    Source = ""
)

// Credentials is the result of a resolve: the effective values, where
// each came from, and the raw stored record (nil when none exists).
type Credentials struct {
	Token       string
	ChatID      string
	TokenSource Source
	ChatSource  Source
	Stored      *Stored
}

// Configured reports whether both fields needed to send a message are
// present.
func (c Credentials) Configured() bool {
	return c.Token != "" && c.ChatID != ""
}

// Fallback carries the process-level credential configuration.
type Fallback struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// Update is a partial write to the stored record. A nil field leaves
// the stored value untouched; a pointer to the empty string clears it.
type Update struct {
	BotToken *string `json:"botToken"`
	ChatID   *string `json:"chatId"`
}

// Resolver reads and writes telegram credentials. It holds no cache:
// the stored record can change between calls, so every resolve goes to
// the store.
type Resolver struct {
	store    kv.Store
	fallback Fallback
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver builds a resolver over the given store and fallback
// configuration.
func NewResolver(store kv.Store, fallback Fallback, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Load fetches the stored record, nil when none exists.
func (r *Resolver) Load(ctx context.Context) (*Stored, error) {
	raw, ok, err := r.store.Get(ctx, configKey)
	if err != nil {
		return nil, fmt.Errorf("load telegram config: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var stored Stored
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode telegram config: %w", err)
	}
	return &stored, nil
}

// Resolve returns the effective credentials: stored value first, then
// the process fallback, per field.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	stored, err := r.Load(ctx)
	if err != nil {
		return Credentials{}, err
	}

	creds := Credentials{Stored: stored}
	storedToken, storedChat := "", ""
	if stored != nil {
		storedToken = strings.TrimSpace(stored.BotToken)
		storedChat = strings.TrimSpace(stored.ChatID)
	}

	switch {
	case storedToken != "":
		creds.Token, creds.TokenSource = storedToken, SourceStorage
	case strings.TrimSpace(r.fallback.BotToken) != "":
		creds.Token, creds.TokenSource = strings.TrimSpace(r.fallback.BotToken), SourceEnv
	}
	switch {
	case storedChat != "":
		creds.ChatID, creds.ChatSource = storedChat, SourceStorage
	case strings.TrimSpace(r.fallback.ChatID) != "":
		creds.ChatID, creds.ChatSource = strings.TrimSpace(r.fallback.ChatID), SourceEnv
	}
	return creds, nil
}

// Save merges a partial update into the stored record and restamps
// updatedAt. Supplied empty strings clear the field; nil fields keep
// whatever is stored.
func (r *Resolver) Save(ctx context.Context, update Update) (Stored, error) {
	current, err := r.Load(ctx)
	if err != nil {
		return Stored{}, err
	}

	next := Stored{UpdatedAt: r.now().UnixMilli()}
	if current != nil {
		next.BotToken = current.BotToken
		next.ChatID = current.ChatID
		if next.UpdatedAt <= current.UpdatedAt {
			next.UpdatedAt = current.UpdatedAt + 1
		}
	}
	if update.BotToken != nil {
		next.BotToken = strings.TrimSpace(*update.BotToken)
	}
	if update.ChatID != nil {
		next.ChatID = strings.TrimSpace(*update.ChatID)
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return Stored{}, fmt.Errorf("encode telegram config: %w", err)
	}
	if err := r.store.Set(ctx, configKey, string(raw)); err != nil {
		return Stored{}, fmt.Errorf("save telegram config: %w", err)
	}
	r.logger.Info("telegram config saved",
		zap.Bool("has_token", next.BotToken != ""),
		zap.Bool("has_chat_id", next.ChatID != ""),
	)
	return next, nil
}

// MaskToken renders a token for display without revealing it. Short
// tokens are fully starred; longer ones keep three characters at each
// end.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 6 {
		return strings.Repeat("*", len(token))
	}
	return token[:3] + "***" + token[len(token)-3:]
}
