package kv

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Config selects and configures the storage backend. Priority when more
// than one is configured: REST store, then Redis, then SQLite, then the
// in-memory fallback. The choice is made once at startup and never
// changes for the process lifetime.
type Config struct {
	// RestURL/RestToken point at an Upstash-style Redis-over-HTTPS store.
	// The token may also be embedded in the URL, either as
	// "https://host|token" or as the URL password.
	RestURL   string `mapstructure:"rest_url"`
	RestToken string `mapstructure:"rest_token"`

	// RedisURL is a redis:// or rediss:// URL for a protocol-level server.
	RedisURL string `mapstructure:"redis_url"`

	// SQLitePath is a local database file.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// restCredentials normalizes the two in-URL token conventions the
// deployment environments use.
func (c Config) restCredentials() (string, string, bool) {
	rawURL := strings.TrimSpace(c.RestURL)
	token := strings.TrimSpace(c.RestToken)

	if token == "" && strings.Contains(rawURL, "|") {
		parts := strings.SplitN(rawURL, "|", 2)
		rawURL = strings.TrimSpace(parts[0])
		token = strings.TrimSpace(parts[1])
	}

	if rawURL != "" && token == "" {
		parsed, err := url.Parse(rawURL)
		if err == nil {
			if pw, ok := parsed.User.Password(); ok {
				token = pw
				parsed.User = nil
				rawURL = parsed.String()
			}
		}
	}

	if rawURL == "" || token == "" {
		return "", "", false
	}
	return rawURL, token, true
}

// Open constructs the active Store for the process according to the
// fixed backend priority. Misconfiguration of a selected backend is an
// error rather than a silent fall-through: a typo in a Redis URL should
// not quietly downgrade persistence to a map.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if restURL, token, ok := cfg.restCredentials(); ok {
		store, err := NewRestStore(restURL, token)
		if err != nil {
			return nil, fmt.Errorf("configure rest store: %w", err)
		}
		logger.Info("storage backend selected", zap.String("kind", store.Kind()))
		return store, nil
	}

	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		store, err := NewRedisStore(ctx, redisURL)
		if err != nil {
			return nil, fmt.Errorf("configure redis store: %w", err)
		}
		logger.Info("storage backend selected", zap.String("kind", store.Kind()))
		return store, nil
	}

	if path := strings.TrimSpace(cfg.SQLitePath); path != "" {
		store, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("configure sqlite store: %w", err)
		}
		logger.Info("storage backend selected",
			zap.String("kind", store.Kind()),
			zap.String("path", path),
		)
		return store, nil
	}

	logger.Warn("no storage backend configured, using in-memory store (data will not survive restarts)")
	return NewMemoryStore(), nil
}
