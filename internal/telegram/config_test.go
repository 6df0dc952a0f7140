package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/mvaldes/sitewatch/internal/kv"
	"go.uber.org/zap/zaptest"
)

func testResolver(t *testing.T, fallback Fallback) *Resolver {
	t.Helper()
	r := NewResolver(kv.NewMemoryStore(), fallback, zaptest.NewLogger(t))
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }
	return r
}

func strptr(s string) *string { return &s }

func TestResolve_unconfigured(t *testing.T) {
	r := testResolver(t, Fallback{})

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Token != "" || creds.ChatID != "" {
		t.Errorf("got %+v, want empty credentials", creds)
	}
	if creds.TokenSource != SourceNone || creds.ChatSource != SourceNone {
		t.Errorf("sources = %q/%q, want none", creds.TokenSource, creds.ChatSource)
	}
	if creds.Stored != nil {
		t.Errorf("stored = %+v, want nil", creds.Stored)
	}
	if creds.Configured() {
		t.Error("Configured() = true for empty credentials")
	}
}

func TestResolve_fallback_used_when_nothing_stored(t *testing.T) {
	r := testResolver(t, Fallback{BotToken: "env-token", ChatID: "42"})

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Token != "env-token" || creds.TokenSource != SourceEnv {
		t.Errorf("token = %q from %q, want env-token from env", creds.Token, creds.TokenSource)
	}
	if creds.ChatID != "42" || creds.ChatSource != SourceEnv {
		t.Errorf("chat = %q from %q, want 42 from env", creds.ChatID, creds.ChatSource)
	}
	if !creds.Configured() {
		t.Error("Configured() = false with both fields resolved")
	}
}

func TestResolve_stored_wins_per_field(t *testing.T) {
	r := testResolver(t, Fallback{BotToken: "env-token", ChatID: "42"})

	// Only the chat id is stored; the token still falls back.
	if _, err := r.Save(context.Background(), Update{ChatID: strptr("987")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Token != "env-token" || creds.TokenSource != SourceEnv {
		t.Errorf("token = %q from %q, want env fallback", creds.Token, creds.TokenSource)
	}
	if creds.ChatID != "987" || creds.ChatSource != SourceStorage {
		t.Errorf("chat = %q from %q, want stored 987", creds.ChatID, creds.ChatSource)
	}
}

func TestSave_partial_update_keeps_omitted_fields(t *testing.T) {
	r := testResolver(t, Fallback{})
	ctx := context.Background()

	first, err := r.Save(ctx, Update{BotToken: strptr("tok-1"), ChatID: strptr("11")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := r.Save(ctx, Update{BotToken: strptr("tok-2")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if second.BotToken != "tok-2" {
		t.Errorf("token = %q, want tok-2", second.BotToken)
	}
	if second.ChatID != "11" {
		t.Errorf("chat id = %q, want untouched 11", second.ChatID)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Errorf("updatedAt %d did not advance past %d", second.UpdatedAt, first.UpdatedAt)
	}
}

func TestSave_empty_string_clears_field(t *testing.T) {
	r := testResolver(t, Fallback{BotToken: "env-token"})
	ctx := context.Background()

	if _, err := r.Save(ctx, Update{BotToken: strptr("stored-token"), ChatID: strptr("11")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cleared, err := r.Save(ctx, Update{BotToken: strptr("")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cleared.BotToken != "" {
		t.Errorf("token = %q, want cleared", cleared.BotToken)
	}
	if cleared.ChatID != "11" {
		t.Errorf("chat id = %q, want untouched 11", cleared.ChatID)
	}

	// Clearing the stored token re-exposes the fallback.
	creds, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Token != "env-token" || creds.TokenSource != SourceEnv {
		t.Errorf("token = %q from %q, want env fallback after clear", creds.Token, creds.TokenSource)
	}
}

func TestResolve_trims_whitespace(t *testing.T) {
	r := testResolver(t, Fallback{ChatID: "  42  "})

	if _, err := r.Save(context.Background(), Update{BotToken: strptr("  tok  ")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Token != "tok" {
		t.Errorf("token = %q, want trimmed tok", creds.Token)
	}
	if creds.ChatID != "42" {
		t.Errorf("chat id = %q, want trimmed 42", creds.ChatID)
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdef", "******"},
		{"1234567", "123***567"},
		{"123456:ABC-secret-xyz", "123***xyz"},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.token); got != tt.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}
