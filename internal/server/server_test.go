package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mvaldes/sitewatch/internal/bot"
	"github.com/mvaldes/sitewatch/internal/command"
	"github.com/mvaldes/sitewatch/internal/kv"
	"github.com/mvaldes/sitewatch/internal/site"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"go.uber.org/zap/zaptest"
)

// stubPublisher records commands instead of talking to a broker.
type stubPublisher struct {
	commands []command.Command
	err      error
}

func (p *stubPublisher) Publish(_ context.Context, cmd command.Command) (command.Result, error) {
	if p.err != nil {
		return command.Result{}, p.err
	}
	p.commands = append(p.commands, cmd)
	signed, err := command.Sign("test-secret", cmd)
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Topic: "devices/test-0000000000/commands", Command: signed}, nil
}

type stubSender struct {
	replies []string
}

func (s *stubSender) SendMessage(_ context.Context, _, _, text string) error {
	s.replies = append(s.replies, text)
	return nil
}

type serverFixture struct {
	server    *Server
	repo      *site.Repository
	publisher *stubPublisher
	sender    *stubSender
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := kv.NewMemoryStore()
	logger := zaptest.NewLogger(t)

	repo := site.NewRepository(store, logger)
	publisher := &stubPublisher{}
	resolver := telegram.NewResolver(store, telegram.Fallback{BotToken: "tok"}, logger)
	sender := &stubSender{}
	interp := bot.NewInterpreter(repo, publisher, resolver, sender, logger)

	srv := New("127.0.0.1:0", Deps{
		Repo:          repo,
		Publisher:     publisher,
		Resolver:      resolver,
		Interpreter:   interp,
		WebhookSecret: "hook-secret",
		StoreKind:     "memory",
	}, logger, nil)

	return &serverFixture{server: srv, repo: repo, publisher: publisher, sender: sender}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealth_endpoints(t *testing.T) {
	f := newServerFixture(t)

	if w := f.do(t, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("/healthz = %d", w.Code)
	}
	if w := f.do(t, "GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("/readyz = %d", w.Code)
	}

	w := f.do(t, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/api/health = %d", w.Code)
	}
	var health HealthResponse
	decodeBody(t, w, &health)
	if health.Service != "sitewatch" || health.Store != "memory" {
		t.Errorf("health = %+v", health)
	}
}

func TestReadyz_failure(t *testing.T) {
	f := newServerFixture(t)
	f.server.ready = func(context.Context) error { return errors.New("store down") }

	w := f.do(t, "GET", "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", w.Code)
	}
}

func TestSites_crud_roundtrip(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/sites = %d: %s", w.Code, w.Body.String())
	}
	var created SiteResponse
	decodeBody(t, w, &created)
	if created.Site.ID != "demo" || created.Site.Paused {
		t.Errorf("created = %+v", created.Site)
	}
	if created.Command == nil || created.Command.Command.Type != command.TypeUpsertSite {
		t.Errorf("command = %+v, want UPSERT_SITE", created.Command)
	}

	w = f.do(t, "GET", "/api/sites/demo", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/sites/demo = %d", w.Code)
	}
	var got site.WithStatus
	decodeBody(t, w, &got)
	if got.Site.URL != "https://example.com" || got.Status != nil {
		t.Errorf("got = %+v", got)
	}

	w = f.do(t, "GET", "/api/sites", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/sites = %d", w.Code)
	}
	var listing struct {
		Sites []site.WithStatus `json:"sites"`
	}
	decodeBody(t, w, &listing)
	if len(listing.Sites) != 1 {
		t.Errorf("listed %d sites, want 1", len(listing.Sites))
	}

	w = f.do(t, "DELETE", "/api/sites/demo", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if w = f.do(t, "GET", "/api/sites/demo", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
}

func TestUpsertSite_validation_problem(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/sites", `{"id":"demo","url":"ftp://nope","interval_s":120,"mode":"full"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q", ct)
	}
	var problem Problem
	decodeBody(t, w, &problem)
	if !strings.Contains(problem.Detail, "url") {
		t.Errorf("problem detail %q does not name the field", problem.Detail)
	}
	if len(f.publisher.commands) != 0 {
		t.Errorf("published %d commands for invalid input", len(f.publisher.commands))
	}
}

func TestPauseResumeCheck_publish_commands(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)

	if w := f.do(t, "POST", "/api/sites/demo/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause = %d", w.Code)
	}
	if w := f.do(t, "POST", "/api/sites/demo/resume", ""); w.Code != http.StatusOK {
		t.Fatalf("resume = %d", w.Code)
	}
	if w := f.do(t, "POST", "/api/sites/demo/check", ""); w.Code != http.StatusOK {
		t.Fatalf("check = %d", w.Code)
	}

	var types []command.Type
	for _, cmd := range f.publisher.commands {
		types = append(types, cmd.Type)
	}
	want := []command.Type{command.TypeUpsertSite, command.TypePauseSite, command.TypeResumeSite, command.TypeCheckNow}
	if len(types) != len(want) {
		t.Fatalf("published %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("command[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestCheck_unknown_site_is_404(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/sites/ghost/check", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestReportStatus_and_get(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)

	w := f.do(t, "POST", "/api/sites/demo/status", `{"last_http":200,"last_size":4096,"last_hash":"abc123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, "GET", "/api/sites/demo", "")
	var got site.WithStatus
	decodeBody(t, w, &got)
	if got.Status == nil || got.Status.LastHTTP != 200 {
		t.Errorf("status = %+v, want last_http 200", got.Status)
	}
}

func TestTransportFailure_maps_to_bad_gateway(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)

	f.publisher.err = &command.TransportError{Op: "connect", Err: errors.New("refused")}
	w := f.do(t, "POST", "/api/sites/demo/check", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestPreconditionFailure_maps_to_unavailable(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)

	f.publisher.err = &command.PreconditionError{Setting: "mqtt.broker_url"}
	w := f.do(t, "POST", "/api/sites/demo/check", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestTelegramConfig_masks_token(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "PUT", "/api/config/telegram", `{"botToken":"123456:ABC-secret-xyz","chatId":"42"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", w.Code, w.Body.String())
	}
	var resp TelegramConfigResponse
	decodeBody(t, w, &resp)
	if resp.TokenMasked != "123***xyz" || !resp.HasToken {
		t.Errorf("resp = %+v", resp)
	}
	if strings.Contains(w.Body.String(), "ABC-secret") {
		t.Error("raw token leaked in response")
	}

	w = f.do(t, "GET", "/api/config/telegram", "")
	decodeBody(t, w, &resp)
	if resp.ChatID != "42" || resp.ChatSource != string(telegram.SourceStorage) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPublishCommand_raw(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "POST", "/api/sites", `{"id":"demo","url":"https://example.com","interval_s":120,"mode":"full"}`)

	w := f.do(t, "POST", "/api/commands/publish", `{"type":"CHECK_NOW","payload":{"id":"demo"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var result command.Result
	decodeBody(t, w, &result)
	if result.Command.Type != command.TypeCheckNow || result.Command.HMAC == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestPublishCommand_invalid_type(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/commands/publish", `{"type":"REBOOT","payload":{"id":"demo"}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_secret_check(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/telegram/webhook/wrong", `{"message":{"message_id":1,"text":"/status","chat":{"id":42}}}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d, want 401", w.Code)
	}
	if len(f.sender.replies) != 0 {
		t.Errorf("interpreter ran despite bad secret: %v", f.sender.replies)
	}
}

func TestWebhook_drives_interpreter(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/telegram/webhook/hook-secret", `{"message":{"message_id":1,"text":"/status","chat":{"id":42}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(f.sender.replies) != 1 {
		t.Fatalf("replies = %v, want one status reply", f.sender.replies)
	}
	if !strings.Contains(f.sender.replies[0], "sitewatch") {
		t.Errorf("reply = %q", f.sender.replies[0])
	}
}

func TestWebhook_ignores_non_text_updates(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/telegram/webhook/hook-secret", `{"message":{"message_id":1,"chat":{"id":42}}}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if len(f.sender.replies) != 0 {
		t.Errorf("unexpected replies: %v", f.sender.replies)
	}
}

func TestWebhook_string_chat_id(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, "POST", "/api/telegram/webhook/hook-secret", `{"message":{"message_id":1,"text":"/list","chat":{"id":"42"}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(f.sender.replies) != 1 {
		t.Errorf("replies = %v", f.sender.replies)
	}
}
