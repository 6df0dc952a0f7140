package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mvaldes/sitewatch/internal/bot"
	"github.com/mvaldes/sitewatch/internal/command"
	"github.com/mvaldes/sitewatch/internal/site"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// respondError maps domain failures onto problem responses.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	instance := redactPath(r.URL.Path)

	var verr *site.ValidationError
	if errors.As(err, &verr) {
		BadRequest(w, verr.Error(), instance)
		return
	}
	if errors.Is(err, site.ErrNotFound) {
		NotFound(w, "site not found", instance)
		return
	}
	var perr *command.PreconditionError
	if errors.As(err, &perr) {
		Unavailable(w, perr.Error(), instance)
		return
	}
	var terr *command.TransportError
	if errors.As(err, &terr) {
		BadGateway(w, terr.Error(), instance)
		return
	}

	s.logger.Error("request failed",
		zap.Error(err),
		zap.String("path", instance),
		zap.String("request_id", RequestID(r.Context())),
	)
	InternalError(w, "an unexpected error occurred", instance)
}

// SiteResponse pairs the stored site with the published command, when
// the request triggered one.
type SiteResponse struct {
	Site    *site.Config    `json:"site"`
	Command *command.Result `json:"command,omitempty"`
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.deps.Repo.ListWithStatus(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) handleUpsertSite(w http.ResponseWriter, r *http.Request) {
	var input site.Input
	if err := decodeJSON(w, r, &input); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}

	saved, err := s.deps.Repo.Upsert(r.Context(), input)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), command.Command{
		Type:    command.TypeUpsertSite,
		Payload: command.SitePayload(saved),
	})
	if err != nil {
		// The site is stored; the device just didn't hear about it yet.
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteResponse{Site: saved, Command: &result})
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.deps.Repo.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status, err := s.deps.Repo.GetStatus(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site.WithStatus{Site: *cfg, Status: status})
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := site.NormalizeID(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Repo.Delete(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), command.Command{
		Type:    command.TypeDeleteSite,
		Payload: command.IDPayload(id),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "command": result})
}

func (s *Server) handlePauseSite(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResumeSite(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := r.PathValue("id")

	var saved *site.Config
	var err error
	typ := command.TypeResumeSite
	if paused {
		typ = command.TypePauseSite
		saved, err = s.deps.Repo.Pause(r.Context(), id)
	} else {
		saved, err = s.deps.Repo.Resume(r.Context(), id)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), command.Command{
		Type:    typ,
		Payload: command.IDPayload(saved.ID),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteResponse{Site: saved, Command: &result})
}

func (s *Server) handleCheckSite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Repo.Get(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), command.Command{
		Type:    command.TypeCheckNow,
		Payload: command.IDPayload(id),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requested": id, "command": result})
}

// handleReportStatus ingests a status report from the device-side
// reporting path.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var status site.Status
	if err := decodeJSON(w, r, &status); err != nil {
		BadRequest(w, err.Error(), redactPath(r.URL.Path))
		return
	}
	status.ID = r.PathValue("id")

	saved, err := s.deps.Repo.UpdateStatus(r.Context(), status)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": saved})
}

// TelegramConfigResponse shows the effective credentials with the token
// masked.
type TelegramConfigResponse struct {
	ChatID      string `json:"chat_id"`
	TokenMasked string `json:"token_masked"`
	HasToken    bool   `json:"has_token"`
	HasChatID   bool   `json:"has_chat_id"`
	TokenSource string `json:"token_source,omitempty"`
	ChatSource  string `json:"chat_source,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

func telegramConfigResponse(creds telegram.Credentials) TelegramConfigResponse {
	resp := TelegramConfigResponse{
		ChatID:      creds.ChatID,
		TokenMasked: telegram.MaskToken(creds.Token),
		HasToken:    creds.Token != "",
		HasChatID:   creds.ChatID != "",
		TokenSource: string(creds.TokenSource),
		ChatSource:  string(creds.ChatSource),
	}
	if creds.Stored != nil {
		resp.UpdatedAt = creds.Stored.UpdatedAt
	}
	return resp
}

func (s *Server) handleGetTelegramConfig(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Resolver.Resolve(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, telegramConfigResponse(creds))
}

func (s *Server) handleSaveTelegramConfig(w http.ResponseWriter, r *http.Request) {
	var update telegram.Update
	if err := decodeJSON(w, r, &update); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if _, err := s.deps.Resolver.Save(r.Context(), update); err != nil {
		s.respondError(w, r, err)
		return
	}
	creds, err := s.deps.Resolver.Resolve(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, telegramConfigResponse(creds))
}

// handlePublishCommand signs and publishes a caller-supplied command
// without touching the store. Useful for re-sending and diagnostics.
func (s *Server) handlePublishCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := decodeJSON(w, r, &cmd); err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), cmd)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// webhookUpdate is the inbound Telegram update shape; only messages
// with text are acted on. Chat ids arrive as numbers but are treated
// as strings throughout.
type webhookUpdate struct {
	Message *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID flexID `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// flexID decodes a JSON string or number into a string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		*f = flexID(unquoted)
		return nil
	}
	if s == "null" {
		*f = ""
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("not a chat id: %q", s)
	}
	*f = flexID(s)
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	if s.deps.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.WebhookSecret)) != 1 {
		Unauthorized(w, "invalid webhook secret", webhookPathPrefix+"{secret}")
		return
	}

	var update webhookUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		BadRequest(w, err.Error(), webhookPathPrefix+"{secret}")
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	err := s.deps.Interpreter.HandleMessage(r.Context(), bot.Message{
		ChatID: string(update.Message.Chat.ID),
		Text:   update.Message.Text,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
