package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// Sender delivers messages through the Bot API sendMessage call.
type Sender struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewSender builds a sender against the public Bot API.
func NewSender(logger *zap.Logger) *Sender {
	return &Sender{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: defaultAPIBase,
		logger:  logger,
	}
}

// SendMessage posts one text message to a chat. When the token or chat
// id is missing the message is dropped; an unconfigured bot is a normal
// state, not an error.
func (s *Sender) SendMessage(ctx context.Context, token, chatID, text string) error {
	if token == "" || chatID == "" {
		s.logger.Debug("telegram reply dropped, credentials not configured",
			zap.Bool("has_token", token != ""),
			zap.Bool("has_chat_id", chatID != ""),
		)
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
