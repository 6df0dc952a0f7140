package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Compile-time interface guard.
var _ Store = (*RestStore)(nil)

// RestStore speaks the Upstash-style Redis-over-HTTPS protocol: one
// Redis command per POST, JSON array in, {"result": ...} out. It is the
// highest-priority backend because the managed store is the production
// deployment target.
//
// The protocol is a thin single-command envelope, so a plain *http.Client
// is all the driver it needs.
type RestStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRestStore validates the endpoint shape and returns a REST-backed
// store. The URL must be HTTPS (the token travels in a header) unless it
// points at localhost, which tests use.
func NewRestStore(baseURL, token string) (*RestStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)
	if baseURL == "" || token == "" {
		return nil, fmt.Errorf("rest store requires url and token")
	}
	lower := strings.ToLower(baseURL)
	if !strings.HasPrefix(lower, "https://") && !strings.Contains(lower, "localhost") && !strings.Contains(lower, "127.0.0.1") {
		return nil, fmt.Errorf("rest store url must be https: %q", baseURL)
	}
	return &RestStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *RestStore) Kind() string { return "upstash" }

// do executes one Redis command and decodes the result field into out.
// A nil out discards the result.
func (s *RestStore) do(ctx context.Context, out interface{}, args ...interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("rest store request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != "" {
		return fmt.Errorf("rest store command failed: %s", envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rest store http %d", resp.StatusCode)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (s *RestStore) Get(ctx context.Context, key string) (string, bool, error) {
	var result *string
	if err := s.do(ctx, &result, "GET", key); err != nil {
		return "", false, err
	}
	if result == nil {
		return "", false, nil
	}
	return *result, true, nil
}

func (s *RestStore) Set(ctx context.Context, key, value string) error {
	return s.do(ctx, nil, "SET", key, value)
}

func (s *RestStore) Delete(ctx context.Context, key string) error {
	return s.do(ctx, nil, "DEL", key)
}

func (s *RestStore) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	match := prefix + "*"
	cursor := "0"
	for {
		// SCAN replies [next-cursor, [key, ...]].
		var page []json.RawMessage
		if err := s.do(ctx, &page, "SCAN", cursor, "MATCH", match, "COUNT", 100); err != nil {
			return err
		}
		if len(page) != 2 {
			return fmt.Errorf("rest store scan: unexpected reply shape (%d elements)", len(page))
		}
		next, err := decodeCursor(page[0])
		if err != nil {
			return err
		}
		var keys []string
		if err := json.Unmarshal(page[1], &keys); err != nil {
			return fmt.Errorf("rest store scan: decode keys: %w", err)
		}

		if len(keys) > 0 {
			args := make([]interface{}, 0, len(keys)+1)
			args = append(args, "MGET")
			for _, k := range keys {
				args = append(args, k)
			}
			var values []*string
			if err := s.do(ctx, &values, args...); err != nil {
				return err
			}
			for i, v := range values {
				if i >= len(keys) || v == nil {
					continue
				}
				if err := fn(Entry{Key: keys[i], Value: *v}); err != nil {
					return err
				}
			}
		}

		cursor = next
		if cursor == "0" {
			return nil
		}
	}
}

func (s *RestStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var added int
	args := setArgs("SADD", key, members)
	if err := s.do(ctx, &added, args...); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *RestStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	var removed int
	args := setArgs("SREM", key, members)
	if err := s.do(ctx, &removed, args...); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *RestStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	if err := s.do(ctx, &members, "SMEMBERS", key); err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func (s *RestStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return s.do(ctx, nil, "EXPIRE", key, seconds)
}

func (s *RestStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// decodeCursor accepts the cursor as either a JSON string or a number;
// the managed store has returned both over protocol revisions.
func decodeCursor(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatInt(asNumber, 10), nil
	}
	return "", fmt.Errorf("rest store scan: undecodable cursor %s", string(raw))
}

func setArgs(cmd, key string, members []string) []interface{} {
	args := make([]interface{}, 0, len(members)+2)
	args = append(args, cmd, key)
	for _, m := range members {
		args = append(args, m)
	}
	return args
}
