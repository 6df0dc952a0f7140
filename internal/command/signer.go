package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// topicSuffixLen is the number of hex digits of the derived topic
// suffix. Ten digits (40 bits) keep the topic unguessable without
// leaking the secret, and the device recomputes the same value to know
// where to subscribe.
const topicSuffixLen = 10

// Sign serializes the canonical envelope and attaches its HMAC-SHA-256
// signature, base64 encoded.
func Sign(secret string, cmd Command) (Signed, error) {
	message, err := json.Marshal(cmd)
	if err != nil {
		return Signed{}, fmt.Errorf("encode command: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return Signed{
		Command: cmd,
		HMAC:    base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// Verify recomputes the signature over the exact serialized envelope and
// compares in constant time. Mirrors what the device does on receipt.
func Verify(secret string, cmd Command, signature string) bool {
	signed, err := Sign(secret, cmd)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(signed.HMAC), []byte(signature))
}

// TopicSuffix derives the per-device topic segment from
// SHA-256("{deviceID}:{secret}"), truncated to the fixed hex length.
func TopicSuffix(deviceID, secret string) string {
	digest := sha256.Sum256([]byte(deviceID + ":" + secret))
	return hex.EncodeToString(digest[:])[:topicSuffixLen]
}

// Topic composes the full command topic for a device.
func Topic(deviceID, secret string) string {
	return fmt.Sprintf("devices/%s-%s/commands", deviceID, TopicSuffix(deviceID, secret))
}
