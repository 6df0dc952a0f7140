package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	settings, err := Parse(v)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if settings.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", settings.Server.Port)
	}
	if settings.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", settings.Server.Addr())
	}
	if settings.Logging.Level != "info" || settings.Logging.Format != "json" {
		t.Errorf("logging = %+v", settings.Logging)
	}
	if settings.MQTT.Timeout != 10*time.Second {
		t.Errorf("mqtt.timeout = %s, want 10s", settings.MQTT.Timeout)
	}
	if settings.Storage.SQLitePath != "" {
		t.Errorf("storage.sqlite_path = %q, want empty so an unconfigured run stays in-memory", settings.Storage.SQLitePath)
	}
}

func TestLoad_env_overrides(t *testing.T) {
	t.Setenv("SW_SERVER_PORT", "9090")
	t.Setenv("SW_MQTT_BROKER_URL", "ssl://broker.test:8883")
	t.Setenv("SW_TELEGRAM_WEBHOOK_SECRET", "hook")

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	settings, err := Parse(v)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if settings.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", settings.Server.Port)
	}
	if settings.MQTT.BrokerURL != "ssl://broker.test:8883" {
		t.Errorf("mqtt.broker_url = %q", settings.MQTT.BrokerURL)
	}
	if settings.Telegram.WebhookSecret != "hook" {
		t.Errorf("telegram.webhook_secret = %q", settings.Telegram.WebhookSecret)
	}
}

func TestLoad_config_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitewatch.yaml")
	content := []byte("server:\n  port: 7070\nmqtt:\n  device_id: esp32-lab\n  timeout: 5s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	settings, err := Parse(v)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if settings.Server.Port != 7070 {
		t.Errorf("server.port = %d, want 7070", settings.Server.Port)
	}
	if settings.MQTT.DeviceID != "esp32-lab" {
		t.Errorf("mqtt.device_id = %q", settings.MQTT.DeviceID)
	}
	if settings.MQTT.Timeout != 5*time.Second {
		t.Errorf("mqtt.timeout = %s, want 5s", settings.MQTT.Timeout)
	}
}

func TestLoad_missing_explicit_file_errors(t *testing.T) {
	if _, err := Load("/nonexistent/sitewatch.yaml"); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
