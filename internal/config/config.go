// Package config loads sitewatch settings from file and environment
// through viper and builds the process logger.
package config

import (
	"fmt"
	"strings"

	"github.com/mvaldes/sitewatch/internal/command"
	"github.com/mvaldes/sitewatch/internal/kv"
	"github.com/mvaldes/sitewatch/internal/server"
	"github.com/mvaldes/sitewatch/internal/telegram"
	"github.com/spf13/viper"
)

// Logging selects the zap output level and encoding.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Telegram groups the chat-related settings.
type Telegram struct {
	BotToken      string `mapstructure:"bot_token"`
	ChatID        string `mapstructure:"chat_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Fallback projects the process-level credentials for the resolver.
func (t Telegram) Fallback() telegram.Fallback {
	return telegram.Fallback{BotToken: t.BotToken, ChatID: t.ChatID}
}

// Settings is the full sitewatch configuration tree.
type Settings struct {
	Server   server.Config  `mapstructure:"server"`
	Logging  Logging        `mapstructure:"logging"`
	Storage  kv.Config      `mapstructure:"storage"`
	MQTT     command.Config `mapstructure:"mqtt"`
	Telegram Telegram       `mapstructure:"telegram"`
}

// Load reads configuration from file and environment variables.
// Environment variables use the SW_ prefix: SW_SERVER_PORT=9090,
// SW_MQTT_BROKER_URL=ssl://broker:8883.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.rest_url", "")
	v.SetDefault("storage.rest_token", "")
	v.SetDefault("storage.redis_url", "")
	// Empty path means no SQLite backend; with nothing else configured
	// the store falls back to in-memory. Set e.g. ./data/sitewatch.db to
	// persist across restarts.
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.device_id", "")
	v.SetDefault("mqtt.device_secret", "")
	v.SetDefault("mqtt.timeout", "10s")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.webhook_secret", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sitewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sitewatch")
	}

	v.SetEnvPrefix("SW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

// Parse unmarshals the loaded tree into Settings.
func Parse(v *viper.Viper) (*Settings, error) {
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &settings, nil
}
