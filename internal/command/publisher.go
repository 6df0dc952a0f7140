package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var publishesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "command_publishes_total",
		Help: "Total command publish attempts by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(publishesTotal)
}

// PreconditionError reports missing transport configuration. It is fatal
// rather than retryable; no network activity was attempted.
type PreconditionError struct {
	Setting string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("transport not configured: %s is required", e.Setting)
}

// TransportError wraps a connect or publish failure. The store mutation
// that preceded the publish is not undone; the caller decides whether to
// retry with a fresh command.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mqtt %s failed", e.Op)
	}
	return fmt.Sprintf("mqtt %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the MQTT transport settings for the single managed
// device.
type Config struct {
	BrokerURL    string        `mapstructure:"broker_url"`
	DeviceID     string        `mapstructure:"device_id"`
	DeviceSecret string        `mapstructure:"device_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the publisher defaults; the broker, device and
// secret have no sensible defaults and must be configured.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Validate checks the preconditions for publishing.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return &PreconditionError{Setting: "mqtt.broker_url"}
	}
	if c.DeviceID == "" {
		return &PreconditionError{Setting: "mqtt.device_id"}
	}
	if c.DeviceSecret == "" {
		return &PreconditionError{Setting: "mqtt.device_secret"}
	}
	return nil
}

// Result is what a successful publish returns: where the command went
// and the exact signed envelope that was sent.
type Result struct {
	Topic   string `json:"topic"`
	Command Signed `json:"command"`
}

// Publisher signs commands and ships them to the device topic. Each
// publish opens a fresh short-lived connection with a new client id and
// closes it afterwards; there is no pooling and no automatic retry.
// Success means the broker accepted the message at QoS 1, not that the
// device executed it.
type Publisher struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// newClient is swapped out by tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewPublisher builds a publisher for the given transport config.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Publisher{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newClient: pahomqtt.NewClient,
	}
}

// Publish validates, signs and delivers one command. The ts is defaulted
// to current epoch-ms when the caller didn't supply one; retries must go
// through Publish again to get a fresh ts and signature.
func (p *Publisher) Publish(ctx context.Context, cmd Command) (Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := cmd.Validate(); err != nil {
		publishesTotal.WithLabelValues(string(cmd.Type), "rejected").Inc()
		return Result{}, err
	}

	if cmd.TS == 0 {
		cmd.TS = p.now().UnixMilli()
	}

	signed, err := Sign(p.cfg.DeviceSecret, cmd)
	if err != nil {
		return Result{}, err
	}
	message, err := json.Marshal(signed)
	if err != nil {
		return Result{}, fmt.Errorf("encode signed command: %w", err)
	}

	topic := Topic(p.cfg.DeviceID, p.cfg.DeviceSecret)
	clientID := "admin-" + uuid.NewString()[:8]

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(p.cfg.Timeout)

	client := p.newClient(opts)

	if err := waitToken(ctx, client.Connect(), p.cfg.Timeout); err != nil {
		publishesTotal.WithLabelValues(string(cmd.Type), "connect_error").Inc()
		return Result{}, &TransportError{Op: "connect", Err: err}
	}
	defer client.Disconnect(250)

	if err := waitToken(ctx, client.Publish(topic, 1, false, message), p.cfg.Timeout); err != nil {
		publishesTotal.WithLabelValues(string(cmd.Type), "publish_error").Inc()
		return Result{}, &TransportError{Op: "publish", Err: err}
	}

	publishesTotal.WithLabelValues(string(cmd.Type), "ok").Inc()
	p.logger.Info("command published",
		zap.String("type", string(cmd.Type)),
		zap.String("site_id", cmd.Payload.ID),
		zap.String("topic", topic),
		zap.Int64("ts", cmd.TS),
	)
	return Result{Topic: topic, Command: signed}, nil
}

// waitToken waits for a paho token bounded by the configured timeout.
// Paho tokens cannot be cancelled mid-flight; an expired context is
// reported but the underlying operation may still complete.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("timed out after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return err
	}
	return ctx.Err()
}
