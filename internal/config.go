package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port             int                   `env:"PORT,default=8080"`
	InstanceID       string                `env:"INSTANCE_ID"`
	ServiceDomain    string                `env:"SERVICE_DOMAIN"`
	RedisURL         string                `env:"REDIS_URL,required"`
	PrivateKey       envconfig.Base64Bytes `env:"PRIVATE_KEY"`
	PorkbunAPIKey    string                `env:"PORKBUN_API_KEY"`
	PorkbunAPISecret string                `env:"PORKBUN_API_SECRET"`

	OriginPatterns  []string      `env:"ORIGIN_PATTERNS,default=*"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES,default=4194304"`
	MaxFrameBytes   int           `env:"MAX_FRAME_BYTES,default=16777216"`
	AssemblyTimeout time.Duration `env:"ASSEMBLY_TIMEOUT,default=10s"`
	SendQueue       int           `env:"SEND_QUEUE,default=64"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	KeepAlive       time.Duration `env:"KEEPALIVE_INTERVAL,default=30s"`

	InferenceURL         string        `env:"INFERENCE_URL,default=http://localhost:5001/process_frame"`
	InferenceTimeout     time.Duration `env:"INFERENCE_TIMEOUT,default=5s"`
	InferenceConcurrency int           `env:"INFERENCE_CONCURRENCY,default=4"`

	AlertPublicKey string `env:"ALERT_PUBLIC_KEY"`
	AlertMaxBytes  int64  `env:"ALERT_MAX_BYTES,default=52428800"`
	EventChannel   string `env:"EVENT_CHANNEL,default=relay:events"`

	MQTTBroker         string        `env:"MQTT_BROKER"`
	MQTTTopicPrefix    string        `env:"MQTT_TOPIC_PREFIX,default=camrelay"`
	MQTTConnectTimeout time.Duration `env:"MQTT_CONNECT_TIMEOUT,default=5s"`

	LogLevel string `env:"LOG_LEVEL,default=debug"`
	LogFile  string `env:"LOG_FILE"`
}

// LoadConfig reads the environment through l and fills in what can be
// generated: an instance id and a signing key.
func LoadConfig(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, cfg, l); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		id, err := ksuid.NewRandom()
		if err != nil {
			return nil, err
		}

		cfg.InstanceID = id.String()
	}

	if len(cfg.PrivateKey) == 0 {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}

		cfg.PrivateKey = envconfig.Base64Bytes(key)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("PRIVATE_KEY must be %d bytes, got %d", ed25519.PrivateKeySize, len(c.PrivateKey))
	}

	if c.KeepAlive <= 0 {
		return fmt.Errorf("KEEPALIVE_INTERVAL must be positive")
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive")
	}

	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive")
	}

	if c.MaxFrameBytes < 0 || c.AssemblyTimeout < 0 {
		return fmt.Errorf("MAX_FRAME_BYTES and ASSEMBLY_TIMEOUT must not be negative")
	}

	if c.AlertMaxBytes <= 0 {
		return fmt.Errorf("ALERT_MAX_BYTES must be positive")
	}

	if c.ServiceDomain != "" && (c.PorkbunAPIKey == "" || c.PorkbunAPISecret == "") {
		return fmt.Errorf("SERVICE_DOMAIN requires PORKBUN_API_KEY and PORKBUN_API_SECRET")
	}

	if c.AlertPublicKey != "" {
		if _, err := DecodePublicKey(c.AlertPublicKey); err != nil {
			return fmt.Errorf("ALERT_PUBLIC_KEY: %w", err)
		}
	}

	return nil
}

func (c *Config) Limits() AssemblyLimits {
	return AssemblyLimits{MaxBytes: c.MaxFrameBytes, IdleTimeout: c.AssemblyTimeout}
}

func (c *Config) JoinOptions() JoinOptions {
	return JoinOptions{
		InstanceID:      c.InstanceID,
		OriginPatterns:  c.OriginPatterns,
		MaxMessageBytes: c.MaxMessageBytes,
		SendQueue:       c.SendQueue,
		WriteTimeout:    c.WriteTimeout,
		KeepAlive:       c.KeepAlive,
		Limits:          c.Limits(),
	}
}

// UseTLS reports whether certificates should be obtained for ServiceDomain.
func (c *Config) UseTLS() bool {
	return c.ServiceDomain != ""
}
