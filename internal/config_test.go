package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"REDIS_URL": "redis://localhost:6379",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Len(t, cfg.PrivateKey, ed25519.PrivateKeySize)
	assert.Equal(t, []string{"*"}, cfg.OriginPatterns)
	assert.Equal(t, AssemblyLimits{MaxBytes: 16 << 20, IdleTimeout: 10 * time.Second}, cfg.Limits())
	assert.Equal(t, "http://localhost:5001/process_frame", cfg.InferenceURL)
	assert.Equal(t, 4, cfg.InferenceConcurrency)
	assert.Equal(t, "relay:events", cfg.EventChannel)
	assert.Equal(t, int64(50<<20), cfg.AlertMaxBytes)
	assert.Equal(t, 5*time.Second, cfg.MQTTConnectTimeout)
	assert.False(t, cfg.UseTLS())

	opts := cfg.JoinOptions()
	assert.Equal(t, cfg.InstanceID, opts.InstanceID)
	assert.Equal(t, 30*time.Second, opts.KeepAlive)
	assert.Equal(t, 64, opts.SendQueue)
}

func TestLoadConfig_Overrides(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg, err := LoadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"REDIS_URL":        "redis://localhost:6379",
		"INSTANCE_ID":      "relay-a",
		"PRIVATE_KEY":      base64.StdEncoding.EncodeToString(key),
		"MAX_FRAME_BYTES":  "0",
		"ASSEMBLY_TIMEOUT": "0s",
		"ORIGIN_PATTERNS":  "dashboard.example.com,*.local",
	}))
	require.NoError(t, err)

	assert.Equal(t, "relay-a", cfg.InstanceID)
	assert.Equal(t, []byte(key), []byte(cfg.PrivateKey))
	assert.Equal(t, AssemblyLimits{}, cfg.Limits())
	assert.Equal(t, []string{"dashboard.example.com", "*.local"}, cfg.OriginPatterns)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"missing redis":       {},
		"short key":           {"REDIS_URL": "redis://x", "PRIVATE_KEY": base64.StdEncoding.EncodeToString([]byte("short"))},
		"zero keepalive":      {"REDIS_URL": "redis://x", "KEEPALIVE_INTERVAL": "0s"},
		"negative frame cap":  {"REDIS_URL": "redis://x", "MAX_FRAME_BYTES": "-1"},
		"tls without dns":     {"REDIS_URL": "redis://x", "SERVICE_DOMAIN": "relay.example.com"},
		"bad alert key":       {"REDIS_URL": "redis://x", "ALERT_PUBLIC_KEY": "nope"},
		"zero alert body":     {"REDIS_URL": "redis://x", "ALERT_MAX_BYTES": "0"},
		"unparseable timeout": {"REDIS_URL": "redis://x", "WRITE_TIMEOUT": "soon"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
