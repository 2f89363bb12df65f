package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.PeerID)
	assert.NotEqual(t, cfg.PeerID, DefaultConfig().PeerID, "every default gets a fresh peer id")
	assert.Equal(t, "127.0.0.1:8440", cfg.Address())
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty peer id", mutate: func(c *Config) { c.PeerID = "" }, wantErr: "peer id"},
		{name: "invalid port (negative)", mutate: func(c *Config) { c.Port = -1 }, wantErr: "invalid port"},
		{name: "invalid port (too large)", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "invalid HTTP port", mutate: func(c *Config) { c.HTTPPort = 70000 }, wantErr: "invalid HTTP port"},
		{name: "HTTP disabled", mutate: func(c *Config) { c.HTTPPort = 0 }},
		{name: "max level too large", mutate: func(c *Config) { c.MaxLevel = 64 }, wantErr: "max level"},
		{name: "zero ack timeout", mutate: func(c *Config) { c.AckTimeout = 0 }, wantErr: "timeouts"},
		{name: "zero query timeout", mutate: func(c *Config) { c.QueryTimeout = 0 }, wantErr: "query timeout"},
		{name: "retransmit below flush", mutate: func(c *Config) { c.RetransmitWindow = time.Millisecond }, wantErr: "retransmit window"},
		{name: "backoff max below base", mutate: func(c *Config) { c.InsertBackoffMax = time.Millisecond }, wantErr: "insert backoff"},
		{name: "zero delete retries", mutate: func(c *Config) { c.DeleteRetries = 0 }, wantErr: "delete retries"},
		{name: "zero history", mutate: func(c *Config) { c.HistorySize = 0 }, wantErr: "history size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("SKIPGRAPH_PORT", "9555")
	t.Setenv("SKIPGRAPH_QUERY_TIMEOUT", "3s")

	v := viper.New()
	v.Set("seed", "127.0.0.1:9000")
	v.Set("peer_id", "peer-a")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Seed)
	assert.Equal(t, "peer-a", cfg.PeerID)
	assert.Equal(t, DefaultConfig().AckTimeout, cfg.AckTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	v := viper.New()
	v.Set("port", 0)

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
