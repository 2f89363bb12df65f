package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration for a skip graph peer
type Config struct {
	// Peer identification
	PeerID string `mapstructure:"peer_id"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`

	// HTTP API
	HTTPPort int `mapstructure:"http_port"`

	// Seed peer (host:port) used to insert the first local key; empty starts a new graph
	Seed string `mapstructure:"seed"`

	// Shared secret for peer-to-peer calls; empty disables auth
	AuthToken string `mapstructure:"auth_token"`

	// Routing
	MaxLevel    int `mapstructure:"max_level"`     // Routing table height cap
	MaxHops     int `mapstructure:"max_hops"`      // Query forwarding depth guard
	MaxScanHops int `mapstructure:"max_scan_hops"` // Neighbor walk bound during insertion and repair

	// Messaging
	RPCTimeout           time.Duration `mapstructure:"rpc_timeout"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	MessageSweepInterval time.Duration `mapstructure:"message_sweep_interval"`

	// Range queries
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	ExpireGrace      time.Duration `mapstructure:"expire_grace"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	RetransmitWindow time.Duration `mapstructure:"retransmit_window"`
	HistoryTTL       time.Duration `mapstructure:"history_ttl"`
	HistorySize      int           `mapstructure:"history_size"`
	FailedLinkTTL    time.Duration `mapstructure:"failed_link_ttl"`

	// Insertion and removal
	InsertBackoffBase time.Duration `mapstructure:"insert_backoff_base"`
	InsertBackoffMax  time.Duration `mapstructure:"insert_backoff_max"`
	DeleteRetries     int           `mapstructure:"delete_retries"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // json, console
	LogFile   string `mapstructure:"log_file"`   // optional rotating file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		PeerID:               uuid.NewString(),
		Host:                 "127.0.0.1",
		Port:                 8440,
		HTTPPort:             8080,
		MaxLevel:             32,
		MaxHops:              32,
		MaxScanHops:          1024,
		RPCTimeout:           5 * time.Second,
		AckTimeout:           2 * time.Second,
		MessageSweepInterval: 10 * time.Second,
		QueryTimeout:         10 * time.Second,
		ExpireGrace:          2 * time.Second,
		FlushInterval:        500 * time.Millisecond,
		RetransmitWindow:     4 * time.Second,
		HistoryTTL:           time.Minute,
		HistorySize:          65536,
		FailedLinkTTL:        30 * time.Second,
		InsertBackoffBase:    50 * time.Millisecond,
		InsertBackoffMax:     5 * time.Second,
		DeleteRetries:        5,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Address returns the host:port the peer's RPC server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PeerID == "" {
		return fmt.Errorf("peer id cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.MaxLevel <= 0 || c.MaxLevel > 32 {
		return fmt.Errorf("max level must be between 1 and 32, got %d", c.MaxLevel)
	}
	if c.MaxHops <= 0 || c.MaxScanHops <= 0 {
		return fmt.Errorf("hop limits must be positive")
	}
	if c.RPCTimeout <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("rpc and ack timeouts must be positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %s", c.QueryTimeout)
	}
	if c.FlushInterval <= 0 || c.RetransmitWindow < c.FlushInterval {
		return fmt.Errorf("retransmit window %s must be at least the flush interval %s", c.RetransmitWindow, c.FlushInterval)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive, got %d", c.HistorySize)
	}
	if c.InsertBackoffBase <= 0 || c.InsertBackoffMax < c.InsertBackoffBase {
		return fmt.Errorf("insert backoff max %s must be at least base %s", c.InsertBackoffMax, c.InsertBackoffBase)
	}
	if c.DeleteRetries <= 0 {
		return fmt.Errorf("delete retries must be positive, got %d", c.DeleteRetries)
	}
	return nil
}

// SetDefaults registers every default with v so flags, env and files layer on top.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("peer_id", d.PeerID)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("max_level", d.MaxLevel)
	v.SetDefault("max_hops", d.MaxHops)
	v.SetDefault("max_scan_hops", d.MaxScanHops)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("message_sweep_interval", d.MessageSweepInterval)
	v.SetDefault("query_timeout", d.QueryTimeout)
	v.SetDefault("expire_grace", d.ExpireGrace)
	v.SetDefault("flush_interval", d.FlushInterval)
	v.SetDefault("retransmit_window", d.RetransmitWindow)
	v.SetDefault("history_ttl", d.HistoryTTL)
	v.SetDefault("history_size", d.HistorySize)
	v.SetDefault("failed_link_ttl", d.FailedLinkTTL)
	v.SetDefault("insert_backoff_base", d.InsertBackoffBase)
	v.SetDefault("insert_backoff_max", d.InsertBackoffMax)
	v.SetDefault("delete_retries", d.DeleteRetries)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
}

// Load builds a Config from v, reading SKIPGRAPH_* environment variables too.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("skipgraph")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
