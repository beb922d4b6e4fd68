// MIT License
//
// Copyright (c) 2025 DaggerTech
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package config provides configuration management for the beacon hub server
// and client. Settings are loaded from an optional config file (config.json,
// config.yaml, ...) with environment overrides, and sensible defaults are
// applied for every parameter so the binaries run with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides. Keys use `_` in place of
// `.`, for example BEACON_CLIENT_TARGET=127.0.0.1:5005.
const EnvPrefix = "BEACON"

// Config holds the full configuration for both binaries.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig defines the hub server settings. All time-based fields are
// specified in milliseconds.
type ServerConfig struct {
	IP               string `mapstructure:"ip"`               // IP address to bind to (default: "0.0.0.0")
	Port             uint16 `mapstructure:"port"`             // Port to listen on (default: 5005)
	Path             string `mapstructure:"path"`             // Hub path (default: "/myhub")
	QueueSize        int    `mapstructure:"queueSize"`        // Invocation queue buffer (default: 2000)
	WorkerCount      int    `mapstructure:"workerCount"`      // Dispatch workers (default: 20)
	ClientQueueSize  int    `mapstructure:"clientQueueSize"`  // Outbound buffer per client (default: 256)
	MaxMessageSize   int    `mapstructure:"maxMessageSize"`   // Largest frame accepted from a client in bytes (default: 32768)
	KeepAlive        int    `mapstructure:"keepAlive"`        // Ping interval (default: 15000)
	ClientTimeout    int    `mapstructure:"clientTimeout"`    // Silence before a client is dropped (default: 30000)
	HandshakeTimeout int    `mapstructure:"handshakeTimeout"` // Time allowed for the handshake (default: 15000)
	NegotiateTTL     int    `mapstructure:"negotiateTTL"`     // Lifetime of an unused negotiation (default: 60000)
	Broadcast        bool   `mapstructure:"broadcast"`        // Relay received messages to other clients
}

// ClientConfig defines the hub client settings. All time-based fields are
// specified in milliseconds.
type ClientConfig struct {
	Target           string `mapstructure:"target"`           // Hub host:port (default: "192.168.145.50:5005")
	Path             string `mapstructure:"path"`             // Hub path (default: "/myhub")
	Method           string `mapstructure:"method"`           // Remote procedure (default: "SendMessage")
	HandshakeTimeout int    `mapstructure:"handshakeTimeout"` // Negotiate+handshake timeout (default: 15000)
	KeepAlive        int    `mapstructure:"keepAlive"`        // Ping interval (default: 15000)
	ServerTimeout    int    `mapstructure:"serverTimeout"`    // Silence before the server is presumed gone (default: 30000)
	ReconnectDelays  []int  `mapstructure:"reconnectDelays"`  // Delays between reconnect attempts; empty disables reconnect
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`
	// Rotation controls file rotation for file outputs
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development enables colored levels and development stack traces
	Development bool `mapstructure:"development"`
}

// FileOutputs returns the outputs that name files rather than stdout or
// stderr.
func (c LogConfig) FileOutputs() []string {
	var files []string
	for _, out := range c.Outputs {
		switch strings.ToLower(out) {
		case "stdout", "stderr":
		default:
			files = append(files, out)
		}
	}
	return files
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable bool `mapstructure:"enable"`
	// Filename overrides the path of a single file output. With several
	// file outputs it must be empty; each output then rotates in place.
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			IP:               "0.0.0.0",
			Port:             5005,
			Path:             "/myhub",
			QueueSize:        2000,
			WorkerCount:      20,
			ClientQueueSize:  256,
			MaxMessageSize:   32 * 1024,
			KeepAlive:        15000,
			ClientTimeout:    30000,
			HandshakeTimeout: 15000,
			NegotiateTTL:     60000,
		},
		Client: ClientConfig{
			Target:           "192.168.145.50:5005",
			Path:             "/myhub",
			Method:           "SendMessage",
			HandshakeTimeout: 15000,
			KeepAlive:        15000,
			ServerTimeout:    30000,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads the configuration from path when it is non-empty, otherwise it
// searches for a file named "config" in the working directory and ./configs.
// A missing file is not an error; defaults and environment overrides apply.
//
// Returns:
//   - *Config: A fully initialized configuration with defaults applied
//   - error: nil if successful, or an error if the file is unreadable or invalid
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".beacon"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every default with viper so env-only configs resolve.
func seed(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.ip", cfg.Server.IP)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.path", cfg.Server.Path)
	v.SetDefault("server.queueSize", cfg.Server.QueueSize)
	v.SetDefault("server.workerCount", cfg.Server.WorkerCount)
	v.SetDefault("server.clientQueueSize", cfg.Server.ClientQueueSize)
	v.SetDefault("server.maxMessageSize", cfg.Server.MaxMessageSize)
	v.SetDefault("server.keepAlive", cfg.Server.KeepAlive)
	v.SetDefault("server.clientTimeout", cfg.Server.ClientTimeout)
	v.SetDefault("server.handshakeTimeout", cfg.Server.HandshakeTimeout)
	v.SetDefault("server.negotiateTTL", cfg.Server.NegotiateTTL)
	v.SetDefault("server.broadcast", cfg.Server.Broadcast)

	v.SetDefault("client.target", cfg.Client.Target)
	v.SetDefault("client.path", cfg.Client.Path)
	v.SetDefault("client.method", cfg.Client.Method)
	v.SetDefault("client.handshakeTimeout", cfg.Client.HandshakeTimeout)
	v.SetDefault("client.keepAlive", cfg.Client.KeepAlive)
	v.SetDefault("client.serverTimeout", cfg.Client.ServerTimeout)
	v.SetDefault("client.reconnectDelays", cfg.Client.ReconnectDelays)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.maxSizeMB", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.maxBackups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.maxAgeDays", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
}

// validate applies defaults for zero values and rejects settings that
// cannot work.
func (c *Config) validate() error {
	d := Default()

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = d.Log.Outputs
	}
	if files := c.Log.FileOutputs(); c.Log.Rotation.Enable && len(files) > 1 && strings.TrimSpace(c.Log.Rotation.Filename) != "" {
		return fmt.Errorf("invalid log.rotation.filename: shared by %d file outputs; leave it empty to rotate each output in place", len(files))
	}

	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Path == "" {
		c.Server.Path = d.Server.Path
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("invalid server.path: %q must start with /", c.Server.Path)
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = d.Server.QueueSize
	}
	if c.Server.WorkerCount <= 0 {
		c.Server.WorkerCount = d.Server.WorkerCount
	}
	if c.Server.ClientQueueSize <= 0 {
		c.Server.ClientQueueSize = d.Server.ClientQueueSize
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if c.Server.KeepAlive <= 0 {
		c.Server.KeepAlive = d.Server.KeepAlive
	}
	if c.Server.ClientTimeout <= 0 {
		c.Server.ClientTimeout = d.Server.ClientTimeout
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = d.Server.HandshakeTimeout
	}
	if c.Server.NegotiateTTL <= 0 {
		c.Server.NegotiateTTL = d.Server.NegotiateTTL
	}

	if strings.TrimSpace(c.Client.Target) == "" {
		c.Client.Target = d.Client.Target
	}
	if c.Client.Path == "" {
		c.Client.Path = d.Client.Path
	}
	if !strings.HasPrefix(c.Client.Path, "/") {
		return fmt.Errorf("invalid client.path: %q must start with /", c.Client.Path)
	}
	if c.Client.Method == "" {
		c.Client.Method = d.Client.Method
	}
	if c.Client.HandshakeTimeout <= 0 {
		c.Client.HandshakeTimeout = d.Client.HandshakeTimeout
	}
	if c.Client.KeepAlive <= 0 {
		c.Client.KeepAlive = d.Client.KeepAlive
	}
	if c.Client.ServerTimeout <= 0 {
		c.Client.ServerTimeout = d.Client.ServerTimeout
	}
	for _, delay := range c.Client.ReconnectDelays {
		if delay < 0 {
			return fmt.Errorf("invalid client.reconnectDelays: negative delay %d", delay)
		}
	}
	return nil
}

// MustLoad is like Load but panics if the configuration cannot be loaded.
// This should only be used during program initialization where an invalid
// configuration file is a fatal error.
//
// Example:
//
//	cfg := config.MustLoad("")
//	server := hub.New(cfg.Server, logger)
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
