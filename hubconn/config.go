package hubconn

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/markoxley/beacon/config"
)

// Config tunes a Connection. Zero values fall back to the defaults.
type Config struct {
	HandshakeTimeout  time.Duration   // Negotiate + dial + handshake (default: 15s)
	KeepAliveInterval time.Duration   // Ping interval (default: 15s)
	ServerTimeout     time.Duration   // Silence before the server is presumed gone (default: 30s)
	ReconnectDelays   []time.Duration // Waits before each reconnect attempt; empty disables reconnect
	HTTPClient        *http.Client    // Used for negotiation
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

// DefaultConfig returns the default settings, reconnect disabled.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  15 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		ServerTimeout:     30 * time.Second,
	}
}

// FromClientConfig converts the file-based client settings, which are in
// milliseconds.
func FromClientConfig(c config.ClientConfig, logger *zap.Logger) Config {
	cfg := Config{
		HandshakeTimeout:  time.Duration(c.HandshakeTimeout) * time.Millisecond,
		KeepAliveInterval: time.Duration(c.KeepAlive) * time.Millisecond,
		ServerTimeout:     time.Duration(c.ServerTimeout) * time.Millisecond,
		Logger:            logger,
	}
	for _, d := range c.ReconnectDelays {
		cfg.ReconnectDelays = append(cfg.ReconnectDelays, time.Duration(d)*time.Millisecond)
	}
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.ServerTimeout <= 0 {
		c.ServerTimeout = d.ServerTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Dialer == nil {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = c.HandshakeTimeout
		c.Dialer = &dialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
