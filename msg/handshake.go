package msg

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates each handshake message.
const RecordSeparator = 0x1e

// Protocol settings accepted by the hub.
const (
	ProtocolName    = "messagepack"
	ProtocolVersion = 1
)

// HandshakeRequest is the first message a client sends after the transport
// is open.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse answers a HandshakeRequest. An empty Error means the
// protocol was accepted.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// NewHandshakeRequest returns the request for the MessagePack protocol.
func NewHandshakeRequest() HandshakeRequest {
	return HandshakeRequest{Protocol: ProtocolName, Version: ProtocolVersion}
}

// Validate reports whether the hub can speak the requested protocol.
func (h HandshakeRequest) Validate() error {
	if h.Protocol != ProtocolName {
		return fmt.Errorf("requested protocol '%s' is not available", h.Protocol)
	}
	if h.Version != ProtocolVersion {
		return fmt.Errorf("requested protocol '%s' version %d is not supported", h.Protocol, h.Version)
	}
	return nil
}

// EncodeHandshake serializes a handshake message followed by the record
// separator.
func EncodeHandshake(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	return append(b, RecordSeparator), nil
}

// DecodeHandshake reads the first separator-terminated message of data into
// v and returns whatever follows it. Servers may append protocol messages to
// the handshake response within the same transport frame.
func DecodeHandshake(data []byte, v any) ([]byte, error) {
	i := bytes.IndexByte(data, RecordSeparator)
	if i < 0 {
		return nil, fmt.Errorf("%w: handshake not terminated", ErrInvalidFrame)
	}
	if err := json.Unmarshal(data[:i], v); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	return data[i+1:], nil
}

// TransportInfo lists one transport offered during negotiation.
type TransportInfo struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is returned by the hub's negotiate endpoint.
type NegotiateResponse struct {
	ConnectionID        string          `json:"connectionId"`
	ConnectionToken     string          `json:"connectionToken,omitempty"`
	NegotiateVersion    int             `json:"negotiateVersion"`
	AvailableTransports []TransportInfo `json:"availableTransports"`
	Error               string          `json:"error,omitempty"`
}

// Token returns the identifier a client must present when opening the
// transport. Version 0 servers only hand out the connection ID.
func (n NegotiateResponse) Token() string {
	if n.ConnectionToken != "" {
		return n.ConnectionToken
	}
	return n.ConnectionID
}

// SupportsWebSockets reports whether binary WebSockets were offered.
func (n NegotiateResponse) SupportsWebSockets() bool {
	for _, t := range n.AvailableTransports {
		if t.Transport != "WebSockets" {
			continue
		}
		for _, f := range t.TransferFormats {
			if f == "Binary" {
				return true
			}
		}
	}
	return false
}
