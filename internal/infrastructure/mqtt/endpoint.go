package mqtt

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Default session timeouts.
const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultCompletionTimeout = 30 * time.Second
)

// Default reconnect backoff.
const (
	DefaultReconnectInitialDelay = time.Second
	DefaultReconnectMaxDelay     = 60 * time.Second
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectJitter       = 0.2
)

// defaultPorts maps each supported scheme to the port used when the address omits one.
var defaultPorts = map[string]string{
	"tcp":   "1883",
	"mqtt":  "1883",
	"ssl":   "8883",
	"tls":   "8883",
	"mqtts": "8883",
	"ws":    "80",
	"wss":   "443",
}

// Endpoint identifies one broker and the identity used to connect to it.
// It is immutable after ParseEndpoint returns.
type Endpoint struct {
	address  string
	clientID string
	username string
	password string
	secure   bool
}

// ParseEndpoint validates a broker address and builds an Endpoint.
//
// The address must be a URI with a scheme of tcp, mqtt, ssl, tls, mqtts, ws
// or wss. A missing port is filled in from the scheme.
func ParseEndpoint(address, clientID, username, password string) (Endpoint, error) {
	if strings.TrimSpace(clientID) == "" {
		return Endpoint{}, fmt.Errorf("%w: client ID is required", ErrInvalidEndpoint)
	}

	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	scheme := strings.ToLower(u.Scheme)
	port, ok := defaultPorts[scheme]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidEndpoint, u.Scheme, address)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, address)
	}
	if p := u.Port(); p != "" {
		port = p
	}

	u.Scheme = scheme
	u.Host = net.JoinHostPort(u.Hostname(), port)

	return Endpoint{
		address:  u.String(),
		clientID: clientID,
		username: username,
		password: password,
		secure:   scheme == "ssl" || scheme == "tls" || scheme == "mqtts" || scheme == "wss",
	}, nil
}

// Address returns the normalised broker URI, always including a port.
func (e Endpoint) Address() string { return e.address }

// ClientID returns the MQTT client identifier.
func (e Endpoint) ClientID() string { return e.clientID }

// Username returns the configured username, which may be empty.
func (e Endpoint) Username() string { return e.username }

// Secure reports whether the scheme requires TLS.
func (e Endpoint) Secure() bool { return e.secure }

// String returns the address with the client ID, without credentials.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s (client %s)", e.address, e.clientID)
}

// ConnectionConfig holds the three independent session timeouts.
// Zero fields take the Default* values.
type ConnectionConfig struct {
	// ConnectionTimeout bounds the wait for CONNACK.
	ConnectionTimeout time.Duration
	// DisconnectTimeout bounds a graceful DISCONNECT before the transport is forced closed.
	DisconnectTimeout time.Duration
	// CompletionTimeout bounds the wait for a publish acknowledgment.
	CompletionTimeout time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	return c
}

// ReconnectPolicy configures the exponential backoff used after transport loss.
// Retries continue until the ConnectionManager is closed.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor applied to each delay, from 0 to 1.
	Jitter float64
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultReconnectInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultReconnectMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultReconnectMultiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = DefaultReconnectJitter
	}
	return p
}
