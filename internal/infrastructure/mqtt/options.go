package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// connectGrace is added to paho's own connect timeout so that our
	// ConnectionTimeout timer always fires first.
	connectGrace = time.Second

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// statusQoS is used for status announcements and the LWT.
	statusQoS = 1

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// protocolVersion pins MQTT 3.1.1 so a refused CONNECT is not retried as 3.1.
	protocolVersion = 4
)

// buildClientOptions creates paho options for one connection attempt.
//
// paho's own reconnect logic is disabled: the ConnectionManager owns
// reconnection so that resubscription happens before any inbound message
// is dispatched.
func (cm *ConnectionManager) buildClientOptions(ep *connEpoch) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(cm.endpoint.Address())
	opts.SetClientID(cm.endpoint.ClientID())

	if cm.endpoint.username != "" {
		opts.SetUsername(cm.endpoint.username)
		opts.SetPassword(cm.endpoint.password)
	}

	opts.SetProtocolVersion(protocolVersion)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(false)
	opts.SetConnectTimeout(cm.cfg.ConnectionTimeout + connectGrace)
	opts.SetWriteTimeout(cm.cfg.CompletionTimeout)
	opts.SetKeepAlive(cm.keepAlive)

	// Handlers run in order on paho's router goroutine; ours only enqueues.
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		cm.inbox.push(messageFromPaho(m))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		cm.handleConnectionLost(ep, err)
	})

	if cm.endpoint.Secure() {
		tlsConfig := cm.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tlsMinVersion}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if cm.statusTopic != "" {
		configureLWT(opts, cm.statusTopic, cm.endpoint.ClientID())
	}

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.).
//
// QoS: 1 (guaranteed delivery)
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(topic, willPayload, statusQoS, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
