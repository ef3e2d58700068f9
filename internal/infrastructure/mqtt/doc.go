// Package mqtt provides the multi-topic MQTT client runtime for lightbus.
//
// This package manages:
//   - One physical broker connection with an explicit session state machine
//   - Batched subscriptions restored after every reconnect
//   - Wildcard routing of inbound messages to independent handlers
//   - A single-writer publish path with completion timeouts
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
//	           +-----------------+    Dispatch    +----------+
//	broker <-> |ConnectionManager| -------------> |TopicRouter| -> handlers
//	           +-----------------+                +----------+
//	                   ^
//	                   | transmit (FIFO, one writer)
//	           +-----------------+
//	           | PublishGateway  | <- Publish / PublishBinding
//	           +-----------------+
//
// Runtime wires the three together for a SubscriptionSet.
//
// # Session States
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//	                     |             ^  |
//	                     v             |  v
//	               Disconnected     Reconnecting -> Disconnecting
//
// Only the ConnectionManager moves between states. After a transport loss
// it reconnects with exponential backoff and reissues every granted
// subscription before the receive loop may dispatch again.
//
// # Timeouts
//
//   - ConnectionTimeout: wait for CONNACK (default 30s)
//   - DisconnectTimeout: graceful DISCONNECT before forcing the socket closed (default 5s)
//   - CompletionTimeout: wait for PUBACK/PUBCOMP (default 30s)
//
// # Usage
//
//	set, err := mqtt.NewSubscriptionSet(
//	    mqtt.TopicBinding{Name: "turnOn", Filter: "smartylighting/streetlights/1/0/action/+/turn/on",
//	        Direction: mqtt.Inbound, QoS: 1, Handler: onTurnOn},
//	    mqtt.TopicBinding{Name: "measured", Filter: "smartylighting/streetlights/1/0/event/{id}/lighting/measured",
//	        Direction: mqtt.Outbound, QoS: 1, Async: true},
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rt, err := mqtt.NewRuntime(mqtt.RuntimeConfig{Endpoint: ep}, set)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Shutdown(context.Background())
//
//	rt.PublishBinding(ctx, "measured", map[string]string{"id": "lamp-7"}, []byte(`{"lumens":310}`))
package mqtt
