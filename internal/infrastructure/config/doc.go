// Package config handles loading and validating lightbus configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of broker address, timeouts, and topic bindings
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/lightbus.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Address)
//
// A minimal MQTT section:
//
//	mqtt:
//	  broker:
//	    address: "tcp://localhost:1883"
//	    client_id: "lightbus-core"
//	  timeouts:
//	    connection: 30s
//	    disconnection: 5s
//	    completion: 30s
//	  bindings:
//	    - name: turnOn
//	      topic: "smartylighting/streetlights/1/0/action/+/turn/on"
//	      direction: inbound
//	      qos: 1
package config
