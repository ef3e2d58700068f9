// Package logging provides structured logging for lightbus.
//
// This package wraps Go's standard log/slog package so that every
// component logs with the same handler, level and default fields.
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	mqttLog := logger.With("component", "mqtt")
//	mqttLog.Info("connected", "broker", addr)
//
// *Logger satisfies the small Logger interfaces declared by the mqtt,
// journal and api packages, so components never import this package.
//
// # Security
//
// Never log MQTT passwords or InfluxDB tokens. Endpoint.String() omits
// credentials and is safe to log.
package logging
