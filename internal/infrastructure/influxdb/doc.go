// Package influxdb records street-light telemetry and MQTT runtime
// metrics in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Writes use the
// non-blocking batched write API; failures are delivered to the handler
// given with WithErrorHandler, wrapped in ErrWriteFailed, and counted in
// Stats.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithErrorHandler(onErr))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteLightMeasurement("7", 120, sentAt)
//
//	rt, err := mqtt.NewRuntime(rc, set,
//	    mqtt.WithRuntimeObserver(influxdb.NewRecorder(client, cfg.Site.ID)))
//
// # Measurements
//
//   - light_measurement: lumens per streetlight_id
//   - mqtt_delivery: publish and dispatch outcomes, tagged by direction and result
//   - mqtt_state: connection state transitions
//   - mqtt_reconnect: reconnect attempts and their backoff delay
//
// All methods are safe for concurrent use.
package influxdb
