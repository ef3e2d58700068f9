package influxdb

import "time"

// Measurement names written by this package.
const (
	MeasurementLight     = "light_measurement"
	MeasurementDelivery  = "mqtt_delivery"
	MeasurementState     = "mqtt_state"
	MeasurementReconnect = "mqtt_reconnect"
)

// PointWriter is the part of Client used by recorders and services.
// Tests substitute an in-memory implementation.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// WriteLightMeasurement records the lumens reported for one street light.
//
// sentAt is the time the lamp took the reading; a zero value means now.
func (c *Client) WriteLightMeasurement(streetlightID string, lumens int, sentAt time.Time) {
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	c.WritePointWithTime(MeasurementLight,
		map[string]string{"streetlight_id": streetlightID},
		map[string]interface{}{"lumens": lumens},
		sentAt,
	)
}

// WriteDeliveryMetric records the outcome of one MQTT delivery.
//
// direction is "publish" or "dispatch", binding the binding name (low
// cardinality, unlike topics), and result a short outcome such as "ok",
// "timeout" or "failed". Latency is stored in milliseconds.
func (c *Client) WriteDeliveryMetric(direction, binding, result string, latency time.Duration) {
	c.WritePointWithTime(MeasurementDelivery,
		deliveryTags(direction, binding, result),
		map[string]interface{}{"latency_ms": float64(latency.Microseconds()) / 1000},
		time.Now(),
	)
}

func deliveryTags(direction, binding, result string) map[string]string {
	tags := map[string]string{
		"direction": direction,
		"result":    result,
	}
	if binding != "" {
		tags["binding"] = binding
	}
	return tags
}

// WritePoint writes a custom point timestamped now.
//
// Example:
//
//	client.WritePoint("gateway_stats",
//	    map[string]string{"site": "harbour"},
//	    map[string]interface{}{"in_flight": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}
