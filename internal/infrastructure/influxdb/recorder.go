package influxdb

import (
	"errors"
	"time"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// Recorder turns MQTT runtime events into InfluxDB points.
//
// Writes go through the batched non-blocking API, so it is safe to call
// from the runtime's goroutines.
type Recorder struct {
	mqtt.NopObserver

	w    PointWriter
	site string
}

// NewRecorder returns a Recorder that tags every point with site.
func NewRecorder(w PointWriter, site string) *Recorder {
	return &Recorder{w: w, site: site}
}

func (r *Recorder) tags(t map[string]string) map[string]string {
	if r.site != "" {
		t["site"] = r.site
	}
	return t
}

func (r *Recorder) StateChanged(_, to mqtt.State) {
	r.w.WritePointWithTime(MeasurementState,
		r.tags(map[string]string{}),
		map[string]interface{}{
			"state":     to.String(),
			"connected": to == mqtt.StateConnected,
		},
		time.Now(),
	)
}

func (r *Recorder) Published(outcome mqtt.PublishOutcome, err error) {
	r.w.WritePointWithTime(MeasurementDelivery,
		r.tags(deliveryTags("publish", "", publishResult(outcome, err))),
		map[string]interface{}{
			"latency_ms": float64(outcome.Latency.Microseconds()) / 1000,
			"qos":        int(outcome.QoS),
		},
		time.Now(),
	)
}

func (r *Recorder) HandlerFailed(err *mqtt.HandlerError) {
	result := "failed"
	switch {
	case errors.Is(err, mqtt.ErrHandlerTimeout):
		result = "timeout"
	case errors.Is(err, mqtt.ErrHandlerPanic):
		result = "panic"
	}
	r.w.WritePointWithTime(MeasurementDelivery,
		r.tags(deliveryTags("dispatch", err.Binding, result)),
		map[string]interface{}{"count": 1},
		time.Now(),
	)
}

func (r *Recorder) Unrouted(mqtt.Message) {
	r.w.WritePointWithTime(MeasurementDelivery,
		r.tags(deliveryTags("dispatch", "", "unrouted")),
		map[string]interface{}{"count": 1},
		time.Now(),
	)
}

func (r *Recorder) ReconnectAttempt(attempt int, delay time.Duration, _ error) {
	r.w.WritePointWithTime(MeasurementReconnect,
		r.tags(map[string]string{}),
		map[string]interface{}{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		},
		time.Now(),
	)
}

func publishResult(outcome mqtt.PublishOutcome, err error) string {
	switch {
	case err == nil && outcome.Acknowledged:
		return "acked"
	case err == nil:
		return "sent"
	case errors.Is(err, mqtt.ErrPublishTimeout):
		return "timeout"
	case errors.Is(err, mqtt.ErrPublishCancelled):
		return "cancelled"
	case errors.Is(err, mqtt.ErrTransportClosed), errors.Is(err, mqtt.ErrNotConnected):
		return "disconnected"
	default:
		return "failed"
	}
}
