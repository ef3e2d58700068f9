package streetlight

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

type published struct {
	binding string
	params  map[string]string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) PublishBinding(_ context.Context, name string, params map[string]string, payload []byte) (mqtt.PublishOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{name, params, payload})
	if f.err != nil {
		return mqtt.PublishOutcome{}, f.err
	}
	return mqtt.PublishOutcome{Topic: Topics{}.Measured(params["streetlightId"]), QoS: 1}, nil
}

type fakeMetrics struct {
	ids    []string
	lumens []int
}

func (f *fakeMetrics) WriteLightMeasurement(id string, lumens int, _ time.Time) {
	f.ids = append(f.ids, id)
	f.lumens = append(f.lumens, lumens)
}

func message(topic, payload string) mqtt.Message {
	return mqtt.Message{Topic: topic, Payload: []byte(payload), QoS: 1}
}

func TestTurnOnAndOff(t *testing.T) {
	svc := NewService(NewRegistry())
	h := svc.Handlers()
	ctx := context.Background()
	var topics Topics

	require.NoError(t, h[BindingTurnOn](ctx, message(topics.TurnOn("7"), `{"command":"on"}`)))
	lamp, err := svc.Lamps().Get("7")
	require.NoError(t, err)
	assert.True(t, lamp.On)
	assert.Equal(t, 100, lamp.Percentage)

	require.NoError(t, h[BindingTurnOff](ctx, message(topics.TurnOff("7"), "")))
	lamp, err = svc.Lamps().Get("7")
	require.NoError(t, err)
	assert.False(t, lamp.On)
	assert.Equal(t, 100, lamp.Percentage, "brightness is remembered while off")
}

func TestDimLight(t *testing.T) {
	svc := NewService(NewRegistry())
	dim := svc.Handlers()[BindingDimLight]
	ctx := context.Background()
	topic := Topics{}.Dim("3")

	require.NoError(t, dim(ctx, message(topic, `{"id":"3","percentage":40}`)))
	lamp, err := svc.Lamps().Get("3")
	require.NoError(t, err)
	assert.True(t, lamp.On)
	assert.Equal(t, 40, lamp.Percentage)

	require.NoError(t, dim(ctx, message(topic, `{"percentage":0}`)))
	lamp, _ = svc.Lamps().Get("3") //nolint:errcheck // checked above
	assert.False(t, lamp.On)
}

func TestHandlerErrors(t *testing.T) {
	svc := NewService(NewRegistry())
	h := svc.Handlers()
	ctx := context.Background()
	var topics Topics

	tests := []struct {
		name    string
		handler mqtt.Handler
		msg     mqtt.Message
		want    error
	}{
		{"malformed json", h[BindingTurnOn], message(topics.TurnOn("1"), "{"), ErrInvalidPayload},
		{"id mismatch", h[BindingTurnOn], message(topics.TurnOn("1"), `{"id":"2"}`), ErrIDMismatch},
		{"dim without percentage", h[BindingDimLight], message(topics.Dim("1"), `{}`), ErrInvalidPayload},
		{"dim above range", h[BindingDimLight], message(topics.Dim("1"), `{"percentage":101}`), ErrInvalidPayload},
		{"dim below range", h[BindingDimLight], message(topics.Dim("1"), `{"percentage":-1}`), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.handler(ctx, tt.msg), tt.want)
		})
	}
	assert.Zero(t, svc.Lamps().Len(), "failed commands must not create lamps")
}

func TestCustomFilters(t *testing.T) {
	custom := Topics{Prefix: "city/north"}
	svc := NewService(NewRegistry(), WithFilters(InboundFilters(custom.DefaultBindings())))

	require.NoError(t, svc.Handlers()[BindingTurnOn](context.Background(), message(custom.TurnOn("9"), "")))
	_, err := svc.Lamps().Get("9")
	assert.NoError(t, err)
}

func TestReportMeasurement(t *testing.T) {
	pub := &fakePublisher{}
	metrics := &fakeMetrics{}
	sentAt := time.Date(2026, 10, 1, 21, 0, 0, 0, time.UTC)

	svc := NewService(NewRegistry(), WithMeasurementWriter(metrics))
	svc.now = func() time.Time { return sentAt }
	svc.SetPublisher(pub)

	outcome, err := svc.ReportMeasurement(context.Background(), "7", 120)
	require.NoError(t, err)
	assert.Equal(t, Topics{}.Measured("7"), outcome.Topic)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, BindingLightMeasurement, pub.sent[0].binding)
	assert.Equal(t, map[string]string{"streetlightId": "7"}, pub.sent[0].params)

	var m LightMeasured
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &m))
	assert.Equal(t, LightMeasured{ID: "7", Lumens: 120, SentAt: sentAt}, m)

	assert.Equal(t, []string{"7"}, metrics.ids)
	assert.Equal(t, []int{120}, metrics.lumens)

	lamp, err := svc.Lamps().Get("7")
	require.NoError(t, err)
	assert.Equal(t, 120, lamp.Lumens)
	assert.Equal(t, sentAt, lamp.MeasuredAt)
}

func TestReportMeasurementErrors(t *testing.T) {
	svc := NewService(NewRegistry())

	_, err := svc.ReportMeasurement(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = svc.ReportMeasurement(context.Background(), "1", -5)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = svc.ReportMeasurement(context.Background(), "1", 5)
	assert.ErrorIs(t, err, mqtt.ErrNotConnected, "no publisher yet")

	boom := errors.New("broker gone")
	svc.SetPublisher(&fakePublisher{err: boom})
	_, err = svc.ReportMeasurement(context.Background(), "2", 5)
	assert.ErrorIs(t, err, boom)

	// The reading is kept even though the publish failed.
	lamp, err := svc.Lamps().Get("2")
	require.NoError(t, err)
	assert.Equal(t, 5, lamp.Lumens)
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.SetPower("b", true)
	r.Dim("a", 30)
	r.RecordMeasurement("c", 10, time.Now())

	lamps := r.List()
	require.Len(t, lamps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{lamps[0].ID, lamps[1].ID, lamps[2].ID})

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownLamp)
}
