package streetlight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

const maxPercentage = 100

// Publisher sends a message on a named outbound binding. *mqtt.Runtime
// implements it.
type Publisher interface {
	PublishBinding(ctx context.Context, name string, params map[string]string, payload []byte) (mqtt.PublishOutcome, error)
}

// MeasurementWriter stores light measurements. *influxdb.Client implements it.
type MeasurementWriter interface {
	WriteLightMeasurement(streetlightID string, lumens int, sentAt time.Time)
}

// Service handles street-light commands and reports measurements.
type Service struct {
	lamps     *Registry
	publisher Publisher
	metrics   MeasurementWriter
	logger    mqtt.Logger
	filters   map[string]string
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMeasurementWriter records every reported measurement. Optional.
func WithMeasurementWriter(w MeasurementWriter) Option {
	return func(s *Service) { s.metrics = w }
}

// WithLogger sets the service logger.
func WithLogger(l mqtt.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFilters tells the handlers which filter each inbound binding uses,
// so the lamp ID can be read from the right topic level. Without it the
// default topic layout is assumed.
func WithFilters(filters map[string]string) Option {
	return func(s *Service) {
		for name, f := range filters {
			s.filters[name] = f
		}
	}
}

// NewService creates the service. The publisher may be set later with
// SetPublisher, since the runtime needs the handlers before it exists.
func NewService(lamps *Registry, opts ...Option) *Service {
	var t Topics
	s := &Service{
		lamps:  lamps,
		logger: nopLogger{},
		filters: map[string]string{
			BindingTurnOn:   t.TurnOn("+"),
			BindingTurnOff:  t.TurnOff("+"),
			BindingDimLight: t.Dim("+"),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher sets the outbound side. Call it before the runtime starts.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Lamps returns the registry.
func (s *Service) Lamps() *Registry {
	return s.lamps
}

// Handlers returns the inbound handlers keyed by binding name.
func (s *Service) Handlers() map[string]mqtt.Handler {
	return map[string]mqtt.Handler{
		BindingTurnOn:   s.handlePower(BindingTurnOn, true),
		BindingTurnOff:  s.handlePower(BindingTurnOff, false),
		BindingDimLight: s.handleDim,
	}
}

func (s *Service) handlePower(binding string, on bool) mqtt.Handler {
	return func(_ context.Context, msg mqtt.Message) error {
		var cmd Command
		if err := decode(msg.Payload, &cmd); err != nil {
			return err
		}
		id, err := resolveID(IDFromTopic(s.filters[binding], msg.Topic), cmd.ID)
		if err != nil {
			return err
		}

		lamp := s.lamps.SetPower(id, on)
		s.logger.Info("streetlight switched", "id", id, "on", lamp.On, "percentage", lamp.Percentage)
		return nil
	}
}

func (s *Service) handleDim(_ context.Context, msg mqtt.Message) error {
	var cmd DimCommand
	if err := decode(msg.Payload, &cmd); err != nil {
		return err
	}
	if cmd.Percentage == nil {
		return fmt.Errorf("%w: percentage is required", ErrInvalidPayload)
	}
	if p := *cmd.Percentage; p < 0 || p > maxPercentage {
		return fmt.Errorf("%w: percentage %d out of range 0-100", ErrInvalidPayload, p)
	}
	id, err := resolveID(IDFromTopic(s.filters[BindingDimLight], msg.Topic), cmd.ID)
	if err != nil {
		return err
	}

	lamp := s.lamps.Dim(id, *cmd.Percentage)
	s.logger.Info("streetlight dimmed", "id", id, "percentage", lamp.Percentage)
	return nil
}

// ReportMeasurement publishes a lumens reading for one lamp on the
// receiveLightMeasurement binding and records it locally.
//
// The registry and InfluxDB are updated even when the publish fails, so
// the reading is not lost; the publish error is still returned.
func (s *Service) ReportMeasurement(ctx context.Context, id string, lumens int) (mqtt.PublishOutcome, error) {
	if id == "" {
		return mqtt.PublishOutcome{}, fmt.Errorf("%w: no streetlight id", ErrInvalidPayload)
	}
	if lumens < 0 {
		return mqtt.PublishOutcome{}, fmt.Errorf("%w: lumens must not be negative", ErrInvalidPayload)
	}

	m := LightMeasured{ID: id, Lumens: lumens, SentAt: s.now().UTC()}
	s.lamps.RecordMeasurement(id, lumens, m.SentAt)
	if s.metrics != nil {
		s.metrics.WriteLightMeasurement(id, lumens, m.SentAt)
	}

	if s.publisher == nil {
		return mqtt.PublishOutcome{}, mqtt.ErrNotConnected
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return mqtt.PublishOutcome{}, fmt.Errorf("encoding measurement: %w", err)
	}

	outcome, err := s.publisher.PublishBinding(ctx, BindingLightMeasurement,
		map[string]string{"streetlightId": id}, payload)
	if err != nil {
		s.logger.Warn("measurement publish failed", "id", id, "error", err)
		return outcome, err
	}
	return outcome, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
