package streetlight

import (
	"sort"
	"sync"
	"time"
)

// Lamp is the last known state of one street light.
type Lamp struct {
	ID         string    `json:"id"`
	On         bool      `json:"on"`
	Percentage int       `json:"percentage"`
	Lumens     int       `json:"lumens"`
	UpdatedAt  time.Time `json:"updated_at"`
	// MeasuredAt is zero until a measurement has been reported.
	MeasuredAt time.Time `json:"measured_at,omitempty"`
}

// Registry holds lamps in memory. Lamps are created on first mention.
type Registry struct {
	mu    sync.RWMutex
	lamps map[string]*Lamp
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		lamps: make(map[string]*Lamp),
		now:   time.Now,
	}
}

// Get returns a copy of the lamp.
func (r *Registry) Get(id string) (Lamp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.lamps[id]
	if !ok {
		return Lamp{}, ErrUnknownLamp
	}
	return *l, nil
}

// List returns every lamp sorted by ID.
func (r *Registry) List() []Lamp {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Lamp, 0, len(r.lamps))
	for _, l := range r.lamps {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known lamps.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lamps)
}

// update applies fn to the lamp, creating it first if needed, and returns
// the resulting state.
func (r *Registry) update(id string, fn func(*Lamp)) Lamp {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lamps[id]
	if !ok {
		l = &Lamp{ID: id}
		r.lamps[id] = l
	}
	fn(l)
	l.UpdatedAt = r.now()
	return *l
}

// SetPower switches a lamp on or off. Turning on an undimmed lamp sets it
// to full brightness.
func (r *Registry) SetPower(id string, on bool) Lamp {
	return r.update(id, func(l *Lamp) {
		l.On = on
		if on && l.Percentage == 0 {
			l.Percentage = 100
		}
	})
}

// Dim sets the brightness. Zero turns the lamp off; anything else turns it on.
func (r *Registry) Dim(id string, percentage int) Lamp {
	return r.update(id, func(l *Lamp) {
		l.Percentage = percentage
		l.On = percentage > 0
	})
}

// RecordMeasurement stores the latest lumens reading.
func (r *Registry) RecordMeasurement(id string, lumens int, at time.Time) Lamp {
	return r.update(id, func(l *Lamp) {
		l.Lumens = lumens
		l.MeasuredAt = at
	})
}
