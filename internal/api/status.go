package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
	"github.com/smartylighting/lightbus/internal/journal"
)

// BindingStatus describes one configured binding.
type BindingStatus struct {
	Name       string `json:"name"`
	Topic      string `json:"topic"`
	Direction  string `json:"direction"`
	QoS        byte   `json:"qos"`
	Async      bool   `json:"async,omitempty"`
	Subscribed *bool  `json:"subscribed,omitempty"`
	GrantedQoS *byte  `json:"granted_qos,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Site          string          `json:"site,omitempty"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	MQTT          mqtt.Stats      `json:"mqtt"`
	Bindings      []BindingStatus `json:"bindings"`
	WebSocket     int             `json:"websocket_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	results := make(map[string]mqtt.SubscribeResult)
	for _, r := range s.runtime.SubscribeResults() {
		results[r.Binding] = r
	}

	var bindings []BindingStatus
	if set := s.runtime.Bindings(); set != nil {
		for _, b := range set.All() {
			bs := BindingStatus{
				Name:      b.Name,
				Topic:     b.Filter,
				Direction: b.Direction.String(),
				QoS:       b.QoS,
				Async:     b.Async,
			}
			if r, ok := results[b.Name]; ok {
				ok := r.OK()
				bs.Subscribed = &ok
				if ok {
					granted := r.GrantedQoS
					bs.GrantedQoS = &granted
				} else {
					bs.Error = r.Err.Error()
				}
			}
			bindings = append(bindings, bs)
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Site:          s.site,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		MQTT:          s.runtime.Stats(),
		Bindings:      bindings,
		WebSocket:     s.hub.ClientCount(),
	})
}

// handleListEvents serves the journal. Query parameters: kind, since
// (RFC 3339), limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "event journal is not enabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{Kind: journal.Kind(q.Get("kind"))}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeBadRequest(w, "unknown event kind: "+q.Get("kind"))
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListLamps(w http.ResponseWriter, _ *http.Request) {
	if s.lamps == nil {
		writeUnavailable(w, "street-light service is not enabled")
		return
	}
	lamps := s.lamps.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"lamps": lamps,
		"count": len(lamps),
	})
}

func (s *Server) handleGetLamp(w http.ResponseWriter, r *http.Request) {
	if s.lamps == nil {
		writeUnavailable(w, "street-light service is not enabled")
		return
	}
	lamp, err := s.lamps.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "lamp not found")
		return
	}
	writeJSON(w, http.StatusOK, lamp)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
