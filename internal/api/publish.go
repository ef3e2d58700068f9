package api

import (
	"encoding/json"
	"net/http"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// PublishRequest is the body of POST /api/v1/publish.
//
// Either Binding or Topic is set. With Binding, the outbound binding's
// QoS, async and retained settings apply and Params fill its topic
// placeholders. Payload may be any JSON value; a JSON string is sent as
// its raw contents.
type PublishRequest struct {
	Binding  string            `json:"binding,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Topic    string            `json:"topic,omitempty"`
	QoS      byte              `json:"qos"`
	Retained bool              `json:"retained"`
	Async    bool              `json:"async"`
	Payload  json.RawMessage   `json:"payload"`
}

// PublishResponse reports the outcome of a publish.
type PublishResponse struct {
	Topic        string  `json:"topic"`
	QoS          byte    `json:"qos"`
	Acknowledged bool    `json:"acknowledged"`
	LatencyMS    float64 `json:"latency_ms"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if (req.Binding == "") == (req.Topic == "") {
		writeBadRequest(w, "exactly one of binding or topic is required")
		return
	}

	payload := rawPayload(req.Payload)

	var (
		outcome mqtt.PublishOutcome
		err     error
	)
	if req.Binding != "" {
		outcome, err = s.runtime.PublishBinding(r.Context(), req.Binding, req.Params, payload)
	} else {
		outcome, err = s.runtime.Publish(r.Context(), mqtt.PublishRequest{
			Topic:    req.Topic,
			Payload:  payload,
			QoS:      req.QoS,
			Retained: req.Retained,
			Async:    req.Async,
		})
	}
	if err != nil {
		s.logger.Warn("API publish failed",
			"binding", req.Binding,
			"topic", req.Topic,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writePublishError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PublishResponse{
		Topic:        outcome.Topic,
		QoS:          outcome.QoS,
		Acknowledged: outcome.Acknowledged,
		LatencyMS:    float64(outcome.Latency.Microseconds()) / 1000,
	})
}

// rawPayload unwraps a JSON string; any other JSON value is sent as is.
func rawPayload(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return raw
}
