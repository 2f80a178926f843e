package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetllm/fleet/internal/domain"
)

// Routing extensions recognized on top of the backend generate body.
// They are stripped before the payload is proxied.
var routingKeys = []string{
	"mode", "priority", "task_kind", "pin_node_id",
	"min_free_vram_bytes", "min_success_rate", "prefer_cpu",
	"prefer_local", "timeout_ms",
}

// generateEnvelope decodes the routing extensions.
type generateEnvelope struct {
	Model            string  `json:"model"`
	Stream           *bool   `json:"stream"`
	Mode             string  `json:"mode"`
	Priority         *int    `json:"priority"`
	TaskKind         string  `json:"task_kind"`
	PinNodeID        string  `json:"pin_node_id"`
	MinFreeVRAMBytes int64   `json:"min_free_vram_bytes"`
	MinSuccessRate   float64 `json:"min_success_rate"`
	PreferCPU        bool    `json:"prefer_cpu"`
	PreferLocal      bool    `json:"prefer_local"`
	TimeoutMS        int64   `json:"timeout_ms"`
}

// --- POST /api/generate ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	var env generateEnvelope
	envBytes, _ := json.Marshal(raw)
	if err := json.Unmarshal(envBytes, &env); err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}
	if env.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing model"), nil)
		return
	}

	req, err := s.buildRequest(raw, env)
	if err != nil {
		writeError(w, http.StatusBadRequest, err, nil)
		return
	}

	if req.Streaming {
		s.streamGenerate(w, r, req)
		return
	}
	s.unaryGenerate(w, r, req)
}

// buildRequest converts the envelope into a domain request; the payload
// keeps every backend field and drops the routing extensions.
func (s *Server) buildRequest(raw map[string]json.RawMessage, env generateEnvelope) (*domain.Request, error) {
	mode := s.svc.DefaultMode()
	if env.Mode != "" {
		parsed, err := domain.ParseRoutingMode(env.Mode)
		if err != nil {
			return nil, err
		}
		mode = parsed
	}

	priority := domain.PriorityDefault
	if env.Priority != nil {
		priority = domain.ClampPriority(*env.Priority)
	}

	for _, k := range routingKeys {
		delete(raw, k)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	return &domain.Request{
		Model:     env.Model,
		TaskKind:  env.TaskKind,
		Payload:   payload,
		Streaming: env.Stream == nil || *env.Stream,
		Priority:  priority,
		Mode:      mode,
		Timeout:   parseDurationMS(env.TimeoutMS),
		Constraints: domain.Constraints{
			MinFreeVRAMBytes: env.MinFreeVRAMBytes,
			PinNodeID:        env.PinNodeID,
			MinSuccessRate:   env.MinSuccessRate,
			PreferCPU:        env.PreferCPU,
			PreferLocal:      env.PreferLocal,
		},
	}, nil
}

func (s *Server) unaryGenerate(w http.ResponseWriter, r *http.Request, req *domain.Request) {
	resp, decision, err := s.svc.Generate(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err, &decision)
		return
	}

	decisionHeaders(w, decision)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Raw)
}

func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, req *domain.Request) {
	iter, decision, err := s.svc.GenerateStream(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err, &decision)
		return
	}
	defer iter.Close()

	decisionHeaders(w, decision)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		chunk, err := iter.Next()
		if err != nil {
			// Headers are gone; mid-stream failures can only end the body.
			return
		}
		w.Write(chunk.Raw)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Done {
			return
		}
	}
}
