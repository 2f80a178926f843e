// Package domain — request and routing-decision types.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RoutingMode selects the discipline used to rank candidate nodes.
type RoutingMode int

const (
	// ModeFast ranks performance-first: load, hardware, free memory.
	ModeFast RoutingMode = iota
	// ModeReliable ranks stability-first: success rate, latency variance.
	ModeReliable
	// ModeAsync ranks resource-efficiency-first: CPU nodes, lowest load.
	ModeAsync
)

// String returns the config-file spelling of the mode.
func (m RoutingMode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeReliable:
		return "reliable"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseRoutingMode parses a mode name, case-insensitive.
func ParseRoutingMode(s string) (RoutingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "":
		return ModeFast, nil
	case "reliable":
		return ModeReliable, nil
	case "async":
		return ModeAsync, nil
	default:
		return ModeFast, fmt.Errorf("unknown routing mode %q", s)
	}
}

// MarshalJSON encodes the mode as its string form.
func (m RoutingMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a string-form mode.
func (m *RoutingMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRoutingMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Priority bounds for requests. Higher dequeues first.
const (
	PriorityMin     = 0
	PriorityMax     = 10
	PriorityDefault = 5
)

// ClampPriority forces a priority into [PriorityMin, PriorityMax].
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Constraints narrow candidate selection for a single request.
type Constraints struct {
	MinFreeVRAMBytes int64   `json:"min_free_vram_bytes,omitempty"`
	PinNodeID        string  `json:"pin_node_id,omitempty"`
	PreferLocal      bool    `json:"prefer_local,omitempty"`
	MinSuccessRate   float64 `json:"min_success_rate,omitempty"`
	PreferCPU        bool    `json:"prefer_cpu,omitempty"`
}

// Request is one generate call flowing through the router.
// Payload is passed to the backend untouched apart from the model and
// stream fields the router controls.
type Request struct {
	ID        string          `json:"id"`
	Model     string          `json:"model"`
	TaskKind  string          `json:"task_kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Streaming bool            `json:"streaming"`
	Priority  int             `json:"priority"`
	Mode      RoutingMode     `json:"routing_mode"`

	Constraints Constraints `json:"constraints,omitempty"`

	// Timeout overrides the per-attempt generate timeout when positive.
	Timeout time.Duration `json:"-"`
}

// Attempt records one candidate try inside a request.
type Attempt struct {
	NodeID  string        `json:"node_id"`
	Outcome string        `json:"outcome"` // "ok" or a FailureKind
	Latency time.Duration `json:"at_latency,omitempty"`
}

// RouteDecision explains how a request was (or failed to be) placed.
// It accompanies every response and every router error.
type RouteDecision struct {
	SelectedNodeID  string      `json:"selected_node_id,omitempty"`
	Mode            RoutingMode `json:"mode"`
	Reason          string      `json:"reason,omitempty"`
	CandidatesTried []Attempt   `json:"candidates_tried,omitempty"`
	ModelUsed       string      `json:"model_used,omitempty"`
	FallbackApplied bool        `json:"fallback_applied,omitempty"`
}

// Chunk is one decoded object from a generate stream.
// Raw preserves the backend's exact bytes so proxies forward verbatim.
type Chunk struct {
	Raw      json.RawMessage `json:"-"`
	Model    string          `json:"model,omitempty"`
	Response string          `json:"response"`
	Done     bool            `json:"done"`
}

// GenerateResponse is the decoded unary generate result.
type GenerateResponse struct {
	Raw      json.RawMessage `json:"-"`
	Model    string          `json:"model,omitempty"`
	Response string          `json:"response"`
	Done     bool            `json:"done"`
}
