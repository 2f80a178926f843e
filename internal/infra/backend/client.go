// Package backend implements the HTTP+JSON client for one inference node.
// The client speaks the Ollama-style wire protocol: /api/tags, /api/ps,
// and /api/generate (unary or NDJSON streaming). It performs no routing
// and holds no state beyond its transports — classification of failures
// into domain.AttemptError kinds is its whole job beyond the wire.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// Config holds the client's timeouts.
type Config struct {
	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration
	// GenerateTimeout is the per-attempt read deadline for generate calls.
	// Large by default: single inferences on big CPU models take minutes.
	GenerateTimeout time.Duration
	// ProbeTimeout bounds the unary tags/ps calls.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		GenerateTimeout: 1800 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

// Client is the low-level backend client. Safe for concurrent use.
type Client struct {
	cfg Config

	// generate transport: connect timeout only, read bounded per-call.
	httpClient *http.Client
	// probe transport: short overall timeout.
	probeClient *http.Client

	// looksLikeOOM classifies response text; injected from the catalog
	// so the client stays free of pattern state.
	looksLikeOOM func(string) bool
}

// New creates a backend client. oomMatcher may be nil (no OOM detection).
func New(cfg Config, oomMatcher func(string) bool) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 1800 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if oomMatcher == nil {
		oomMatcher = func(string) bool { return false }
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		// Inference responses are already token streams; compressing
		// them buys nothing and breaks incremental reads.
		DisableCompression: true,
	}

	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Transport: transport},
		probeClient:  &http.Client{Transport: transport.Clone(), Timeout: cfg.ProbeTimeout},
		looksLikeOOM: oomMatcher,
	}
}

// ─── Wire Types ─────────────────────────────────────────────────────────────
// Decoded record types with the fields the router needs; unknown fields
// are ignored, required fields enforced.

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

type psResponse struct {
	Models []struct {
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		SizeVRAM  int64  `json:"size_vram"`
		ExpiresAt string `json:"expires_at"`
	} `json:"models"`
}

// ─── Probes ─────────────────────────────────────────────────────────────────

// Tags lists the models installed on the node.
func (c *Client) Tags(ctx context.Context, node *domain.Node) ([]domain.ModelInfo, error) {
	var decoded tagsResponse
	if err := c.getJSON(ctx, node, "/api/tags", &decoded); err != nil {
		return nil, err
	}
	models := make([]domain.ModelInfo, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		if m.Name == "" {
			return nil, &domain.AttemptError{
				NodeID: node.ID,
				Kind:   domain.FailMalformed,
				Err:    fmt.Errorf("tags entry missing name: %w", domain.ErrMalformedResponse),
			}
		}
		models = append(models, domain.ModelInfo{
			Name:       m.Name,
			SizeBytes:  m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

// Running lists the models loaded in the node's memory.
func (c *Client) Running(ctx context.Context, node *domain.Node) ([]domain.LoadedModel, error) {
	var decoded psResponse
	if err := c.getJSON(ctx, node, "/api/ps", &decoded); err != nil {
		return nil, err
	}
	loaded := make([]domain.LoadedModel, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		lm := domain.LoadedModel{
			Name:      m.Name,
			SizeBytes: m.Size,
			VRAMBytes: m.SizeVRAM,
		}
		if m.ExpiresAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, m.ExpiresAt); err == nil {
				lm.ExpiresAt = t
			}
		}
		loaded = append(loaded, lm)
	}
	return loaded, nil
}

func (c *Client) getJSON(ctx context.Context, node *domain.Node, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Address.URL()+path, nil)
	if err != nil {
		return c.classify(node, 0, err)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return c.classify(node, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.classifyStatus(node, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.AttemptError{
			NodeID: node.ID,
			Kind:   domain.FailMalformed,
			Err:    fmt.Errorf("decode %s: %w", path, err),
		}
	}
	return nil
}

// ─── Generate ───────────────────────────────────────────────────────────────

// Generate performs a unary generate call. The body must carry
// "stream": false; the response is a single JSON object.
func (c *Client) Generate(ctx context.Context, node *domain.Node, body []byte) (*domain.GenerateResponse, error) {
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()

	resp, err := c.postGenerate(attemptCtx, node, body)
	if err != nil {
		return nil, c.stamp(err, start)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.stamp(c.classify(node, 0, err), start)
	}

	var decoded domain.GenerateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &domain.AttemptError{
			NodeID:  node.ID,
			Kind:    domain.FailMalformed,
			Latency: time.Since(start),
			Err:     fmt.Errorf("decode generate response: %w", err),
		}
	}
	if c.looksLikeOOM(string(raw)) {
		return nil, &domain.AttemptError{
			NodeID:  node.ID,
			Kind:    domain.FailOOM,
			Latency: time.Since(start),
			Err:     errors.New("response body matches out-of-memory signature"),
		}
	}
	decoded.Raw = raw
	return &decoded, nil
}

// GenerateStream starts a streaming generate call. The body must carry
// "stream": true. The returned iterator owns the connection; Close it.
func (c *Client) GenerateStream(ctx context.Context, node *domain.Node, body []byte) (domain.StreamIterator, error) {
	start := time.Now()

	// The stream outlives this call, so the cancel is handed to the
	// iterator: inter-chunk deadline and Close both fire it.
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := c.postGenerate(streamCtx, node, body)
	if err != nil {
		cancel()
		return nil, c.stamp(err, start)
	}
	return newStream(node.ID, resp.Body, cancel, c.cfg.GenerateTimeout, c.looksLikeOOM), nil
}

func (c *Client) postGenerate(ctx context.Context, node *domain.Node, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address.URL()+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, c.classify(node, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(node, 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, c.classifyStatus(node, resp.StatusCode, raw)
	}
	return resp, nil
}

// ─── Failure Classification ─────────────────────────────────────────────────

func (c *Client) classify(node *domain.Node, status int, err error) error {
	kind := domain.FailUnreachable
	switch {
	case errors.Is(err, context.Canceled):
		kind = domain.FailCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.FailTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = domain.FailTimeout
		}
	}
	return &domain.AttemptError{NodeID: node.ID, Kind: kind, StatusCode: status, Err: err}
}

func (c *Client) classifyStatus(node *domain.Node, status int, body []byte) error {
	text := string(body)
	kind := domain.FailHTTPStatus
	switch {
	case status >= 500 && c.looksLikeOOM(text):
		kind = domain.FailOOM
	case status >= 400 && status < 500:
		kind = domain.FailBadRequest
	}
	err := fmt.Errorf("backend returned %d: %s", status, strings.TrimSpace(truncate(text, 256)))
	return &domain.AttemptError{NodeID: node.ID, Kind: kind, StatusCode: status, Err: err}
}

// stamp fills the latency on an AttemptError produced mid-call.
func (c *Client) stamp(err error, start time.Time) error {
	var ae *domain.AttemptError
	if errors.As(err, &ae) && ae.Latency == 0 {
		ae.Latency = time.Since(start)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
