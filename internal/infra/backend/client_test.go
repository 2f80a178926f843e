package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Backend Client Tests
// ═══════════════════════════════════════════════════════════════════════════

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(Config{
		ConnectTimeout:  2 * time.Second,
		GenerateTimeout: 5 * time.Second,
		ProbeTimeout:    2 * time.Second,
	}, oomMatcher)
}

func oomMatcher(text string) bool {
	return strings.Contains(strings.ToLower(text), "out of memory")
}

// nodeFor builds a domain.Node pointing at an httptest server.
func nodeFor(t *testing.T, srv *httptest.Server) *domain.Node {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	addr := domain.Address{Host: u.Hostname(), Port: port}
	return &domain.Node{ID: addr.String(), Address: addr, Healthy: true}
}

func kindOf(t *testing.T, err error) domain.FailureKind {
	t.Helper()
	var ae *domain.AttemptError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AttemptError, got %T: %v", err, err)
	}
	return ae.Kind
}

// ─── Tags / Running ─────────────────────────────────────────────────────────

func TestTagsDecodesModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b","size":4900000000,"digest":"abc"},{"name":"phi3","size":2400000000}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t)
	models, err := client.Tags(context.Background(), nodeFor(t, srv))
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Name != "llama3:8b" || models[0].SizeBytes != 4_900_000_000 {
		t.Errorf("unexpected first model: %+v", models[0])
	}
}

func TestTagsRejectsMissingName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"size":123}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t).Tags(context.Background(), nodeFor(t, srv))
	if kindOf(t, err) != domain.FailMalformed {
		t.Errorf("kind = %v, want malformed", kindOf(t, err))
	}
}

func TestRunningParsesVRAMAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b","size":4900000000,"size_vram":4900000000,"expires_at":"2026-08-01T12:00:00Z"}]}`)
	}))
	defer srv.Close()

	loaded, err := newTestClient(t).Running(context.Background(), nodeFor(t, srv))
	if err != nil {
		t.Fatalf("Running: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d loaded, want 1", len(loaded))
	}
	if loaded[0].VRAMBytes != 4_900_000_000 {
		t.Errorf("vram = %d", loaded[0].VRAMBytes)
	}
	if loaded[0].ExpiresAt.IsZero() {
		t.Error("expires_at not parsed")
	}
}

func TestUnreachableNodeClassified(t *testing.T) {
	client := newTestClient(t)
	node := &domain.Node{ID: "127.0.0.1:1", Address: domain.Address{Host: "127.0.0.1", Port: 1}}
	_, err := client.Tags(context.Background(), node)
	if kindOf(t, err) != domain.FailUnreachable {
		t.Errorf("kind = %v, want unreachable", kindOf(t, err))
	}
}

// ─── Unary Generate ─────────────────────────────────────────────────────────

func TestGenerateUnary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"phi3","response":"hello","done":true}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(t).Generate(context.Background(), nodeFor(t, srv), []byte(`{"model":"phi3","prompt":"hi","stream":false}`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Response != "hello" || !resp.Done {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Raw) == 0 {
		t.Error("raw bytes not preserved")
	}
}

func TestGenerateStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.FailureKind
	}{
		{"server error", 500, "internal error", domain.FailHTTPStatus},
		{"bad request", 400, "model field required", domain.FailBadRequest},
		{"not found", 404, "model missing", domain.FailBadRequest},
		{"oom 500", 500, "CUDA error: out of memory", domain.FailOOM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t).Generate(context.Background(), nodeFor(t, srv), []byte(`{}`))
			if got := kindOf(t, err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateOOMBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"llama runner process terminated: out of memory"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t).Generate(context.Background(), nodeFor(t, srv), []byte(`{}`))
	if kindOf(t, err) != domain.FailOOM {
		t.Errorf("kind = %v, want oom", kindOf(t, err))
	}
}

func TestGenerateCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newTestClient(t).Generate(ctx, nodeFor(t, srv), []byte(`{}`))
	if kindOf(t, err) != domain.FailCanceled {
		t.Errorf("kind = %v, want canceled", kindOf(t, err))
	}
}

// ─── Streaming Generate ─────────────────────────────────────────────────────

func streamServer(t *testing.T, lines []string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			if delay > 0 {
				time.Sleep(delay)
			}
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"a","done":false}`,
		`{"response":"b","done":false}`,
		`{"response":"c","done":true}`,
	}, 0)
	defer srv.Close()

	iter, err := newTestClient(t).GenerateStream(context.Background(), nodeFor(t, srv), []byte(`{}`))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer iter.Close()

	var got []string
	for {
		chunk, err := iter.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, chunk.Response)
		if chunk.Done {
			break
		}
	}
	if strings.Join(got, "") != "abc" {
		t.Errorf("chunks = %v, want a,b,c", got)
	}

	// The stream is finite: after the done marker it reports closure.
	if _, err := iter.Next(); !errors.Is(err, domain.ErrStreamClosed) {
		t.Errorf("post-done Next = %v, want ErrStreamClosed", err)
	}
}

func TestStreamMalformedLineFails(t *testing.T) {
	srv := streamServer(t, []string{
		`{"response":"ok","done":false}`,
		`this is not json`,
	}, 0)
	defer srv.Close()

	iter, err := newTestClient(t).GenerateStream(context.Background(), nodeFor(t, srv), []byte(`{}`))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer iter.Close()

	if _, err := iter.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	_, err = iter.Next()
	if kindOf(t, err) != domain.FailMalformed {
		t.Errorf("kind = %v, want malformed", kindOf(t, err))
	}

	// Terminal: the same error repeats on every pull.
	_, err2 := iter.Next()
	if !errors.Is(err2, err) && err2.Error() != err.Error() {
		t.Errorf("iterator not sticky: %v vs %v", err, err2)
	}
}

func TestStreamInterChunkTimeout(t *testing.T) {
	client := New(Config{
		ConnectTimeout:  time.Second,
		GenerateTimeout: 150 * time.Millisecond, // inter-chunk deadline
		ProbeTimeout:    time.Second,
	}, nil)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"a","done":false}`)
		flusher.Flush()
		<-release // never send another chunk
	}))
	defer srv.Close()
	defer close(release)

	iter, err := client.GenerateStream(context.Background(), nodeFor(t, srv), []byte(`{}`))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	defer iter.Close()

	if _, err := iter.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	_, err = iter.Next()
	if kindOf(t, err) != domain.FailTimeout {
		t.Errorf("kind = %v, want timeout", kindOf(t, err))
	}
}

func TestStreamCancellationClosesConnection(t *testing.T) {
	srv := streamServer(t, []string{`{"response":"a","done":false}`}, 0)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	iter, err := newTestClient(t).GenerateStream(ctx, nodeFor(t, srv), []byte(`{}`))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if _, err := iter.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	cancel()
	iter.Close()

	if _, err := iter.Next(); err == nil {
		t.Error("expected terminal error after Close")
	}
}
