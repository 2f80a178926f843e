package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// maxChunkLine bounds a single NDJSON line. Generate chunks are small;
// anything past this is not a chunk.
const maxChunkLine = 1 << 20

// stream is the lazy, finite, non-restartable iterator over a generate
// stream. A reader goroutine decodes NDJSON lines into a channel; Next
// applies the inter-chunk deadline. After any error the iterator is
// permanently failed and Next keeps returning the same error.
type stream struct {
	nodeID string
	body   io.ReadCloser
	cancel context.CancelFunc

	chunkTimeout time.Duration
	looksLikeOOM func(string) bool

	chunks chan chunkOrErr

	// done unblocks the reader goroutine when the consumer goes away.
	done     chan struct{}
	doneOnce sync.Once

	mu       sync.Mutex
	terminal error // sticky; set on first failure or clean end
	closed   bool
}

type chunkOrErr struct {
	chunk domain.Chunk
	err   error
}

func newStream(nodeID string, body io.ReadCloser, cancel context.CancelFunc, chunkTimeout time.Duration, oomMatcher func(string) bool) *stream {
	s := &stream{
		nodeID:       nodeID,
		body:         body,
		cancel:       cancel,
		chunkTimeout: chunkTimeout,
		looksLikeOOM: oomMatcher,
		chunks:       make(chan chunkOrErr, 1),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// send delivers to the consumer unless it has abandoned the stream.
func (s *stream) send(item chunkOrErr) bool {
	select {
	case s.chunks <- item:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// readLoop decodes lines until done=true, EOF, or an I/O error.
func (s *stream) readLoop() {
	defer close(s.chunks)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), maxChunkLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk domain.Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.send(chunkOrErr{err: &domain.AttemptError{
				NodeID: s.nodeID,
				Kind:   domain.FailMalformed,
				Err:    fmt.Errorf("non-JSON stream line: %w", domain.ErrMalformedResponse),
			}})
			return
		}
		if s.looksLikeOOM != nil && s.looksLikeOOM(string(line)) {
			s.send(chunkOrErr{err: &domain.AttemptError{
				NodeID: s.nodeID,
				Kind:   domain.FailOOM,
				Err:    errors.New("stream chunk matches out-of-memory signature"),
			}})
			return
		}

		chunk.Raw = append(json.RawMessage(nil), line...)
		if !s.send(chunkOrErr{chunk: chunk}) {
			return
		}
		if chunk.Done {
			return // terminal marker: the stream is finite
		}
	}

	err := scanner.Err()
	if err == nil {
		// Clean close without a done marker still terminates the stream.
		return
	}
	kind := domain.FailUnreachable
	switch {
	case errors.Is(err, context.Canceled):
		kind = domain.FailCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.FailTimeout
	}
	s.send(chunkOrErr{err: &domain.AttemptError{NodeID: s.nodeID, Kind: kind, Err: err}})
}

// Next blocks for the next chunk, bounded by the inter-chunk deadline.
func (s *stream) Next() (domain.Chunk, error) {
	s.mu.Lock()
	if s.terminal != nil {
		err := s.terminal
		s.mu.Unlock()
		return domain.Chunk{}, err
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.chunkTimeout)
	defer timer.Stop()

	select {
	case item, ok := <-s.chunks:
		if !ok {
			return domain.Chunk{}, s.fail(domain.ErrStreamClosed)
		}
		if item.err != nil {
			return domain.Chunk{}, s.fail(item.err)
		}
		if item.chunk.Done {
			// Deliver the final chunk; the next pull reports closure.
			s.mu.Lock()
			s.terminal = domain.ErrStreamClosed
			s.mu.Unlock()
		}
		return item.chunk, nil
	case <-timer.C:
		// Idle past the inter-chunk deadline: kill the connection so the
		// reader goroutine unblocks, then surface a timeout.
		s.finish()
		s.cancel()
		s.body.Close()
		return domain.Chunk{}, s.fail(&domain.AttemptError{
			NodeID: s.nodeID,
			Kind:   domain.FailTimeout,
			Err:    fmt.Errorf("no chunk within %s: %w", s.chunkTimeout, domain.ErrTimeout),
		})
	}
}

func (s *stream) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		s.terminal = err
	}
	return s.terminal
}

// Close cancels the request and releases the connection. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.terminal == nil {
		s.terminal = domain.ErrStreamClosed
	}
	s.mu.Unlock()

	s.finish()
	s.cancel()
	return s.body.Close()
}
