package router

import (
	"errors"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// routedStream wraps a committed backend stream. It replays the first
// chunk (pulled by the router to commit the node), records the final
// outcome in the reliability tracker exactly once, and releases the
// scheduler permit on every terminal path.
type routedStream struct {
	inner   domain.StreamIterator
	first   *domain.Chunk
	nodeID  string
	started time.Time
	tracker domain.Tracker
	release func()

	mu   sync.Mutex
	done bool
}

// Next yields chunks in backend order. Failures after the first chunk
// are terminal: the outcome is recorded and no retry happens mid-stream.
func (s *routedStream) Next() (domain.Chunk, error) {
	s.mu.Lock()
	if s.first != nil {
		chunk := *s.first
		s.first = nil
		s.mu.Unlock()
		if chunk.Done {
			s.finish(nil)
		}
		return chunk, nil
	}
	s.mu.Unlock()

	chunk, err := s.inner.Next()
	if err != nil {
		s.finish(err)
		return domain.Chunk{}, err
	}
	if chunk.Done {
		s.finish(nil)
	}
	return chunk, nil
}

// Close releases the stream. A close before the terminal chunk counts
// as a successful (caller-abandoned) stream, not a node failure.
func (s *routedStream) Close() error {
	s.finish(nil)
	return s.inner.Close()
}

// finish records the outcome and frees resources exactly once.
func (s *routedStream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	latency := time.Since(s.started)
	switch {
	case err == nil || errors.Is(err, domain.ErrStreamClosed):
		s.tracker.RecordSuccess(s.nodeID, latency)
	default:
		ae := asAttemptError(s.nodeID, err)
		if ae.Kind != domain.FailCanceled {
			s.tracker.RecordFailure(s.nodeID, ae.Kind, latency)
		}
	}
	s.release()
}
