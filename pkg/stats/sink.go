package stats

import (
	"sync"

	"github.com/screa/bitrecover/pkg/types"
)

// ResultSink receives matches. OnMatch is called once per match, directly
// from the worker goroutine that found it, and may be called concurrently
// by different workers. A slow implementation slows that worker's search;
// wrap it in an AsyncResultSink to decouple the two.
type ResultSink interface {
	OnMatch(m types.MatchResult)
}

// StatusSink receives periodic snapshots. For a given device, KeysProcessed
// never decreases between calls. Calls for different devices interleave.
type StatusSink interface {
	OnStatus(s types.StatsSnapshot)
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(m types.MatchResult)

func (f ResultSinkFunc) OnMatch(m types.MatchResult) { f(m) }

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(s types.StatsSnapshot)

func (f StatusSinkFunc) OnStatus(s types.StatsSnapshot) { f(s) }

// Discard ignores everything.
var Discard discard

type discard struct{}

func (discard) OnMatch(types.MatchResult)    {}
func (discard) OnStatus(types.StatsSnapshot) {}

// MultiResultSink delivers each match to every sink in order.
func MultiResultSink(sinks ...ResultSink) ResultSink {
	return multiResult(sinks)
}

type multiResult []ResultSink

func (m multiResult) OnMatch(r types.MatchResult) {
	for _, s := range m {
		s.OnMatch(r)
	}
}

// AsyncResultSink forwards matches to another sink from its own goroutine.
// OnMatch only blocks when the buffer is full; matches are never dropped.
type AsyncResultSink struct {
	next ResultSink
	ch   chan types.MatchResult
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewAsyncResultSink starts the forwarding goroutine.
func NewAsyncResultSink(next ResultSink, buffer int) *AsyncResultSink {
	s := &AsyncResultSink{
		next: next,
		ch:   make(chan types.MatchResult, max(buffer, 0)),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for m := range s.ch {
			s.next.OnMatch(m)
		}
	}()
	return s
}

// OnMatch queues m. After Close it delivers synchronously.
func (s *AsyncResultSink) OnMatch(m types.MatchResult) {
	s.mu.RLock()
	if !s.closed {
		s.ch <- m
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()
	s.next.OnMatch(m)
}

// Close drains queued matches and stops the goroutine. It is safe to call twice.
func (s *AsyncResultSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
