package progress

import (
	"context"
	"sync"
)

// slot tracks the single in-flight request of one kind. Starting a request
// cancels the previous one; a completion applies only if its token is
// still the latest.
type slot struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func (s *slot) begin(parent context.Context) (context.Context, uint64, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	tok := s.seq
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, tok, cancel
}

func (s *slot) current(tok uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq == tok
}

// invalidate supersedes whatever is in flight without starting anything.
func (s *slot) invalidate() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.seq++
	s.mu.Unlock()
}
