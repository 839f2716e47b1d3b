package sync

import (
	stdsync "sync"
	"time"
)

// suppressor holds back per-message notifications while a sync runs. A
// watchdog lifts suppression if a sync never reports completion.
type suppressor struct {
	watchdog time.Duration

	mu    stdsync.Mutex
	depth int
	timer *time.Timer
	// gen identifies the armed watchdog; a fired callback from an older
	// arming sees a different value and does nothing.
	gen uint64
}

func (s *suppressor) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth++
	s.disarm()
	gen := s.gen
	s.timer = time.AfterFunc(s.watchdog, func() { s.expire(gen) })
}

func (s *suppressor) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return
	}
	s.depth--
	if s.depth == 0 {
		s.disarm()
	}
}

func (s *suppressor) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.depth = 0
	s.disarm()
}

func (s *suppressor) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth = 0
	s.disarm()
}

// disarm stops any armed watchdog. Callers hold mu.
func (s *suppressor) disarm() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *suppressor) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth > 0
}
