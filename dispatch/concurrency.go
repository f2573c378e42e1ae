package dispatch

// slots limits concurrent capture jobs. A non-positive limit means unlimited.
type slots struct {
	ch chan struct{}
}

func newSlots(limit int) *slots {
	if limit <= 0 {
		return &slots{}
	}
	return &slots{ch: make(chan struct{}, limit)}
}

// tryAcquire takes a slot without blocking.
func (s *slots) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *slots) release() {
	if s.ch == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// inUse returns the number of held slots.
func (s *slots) inUse() int { return len(s.ch) }

// limit returns the configured maximum, 0 when unlimited.
func (s *slots) limit() int { return cap(s.ch) }
