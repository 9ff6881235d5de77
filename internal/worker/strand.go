package worker

import "sync"

// Strand binds one resource to a single Loop. Every task pushed through it
// runs on that loop in FIFO order. Once finalized it rejects all tasks.
type Strand struct {
	loop *Loop
	name string

	mu        sync.Mutex
	finalized bool
	owned     map[uint64]struct{}
}

// NewStrand returns a strand serializing work for name on loop.
func NewStrand(loop *Loop, name string) *Strand {
	return &Strand{
		loop:  loop,
		name:  name,
		owned: make(map[uint64]struct{}),
	}
}

// Loop returns the loop this strand is bound to.
func (s *Strand) Loop() *Loop { return s.loop }

// Name returns the resource name given at construction.
func (s *Strand) Name() string { return s.name }

// Finalized reports whether PushFinalTask or DoFinalSync has been called.
func (s *Strand) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// PushTask queues a one-shot task on the bound loop.
func (s *Strand) PushTask(fn Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return false
	}
	return s.loop.PushTask(fn)
}

// PushPermanentTask registers a recurring task owned by this strand. It is
// deregistered automatically when the strand is finalized.
func (s *Strand) PushPermanentTask(fn Task) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return 0, false
	}
	id, ok := s.loop.PushPermanentTask(fn)
	if ok {
		s.owned[id] = struct{}{}
	}
	return id, ok
}

// RemovePermanentTask deregisters a permanent task owned by this strand.
func (s *Strand) RemovePermanentTask(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owned[id]; !ok {
		return false
	}
	delete(s.owned, id)
	return s.loop.RemovePermanentTask(id)
}

// PushFinalTask finalizes the strand, deregisters its permanent tasks and
// queues fn as the last task it will ever run. A second call is a no-op
// and returns false.
func (s *Strand) PushFinalTask(fn Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return false
	}
	s.finalizeLocked()
	if fn == nil {
		return true
	}
	return s.loop.PushTask(fn)
}

// DoFinalSync finalizes the strand like PushFinalTask but runs fn on the
// calling goroutine. Use it only where the caller already has exclusive
// access to the resource.
func (s *Strand) DoFinalSync(fn Task) bool {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return false
	}
	s.finalizeLocked()
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (s *Strand) finalizeLocked() {
	s.finalized = true
	for id := range s.owned {
		s.loop.RemovePermanentTask(id)
	}
	s.owned = nil
}
