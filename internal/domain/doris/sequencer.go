package doris

import "sync"

// Sequencer numbers DORIS requests per event. A response is applied only
// while its generation is still current; a newer request or an edit of the
// certificate makes it stale. Keys are kept only while a request is in
// flight.
type Sequencer struct {
	mu   sync.Mutex
	keys map[string]*sequence
}

type sequence struct {
	gen      uint64
	inFlight int
}

func NewSequencer() *Sequencer {
	return &Sequencer{keys: make(map[string]*sequence)}
}

// Begin starts a request for key and returns its generation. Every Begin
// must be paired with a Done.
func (s *Sequencer) Begin(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.keys[key]
	if !ok {
		seq = &sequence{}
		s.keys[key] = seq
	}
	seq.gen++
	seq.inFlight++
	return seq.gen
}

// Done ends a request started by Begin.
func (s *Sequencer) Done(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.keys[key]
	if !ok {
		return
	}
	seq.inFlight--
	if seq.inFlight <= 0 {
		delete(s.keys, key)
	}
}

// Invalidate makes every outstanding request for key stale.
func (s *Sequencer) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.keys[key]; ok {
		seq.gen++
	}
}

// Current reports whether gen is the latest generation of an in-flight
// request for key.
func (s *Sequencer) Current(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.keys[key]
	return ok && seq.gen == gen
}

// Len returns the number of keys with a request in flight.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
