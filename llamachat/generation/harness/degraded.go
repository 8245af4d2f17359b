package harness

import (
	"math/rand/v2"
	"slices"
	"sync"
)

// DefaultDegradedResponses is used when no model could be loaded and no
// responses were configured.
var DefaultDegradedResponses = []string{
	"Sorry, the model is still unavailable, so this is a placeholder reply. Please try again later.",
	"Thanks for your message! For technical reasons I can only offer placeholder replies right now.",
	"Hello! I received your message, but the model is temporarily unavailable. This is a demo reply.",
	"Sorry, loading the model ran into a problem. The interface itself is working, though!",
	"This is a simulated reply. A real model needs to be configured before I can answer properly.",
}

// Selector picks the next canned response.
type Selector interface {
	Next() string
}

// RandomSelector draws uniformly from a fixed set.
type RandomSelector struct {
	responses []string
	mu        sync.Mutex
	rng       *rand.Rand
}

// NewRandomSelector uses src for draws; a nil src seeds from the runtime.
func NewRandomSelector(responses []string, src rand.Source) *RandomSelector {
	if len(responses) == 0 {
		responses = DefaultDegradedResponses
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &RandomSelector{responses: slices.Clone(responses), rng: rand.New(src)}
}

func (s *RandomSelector) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[s.rng.IntN(len(s.responses))]
}

// SequenceSelector cycles through its responses in order.
type SequenceSelector struct {
	responses []string
	mu        sync.Mutex
	next      int
}

func NewSequenceSelector(responses ...string) *SequenceSelector {
	if len(responses) == 0 {
		responses = DefaultDegradedResponses
	}
	return &SequenceSelector{responses: slices.Clone(responses)}
}

func (s *SequenceSelector) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.responses[s.next]
	s.next = (s.next + 1) % len(s.responses)
	return r
}

// Responder answers in degraded mode.
type Responder struct {
	selector Selector
}

func NewResponder(selector Selector) *Responder {
	if selector == nil {
		selector = NewRandomSelector(nil, nil)
	}
	return &Responder{selector: selector}
}

// Pick returns one canned response. It has no side effects beyond the draw.
func (r *Responder) Pick() string {
	return r.selector.Next()
}
