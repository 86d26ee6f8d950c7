package notify

import (
	"strings"
	"sync"
)

// Stub is an in-memory Delivery used by tests and the CLI. Handles are
// registered explicitly; everything else is undeliverable, which
// exercises the invitation fallback.
type Stub struct {
	mu      sync.Mutex
	handles map[string]string
	sent    map[string][]string

	Unreachable map[string]bool
}

func NewStub() *Stub {
	return &Stub{
		handles:     map[string]string{},
		sent:        map[string][]string{},
		Unreachable: map[string]bool{},
	}
}

// Register maps a handle to a party id.
func (s *Stub) Register(handle, partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[normalize(handle)] = partyID
}

func (s *Stub) Resolve(handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[normalize(handle)]
	if !ok || s.Unreachable[id] {
		return "", ErrUndeliverable
	}
	return id, nil
}

func (s *Stub) Send(partyID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unreachable[partyID] {
		return ErrUndeliverable
	}
	s.sent[partyID] = append(s.sent[partyID], text)
	return nil
}

// Sent returns the messages delivered to a party so far.
func (s *Stub) Sent(partyID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[partyID]...)
}

func normalize(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
