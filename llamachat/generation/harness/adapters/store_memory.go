package adapters

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// MemoryConversationStore keeps conversations in process memory. The map
// lock is only held to find a session; turns are guarded per session.
type MemoryConversationStore struct {
	mu        sync.RWMutex
	sessions  map[string]*memorySession
	retention ports.Retention
	now       func() time.Time
}

type memorySession struct {
	mu    sync.Mutex
	info  ports.SessionInfo
	turns []ports.Turn
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore(retention ports.Retention) *MemoryConversationStore {
	return &MemoryConversationStore{
		sessions:  make(map[string]*memorySession),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryConversationStore) get(id string) (*memorySession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MemoryConversationStore) getOrCreate(id, model string) *memorySession {
	if sess, ok := s.get(id); ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := s.now()
	sess := &memorySession{info: ports.SessionInfo{ID: id, Model: model, CreatedAt: now, UpdatedAt: now}}
	s.sessions[id] = sess
	return sess
}

// Ensure creates the session on first use and returns its metadata.
func (s *MemoryConversationStore) Ensure(ctx context.Context, sessionID, model string) (ports.SessionInfo, error) {
	sess := s.getOrCreate(sessionID, model)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.info.Model == "" {
		sess.info.Model = model
	}
	return sess.snapshot(), nil
}

// Append validates every role, then appends the turns in order.
func (s *MemoryConversationStore) Append(ctx context.Context, sessionID string, turns ...ports.Turn) error {
	if err := ports.ValidateTurns(turns...); err != nil {
		return err
	}

	sess := s.getOrCreate(sessionID, "")
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		sess.turns = append(sess.turns, t)
	}
	sess.turns = s.retention.Apply(sess.turns)
	sess.info.UpdatedAt = now
	return nil
}

// Window returns the last w turns; it never mutates the session.
func (s *MemoryConversationStore) Window(ctx context.Context, sessionID string, w int) ([]ports.Turn, error) {
	sess, ok := s.get(sessionID)
	if !ok {
		return []ports.Turn{}, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return ports.Suffix(sess.turns, w), nil
}

// Clear empties the session. Unknown sessions are a no-op.
func (s *MemoryConversationStore) Clear(ctx context.Context, sessionID string) error {
	sess, ok := s.get(sessionID)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = nil
	sess.info.UpdatedAt = s.now()
	return nil
}

// Export returns a copy of the full history.
func (s *MemoryConversationStore) Export(ctx context.Context, sessionID string) ([]ports.Turn, error) {
	sess, ok := s.get(sessionID)
	if !ok {
		return []ports.Turn{}, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]ports.Turn{}, sess.turns...), nil
}

// Replace swaps the session's history for turns, e.g. when loading a transcript.
func (s *MemoryConversationStore) Replace(ctx context.Context, sessionID string, turns []ports.Turn) error {
	if err := ports.ValidateTurns(turns...); err != nil {
		return err
	}
	sess := s.getOrCreate(sessionID, "")
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = s.retention.Apply(slices.Clone(turns))
	sess.info.UpdatedAt = s.now()
	return nil
}

// Sessions lists every known session, oldest first.
func (s *MemoryConversationStore) Sessions(ctx context.Context) ([]ports.SessionInfo, error) {
	s.mu.RLock()
	all := make([]*memorySession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	infos := make([]ports.SessionInfo, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		infos = append(infos, sess.snapshot())
		sess.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b ports.SessionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return infos, nil
}

func (sess *memorySession) snapshot() ports.SessionInfo {
	info := sess.info
	info.TurnCount = len(sess.turns)
	return info
}

// Ensure MemoryConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*MemoryConversationStore)(nil)
