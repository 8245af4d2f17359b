package harnessports

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRole is returned when a turn carries a role other than user or assistant.
var ErrInvalidRole = errors.New("invalid role")

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a conversation may hold.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn represents one role-tagged message. Turns are never mutated once stored.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp,omitzero"`
	Error     bool      `json:"error,omitempty"` // content was synthesized from a failed completion
}

// ValidateTurns checks every role before anything is written.
func ValidateTurns(turns ...Turn) error {
	for i, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w %q at position %d", ErrInvalidRole, t.Role, i)
		}
	}
	return nil
}

// SessionInfo describes a conversation's owner-facing metadata.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// ConversationStore keeps ordered turns per session.
//
// Append writes all given turns atomically, in order. Window returns the last w
// turns (fewer if the history is shorter) without mutating anything. Clear is
// idempotent. Export never truncates.
type ConversationStore interface {
	Ensure(ctx context.Context, sessionID, model string) (SessionInfo, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Window(ctx context.Context, sessionID string, w int) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Export(ctx context.Context, sessionID string) ([]Turn, error)
	Replace(ctx context.Context, sessionID string, turns []Turn) error
	Sessions(ctx context.Context) ([]SessionInfo, error)
}

// Retention controls what a store keeps after an append.
type Retention struct {
	Window     int  // history window in turns
	RetainFull bool // false truncates the stored history to Window after each append
}

// Apply returns the turns a store should keep under r.
func (r Retention) Apply(turns []Turn) []Turn {
	if r.RetainFull || r.Window < 0 || len(turns) <= r.Window {
		return turns
	}
	return turns[len(turns)-r.Window:]
}

// Suffix returns the last w turns as a fresh slice.
func Suffix(turns []Turn, w int) []Turn {
	if w <= 0 || len(turns) == 0 {
		return []Turn{}
	}
	if w > len(turns) {
		w = len(turns)
	}
	out := make([]Turn, w)
	copy(out, turns[len(turns)-w:])
	return out
}
