package output

import (
	"context"
	"errors"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// ErrSessionGone is returned by Inject when the session no longer exists
var ErrSessionGone = errors.New("agent session is gone")

// AgentSession is the capability that hosts an external worker.
// The orchestrator can start a worker, type into it and tear it down;
// it never gets a return value.
type AgentSession interface {
	// Acquire starts a fresh execution context for (stage, unitID). It must
	// carry no state from any earlier acquisition.
	Acquire(ctx context.Context, stage story.Stage, unitID string) (SessionHandle, error)

	// Inject sends free text to the worker. Fire-and-forget.
	Inject(ctx context.Context, handle SessionHandle, command string) error

	// Release tears the context down. Idempotent; safe on dead handles.
	Release(ctx context.Context, handle SessionHandle) error
}

// SessionHandle identifies one acquired execution context
type SessionHandle struct {
	ID         string // unique per acquisition
	Name       string // backend name, e.g. the tmux session name
	Stage      story.Stage
	UnitID     string
	AcquiredAt time.Time
}

// IsZero reports whether the handle was never issued
func (h SessionHandle) IsZero() bool {
	return h.ID == ""
}
