package session

import (
	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
)

// Options selects and configures an AgentSession backend
type Options struct {
	DryRun        bool
	Tmux          TmuxConfig
	MinDraftBytes int
}

// New returns the dry-run session or the tmux session
func New(opts Options, store *artifact.Store, logger app.Logger) output.AgentSession {
	if opts.DryRun {
		return NewDryRunSession(store, opts.MinDraftBytes, logger)
	}
	return NewTmuxSession(opts.Tmux, ExecRunner{}, logger)
}
