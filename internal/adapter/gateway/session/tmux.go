package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// SessionPrefix starts every tmux session name the orchestrator owns
const SessionPrefix = "bmad"

// SessionName derives the tmux session name for (stage, unitID).
// tmux rejects '.' and ':' in target names, so unit "1.2" becomes "1-2".
func SessionName(stage story.Stage, unitID string) string {
	return fmt.Sprintf("%s-%s-%s", SessionPrefix, stage.Agent(), story.UnitSlug(unitID))
}

// TmuxConfig configures TmuxSession
type TmuxConfig struct {
	TmuxBin  string        // default "tmux"
	AgentBin string        // command started inside the session, e.g. "claude"
	WorkDir  string        // session start directory
	Startup  time.Duration // wait after launching the agent
}

// TmuxSession hosts each agent in its own detached tmux session
type TmuxSession struct {
	cfg    TmuxConfig
	runner CommandRunner
	logger app.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewTmuxSession creates a tmux-backed AgentSession
func NewTmuxSession(cfg TmuxConfig, runner CommandRunner, logger app.Logger) *TmuxSession {
	if cfg.TmuxBin == "" {
		cfg.TmuxBin = "tmux"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &TmuxSession{
		cfg:    cfg,
		runner: runner,
		logger: app.LoggerOr(logger),
		sleep:  sleepCtx,
	}
}

var _ output.AgentSession = (*TmuxSession)(nil)

// Acquire kills any leftover session with the same name, starts a new
// detached one and launches the agent inside it.
func (t *TmuxSession) Acquire(ctx context.Context, stage story.Stage, unitID string) (output.SessionHandle, error) {
	name := SessionName(stage, unitID)

	// A session surviving from a crashed run would carry its context over
	if _, err := t.runner.Run(ctx, t.cfg.TmuxBin, "kill-session", "-t", name); err == nil {
		t.logger.Warn("killed leftover tmux session %s", name)
	}

	args := []string{"new-session", "-d", "-s", name}
	if t.cfg.WorkDir != "" {
		args = append(args, "-c", t.cfg.WorkDir)
	}
	if _, err := t.runner.Run(ctx, t.cfg.TmuxBin, args...); err != nil {
		return output.SessionHandle{}, fmt.Errorf("create tmux session %s: %w", name, err)
	}

	handle := output.SessionHandle{
		ID:         uuid.NewString(),
		Name:       name,
		Stage:      stage,
		UnitID:     unitID,
		AcquiredAt: time.Now().UTC(),
	}

	if t.cfg.AgentBin != "" {
		if err := t.sendLine(ctx, name, t.cfg.AgentBin); err != nil {
			_ = t.Release(context.WithoutCancel(ctx), handle)
			return output.SessionHandle{}, fmt.Errorf("start agent in %s: %w", name, err)
		}
		if err := t.sleep(ctx, t.cfg.Startup); err != nil {
			_ = t.Release(context.WithoutCancel(ctx), handle)
			return output.SessionHandle{}, err
		}
	}

	t.logger.Info("tmux session %s ready (attach: tmux attach -t %s)", name, name)
	return handle, nil
}

// Inject types a command line into the session followed by Enter
func (t *TmuxSession) Inject(ctx context.Context, handle output.SessionHandle, command string) error {
	if err := t.sendLine(ctx, handle.Name, command); err != nil {
		if isMissingSession(err) {
			return fmt.Errorf("%w: %s", output.ErrSessionGone, handle.Name)
		}
		return err
	}
	return nil
}

// Release kills the session; a session that is already gone is fine
func (t *TmuxSession) Release(ctx context.Context, handle output.SessionHandle) error {
	if handle.Name == "" {
		return nil
	}
	if _, err := t.runner.Run(ctx, t.cfg.TmuxBin, "kill-session", "-t", handle.Name); err != nil {
		if isMissingSession(err) {
			return nil
		}
		return fmt.Errorf("kill tmux session %s: %w", handle.Name, err)
	}
	return nil
}

func (t *TmuxSession) sendLine(ctx context.Context, name, line string) error {
	// -l sends the text literally so '*' and '/' are not read as key names
	if _, err := t.runner.Run(ctx, t.cfg.TmuxBin, "send-keys", "-t", name, "-l", line); err != nil {
		return err
	}
	_, err := t.runner.Run(ctx, t.cfg.TmuxBin, "send-keys", "-t", name, "Enter")
	return err
}

func isMissingSession(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrNoTmux is returned by CheckTmux when tmux is not installed
var ErrNoTmux = errors.New("tmux is not available")

// CheckTmux verifies that tmux can be executed
func CheckTmux(ctx context.Context, runner CommandRunner, bin string) error {
	if bin == "" {
		bin = "tmux"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if _, err := runner.Run(ctx, bin, "-V"); err != nil {
		return fmt.Errorf("%w: %v", ErrNoTmux, err)
	}
	return nil
}
