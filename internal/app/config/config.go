package config

import (
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
)

// Config provides read-only access to orchestrator configuration.
// The app layer never sees where the values came from.
type Config interface {
	// Agent sessions
	AgentBin() string
	AgentStartup() time.Duration
	Commands(stage story.Stage) []string

	// Completion detection
	PollInterval() time.Duration
	StageTimeout(stage story.Stage) time.Duration
	MinDraftBytes() int

	// Scheduling
	UnitPause() time.Duration
	MaxParallel() int
	MaxSessionsPerAgent() map[string]int // agent role -> limit; absent = unlimited

	// Persistence
	CheckpointBackend() string // "file" or "sqlite"
	Archive() ArchiveSettings

	// Logging
	StderrLevel() string

	// Metadata
	ConfigSource() string // "json" or "default"
	SettingPath() string
}

// ArchiveSettings selects where final artifacts are copied
type ArchiveSettings struct {
	Backend string // "", "local" or "s3"
	Bucket  string
	Prefix  string
	Region  string
}

// Values is the plain set of settings used to build an AppConfig
type Values struct {
	AgentBin        string
	AgentStartupSec int
	PollIntervalSec float64
	TimeoutSec      map[story.Stage]int
	MinDraftBytes   int
	UnitPauseSec    float64
	MaxParallel     int
	MaxSessions     map[string]int
	Checkpoint      string
	Archive         ArchiveSettings
	StderrLevel     string
	Commands        map[story.Stage][]string

	ConfigSource string
	SettingPath  string
}

// AppConfig is the concrete Config implementation
type AppConfig struct {
	v Values
}

// NewAppConfig creates an AppConfig from resolved values
func NewAppConfig(v Values) *AppConfig {
	return &AppConfig{v: v}
}

// AgentBin returns the agent binary launched inside each session
func (c *AppConfig) AgentBin() string {
	return c.v.AgentBin
}

// AgentStartup returns how long to wait for the agent to boot
func (c *AppConfig) AgentStartup() time.Duration {
	return time.Duration(c.v.AgentStartupSec) * time.Second
}

// Commands returns the command lines injected for a stage
func (c *AppConfig) Commands(stage story.Stage) []string {
	cmds := c.v.Commands[stage]
	out := make([]string, len(cmds))
	copy(out, cmds)
	return out
}

// PollInterval returns the detector poll interval
func (c *AppConfig) PollInterval() time.Duration {
	return seconds(c.v.PollIntervalSec)
}

// StageTimeout returns the completion deadline for a stage
func (c *AppConfig) StageTimeout(stage story.Stage) time.Duration {
	return time.Duration(c.v.TimeoutSec[stage]) * time.Second
}

// MinDraftBytes returns the size a drafted story must reach
func (c *AppConfig) MinDraftBytes() int {
	return c.v.MinDraftBytes
}

// UnitPause returns the pause inserted between units
func (c *AppConfig) UnitPause() time.Duration {
	return seconds(c.v.UnitPauseSec)
}

// MaxParallel returns the number of units processed concurrently
func (c *AppConfig) MaxParallel() int {
	return c.v.MaxParallel
}

// MaxSessionsPerAgent returns the live session limit of each limited agent role
func (c *AppConfig) MaxSessionsPerAgent() map[string]int {
	out := make(map[string]int, len(c.v.MaxSessions))
	for agent, max := range c.v.MaxSessions {
		out[agent] = max
	}
	return out
}

// CheckpointBackend returns the checkpoint storage backend
func (c *AppConfig) CheckpointBackend() string {
	return c.v.Checkpoint
}

// Archive returns the archive settings
func (c *AppConfig) Archive() ArchiveSettings {
	return c.v.Archive
}

// StderrLevel returns the stderr log level
func (c *AppConfig) StderrLevel() string {
	return c.v.StderrLevel
}

// ConfigSource returns the source of configuration
func (c *AppConfig) ConfigSource() string {
	return c.v.ConfigSource
}

// SettingPath returns the setting.json path when loaded from a file
func (c *AppConfig) SettingPath() string {
	return c.v.SettingPath
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
