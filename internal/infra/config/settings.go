package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/YoshitsuguKoike/storyflow/internal/app/config"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/spf13/afero"
)

// RawSettings represents the structure of setting.json.
// Pointer fields distinguish "absent" from zero values.
type RawSettings struct {
	// Agent sessions
	AgentBin        *string             `json:"agent_bin"`
	AgentStartupSec *int                `json:"agent_startup_sec"`
	Commands        map[string][]string `json:"commands"`

	// Completion detection
	PollIntervalSec     *float64 `json:"poll_interval_sec"`
	DraftTimeoutSec     *int     `json:"draft_timeout_sec"`
	ValidateTimeoutSec  *int     `json:"validate_timeout_sec"`
	ImplementTimeoutSec *int     `json:"implement_timeout_sec"`
	VerifyTimeoutSec    *int     `json:"verify_timeout_sec"`
	MinDraftBytes       *int     `json:"min_draft_bytes"`

	// Scheduling
	UnitPauseSec        *float64       `json:"unit_pause_sec"`
	MaxParallel         *int           `json:"max_parallel"`
	MaxSessionsPerAgent map[string]int `json:"max_sessions_per_agent"`

	// Persistence
	CheckpointBackend *string `json:"checkpoint_backend"`
	ArchiveBackend    *string `json:"archive_backend"`
	ArchiveBucket     *string `json:"archive_bucket"`
	ArchivePrefix     *string `json:"archive_prefix"`
	ArchiveRegion     *string `json:"archive_region"`

	// Logging
	StderrLevel *string `json:"stderr_level"`
}

// DefaultCommands are the slash commands each agent understands
var DefaultCommands = map[story.Stage][]string{
	story.StageDraft:     {"/sm", "*create {story}"},
	story.StageValidate:  {"/po", "*validate-story {story}"},
	story.StageImplement: {"/dev", "*develop-story {story}"},
	story.StageVerify:    {"/qa", "*review {story}"},
}

// LoadSettings loads configuration from <home>/setting.json.
// Priority: setting.json > defaults. A missing file is not an error.
func LoadSettings(fs afero.Fs, home string) (*config.AppConfig, error) {
	settings := &RawSettings{}
	configSource := "default"
	settingPath := ""

	jsonPath := filepath.Join(home, "setting.json")
	data, err := afero.ReadFile(fs, jsonPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
		}
		configSource = "json"
		settingPath = jsonPath
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", jsonPath, err)
	}

	applyDefaults(settings)
	if err := validate(settings); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", jsonPath, err)
	}

	return buildAppConfig(settings, configSource, settingPath), nil
}

// Defaults returns a config built purely from defaults
func Defaults() *config.AppConfig {
	settings := &RawSettings{}
	applyDefaults(settings)
	return buildAppConfig(settings, "default", "")
}

func setString(p **string, v string) {
	if *p == nil {
		*p = &v
	}
}

func setInt(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func setFloat(p **float64, v float64) {
	if *p == nil {
		*p = &v
	}
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(s *RawSettings) {
	setString(&s.AgentBin, "claude")
	setInt(&s.AgentStartupSec, 5)

	setFloat(&s.PollIntervalSec, 2)
	setInt(&s.DraftTimeoutSec, 600)      // 10 minutes
	setInt(&s.ValidateTimeoutSec, 300)   // 5 minutes
	setInt(&s.ImplementTimeoutSec, 1800) // 30 minutes
	setInt(&s.VerifyTimeoutSec, 900)     // 15 minutes
	setInt(&s.MinDraftBytes, 1000)

	setFloat(&s.UnitPauseSec, 2)
	setInt(&s.MaxParallel, 1)

	setString(&s.CheckpointBackend, "file")
	setString(&s.ArchiveBackend, "")
	setString(&s.ArchiveBucket, "")
	setString(&s.ArchivePrefix, "storyflow")
	setString(&s.ArchiveRegion, "")

	setString(&s.StderrLevel, "warn")
}

func validate(s *RawSettings) error {
	switch *s.CheckpointBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("checkpoint_backend must be file or sqlite, got %q", *s.CheckpointBackend)
	}
	switch *s.ArchiveBackend {
	case "", "none", "local":
	case "s3":
		if *s.ArchiveBucket == "" {
			return errors.New("archive_bucket is required when archive_backend is s3")
		}
	default:
		return fmt.Errorf("archive_backend must be local or s3, got %q", *s.ArchiveBackend)
	}
	if *s.PollIntervalSec <= 0 {
		return errors.New("poll_interval_sec must be positive")
	}
	for name, v := range map[string]int{
		"draft_timeout_sec":     *s.DraftTimeoutSec,
		"validate_timeout_sec":  *s.ValidateTimeoutSec,
		"implement_timeout_sec": *s.ImplementTimeoutSec,
		"verify_timeout_sec":    *s.VerifyTimeoutSec,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if *s.MaxParallel < 1 {
		return errors.New("max_parallel must be at least 1")
	}
	agents := make(map[string]bool, len(story.Stages()))
	for _, stage := range story.Stages() {
		agents[stage.Agent()] = true
	}
	for agent, max := range s.MaxSessionsPerAgent {
		if !agents[agent] {
			return fmt.Errorf("max_sessions_per_agent: unknown agent %q", agent)
		}
		if max < 1 {
			return fmt.Errorf("max_sessions_per_agent: %s must be at least 1", agent)
		}
	}
	for key := range s.Commands {
		if _, ok := story.ParseStage(key); !ok {
			return fmt.Errorf("commands: unknown stage %q", key)
		}
	}
	return nil
}

// buildAppConfig converts RawSettings to AppConfig
func buildAppConfig(s *RawSettings, configSource, settingPath string) *config.AppConfig {
	commands := make(map[story.Stage][]string, len(DefaultCommands))
	for stage, cmds := range DefaultCommands {
		commands[stage] = cmds
	}
	for key, cmds := range s.Commands {
		if stage, ok := story.ParseStage(key); ok {
			commands[stage] = cmds
		}
	}

	archive := strings.TrimSpace(*s.ArchiveBackend)
	if archive == "none" {
		archive = ""
	}

	return config.NewAppConfig(config.Values{
		AgentBin:        *s.AgentBin,
		AgentStartupSec: *s.AgentStartupSec,
		PollIntervalSec: *s.PollIntervalSec,
		TimeoutSec: map[story.Stage]int{
			story.StageDraft:     *s.DraftTimeoutSec,
			story.StageValidate:  *s.ValidateTimeoutSec,
			story.StageImplement: *s.ImplementTimeoutSec,
			story.StageVerify:    *s.VerifyTimeoutSec,
		},
		MinDraftBytes: *s.MinDraftBytes,
		UnitPauseSec:  *s.UnitPauseSec,
		MaxParallel:   *s.MaxParallel,
		MaxSessions:   s.MaxSessionsPerAgent,
		Checkpoint:    *s.CheckpointBackend,
		Archive: config.ArchiveSettings{
			Backend: archive,
			Bucket:  *s.ArchiveBucket,
			Prefix:  *s.ArchivePrefix,
			Region:  *s.ArchiveRegion,
		},
		StderrLevel:  *s.StderrLevel,
		Commands:     commands,
		ConfigSource: configSource,
		SettingPath:  settingPath,
	})
}
