package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/app/config"
	infraConfig "github.com/YoshitsuguKoike/storyflow/internal/infra/config"
	"github.com/YoshitsuguKoike/storyflow/internal/interface/cli/version"
)

// ErrUnitsFailed is returned by run when at least one unit ended Failed
var ErrUnitsFailed = errors.New("one or more units failed")

// rootOptions are the persistent flags shared by every command
type rootOptions struct {
	project  string
	logLevel string
	fs       afero.Fs
}

// environment is everything a command needs after settings are loaded
type environment struct {
	fs     afero.Fs
	paths  app.Paths
	cfg    config.Config
	logger app.Logger
	out    io.Writer
}

// NewRoot builds the storyflow command tree on the OS filesystem
func NewRoot() *cobra.Command {
	return newRoot(afero.NewOsFs())
}

func newRoot(fs afero.Fs) *cobra.Command {
	opts := &rootOptions{fs: fs}

	cmd := &cobra.Command{
		Use:           "storyflow",
		Short:         "Drive stories through draft, validate, implement and verify agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.PersistentFlags().StringVar(&opts.project, "project", ".", "Project root directory")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from settings)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newResetCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(version.NewCommand())
	return cmd
}

// load resolves paths, reads setting.json and installs the loggers.
// Priority: flags > setting.json > defaults.
func (o *rootOptions) load(out io.Writer) (*environment, error) {
	root := o.project
	if root == "" {
		root = "."
	}
	if _, isOS := o.fs.(*afero.OsFs); isOS {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		root = abs
	}
	paths := app.ResolvePaths(root)

	cfg, err := infraConfig.LoadSettings(o.fs, paths.Home)
	if err != nil {
		return nil, err
	}

	level := o.logLevel
	if level == "" {
		level = cfg.StderrLevel()
	}
	logger := InitializeLoggers(InitGlobalLogger(level))
	logger.Debug("settings source=%s path=%s", cfg.ConfigSource(), cfg.SettingPath())

	return &environment{
		fs:     o.fs,
		paths:  paths,
		cfg:    cfg,
		logger: logger,
		out:    out,
	}, nil
}
