package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/storyflow/internal/adapter/gateway/session"
	"github.com/YoshitsuguKoike/storyflow/internal/app/planning"
)

// DoctorJSON represents the JSON output structure for doctor command
type DoctorJSON struct {
	Project      string   `json:"project"`
	ConfigSource string   `json:"config_source"`
	AgentBin     string   `json:"agent_bin"`
	Checkpoint   string   `json:"checkpoint_backend"`
	Archive      string   `json:"archive_backend,omitempty"`
	Warnings     []string `json:"warnings"`
	Errors       []string `json:"errors"`
}

// Probes replaced by tests
var (
	lookPath   = exec.LookPath
	tmuxRunner = session.CommandRunner(session.ExecRunner{})
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor [collection]",
		Short: "Check environment & configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.load(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			collectionID := ""
			if len(args) == 1 {
				collectionID = args[0]
			}

			report := diagnose(cmd.Context(), env, collectionID)
			if jsonOutput {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Fprintln(env.out, string(data))
			} else {
				printDoctor(env, report)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("doctor found %d problem(s)", len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func diagnose(ctx context.Context, env *environment, collectionID string) DoctorJSON {
	if ctx == nil {
		ctx = context.Background()
	}
	report := DoctorJSON{
		Project:      env.paths.Root,
		ConfigSource: env.cfg.ConfigSource(),
		AgentBin:     env.cfg.AgentBin(),
		Checkpoint:   env.cfg.CheckpointBackend(),
		Archive:      env.cfg.Archive().Backend,
		Warnings:     []string{},
		Errors:       []string{},
	}

	if err := session.CheckTmux(ctx, tmuxRunner, ""); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	if _, err := lookPath(env.cfg.AgentBin()); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s not found in PATH", env.cfg.AgentBin()))
	}

	if err := env.fs.MkdirAll(env.paths.Var, 0o755); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("state dir: %v", err))
	} else {
		probe := filepath.Join(env.paths.Var, ".probe")
		if err := afero.WriteFile(env.fs, probe, nil, 0o644); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("state dir not writable: %v", err))
		} else {
			_ = env.fs.Remove(probe)
		}
	}

	if collectionID != "" {
		for _, missing := range planning.Verify(env.fs, env.paths, collectionID) {
			report.Errors = append(report.Errors, "missing "+missing)
		}
		if _, err := planning.Load(env.fs, env.paths, collectionID); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	return report
}

func printDoctor(env *environment, r DoctorJSON) {
	fmt.Fprintln(env.out, "Project:   ", r.Project)
	fmt.Fprintln(env.out, "Settings:  ", r.ConfigSource)
	fmt.Fprintln(env.out, "AgentBin:  ", r.AgentBin)
	fmt.Fprintln(env.out, "Checkpoint:", r.Checkpoint)
	if r.Archive != "" {
		fmt.Fprintln(env.out, "Archive:   ", r.Archive)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(env.out, "WARN: %s\n", w)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(env.out, "ERROR: %s\n", e)
	}
	if len(r.Errors) == 0 {
		fmt.Fprintln(env.out, "OK: ready to run")
	}
}
