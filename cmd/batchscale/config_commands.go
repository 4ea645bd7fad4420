package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"batchscale/internal/config"
	"batchscale/internal/deps"
	"batchscale/internal/imageformat"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigValidateCommand(ctx), newConfigInitCommand())
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if !overwrite {
				switch _, err := os.Stat(target); {
				case err == nil:
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				case !os.IsNotExist(err):
					return fmt.Errorf("check config path: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			sample := config.Default()
			if status := engineStatus(&sample); status.Available {
				fmt.Fprintf(out, "Engine %s found at %s\n", status.Command, status.Path)
			} else {
				fmt.Fprintf(out, "Engine %s is not on PATH; set engine.binary or export BATCHSCALE_ENGINE_BINARY\n", status.Command)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing configuration file")
	return cmd
}

// initTarget resolves --path, falling back to the default config location.
func initTarget(flagValue string) (string, error) {
	if target := strings.TrimSpace(flagValue); target != "" {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		return expanded, nil
	}
	target, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("determine default config path: %w", err)
	}
	return target, nil
}

// configSummary is the resolved view printed by config validate.
type configSummary struct {
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	WorkDir      string `json:"work_dir"`
	StagingDir   string `json:"staging_dir"`
	EngineOutDir string `json:"engine_output_dir"`
	OutputDir    string `json:"output_dir,omitempty"`
	Format       string `json:"format"`
	Engine       string `json:"engine"`
	EnginePath   string `json:"engine_path,omitempty"`
	PostProcess  bool   `json:"postprocess"`
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration and show the resolved directories",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(ctx.flagPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}
			summary := summarizeConfig(cfg, path, exists)
			if jsonOut {
				return writeJSON(cmd, summary)
			}
			renderConfigSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the resolved configuration as JSON")
	return cmd
}

func summarizeConfig(cfg *config.Config, path string, exists bool) configSummary {
	format := cfg.Output.Format
	if f, err := imageformat.Parse(format); err == nil {
		format = f.Label()
	}
	status := engineStatus(cfg)
	return configSummary{
		Path:         path,
		Exists:       exists,
		WorkDir:      cfg.Paths.WorkDir,
		StagingDir:   cfg.InputDir(),
		EngineOutDir: cfg.OutputDir(),
		OutputDir:    cfg.Output.Dir,
		Format:       format,
		Engine:       status.Command,
		EnginePath:   status.Path,
		PostProcess:  cfg.PostProcess.Enabled,
	}
}

func engineStatus(cfg *config.Config) deps.Status {
	return deps.Check(deps.Requirement{Name: "Engine", Command: cfg.Engine.Binary})
}

func renderConfigSummary(out io.Writer, s configSummary) {
	path := s.Path
	if !s.Exists {
		path += " (not found; defaults used)"
	}
	output := s.OutputDir
	if output == "" {
		output = "(pass --output per run)"
	}
	engine := s.Engine
	if s.EnginePath == "" {
		engine += " (not on PATH)"
	}
	rows := [][]string{
		{"Config", path},
		{"Work dir", s.WorkDir},
		{"Staged input", s.StagingDir},
		{"Engine output", s.EngineOutDir},
		{"Output dir", output},
		{"Format", s.Format},
		{"Engine", engine},
		{"Post-processing", yesNo(s.PostProcess)},
	}
	fmt.Fprintln(out, renderTable([]string{"Setting", "Value"}, rows, nil))
	fmt.Fprintln(out, "Configuration valid")
}
