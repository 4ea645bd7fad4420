package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"batchscale/internal/api"
	"batchscale/internal/config"
	"batchscale/internal/engine"
	"batchscale/internal/history"
	"batchscale/internal/imageformat"
	"batchscale/internal/logging"
	"batchscale/internal/pipeline"
	"batchscale/internal/progress"
	"batchscale/internal/staging"
)

type runFlags struct {
	dir           string
	output        string
	model         string
	modelPath     string
	mode          string
	format        string
	alpha         bool
	preview       bool
	noPostProcess bool
	dryRun        bool
	jsonOut       bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [image...]",
		Short: "Upscale a directory tree or a list of images",
		Long: "Stage the inputs, run the configured engine over them and finalize each\n" +
			"output as it appears. Pass --dir for a directory tree or image paths as\n" +
			"arguments. Ctrl-C cancels the run and stops the engine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			src, err := flags.source(args)
			if err != nil {
				return err
			}
			if flags.dryRun {
				return runDryRun(cmd, src, flags.jsonOut)
			}

			job, err := flags.job(cmd, cfg, src)
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg, job, flags.jsonOut)
		},
	}

	cmd.Flags().StringVarP(&flags.dir, "dir", "d", "", "Upscale every compatible image under this directory")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Destination directory (default: output.dir)")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Model name passed to the engine")
	cmd.Flags().StringVar(&flags.modelPath, "model-path", "", "Model file or directory passed to the engine")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Model mode: single, interp, or chain")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "", "Output format: same, png, jpeg, webp, bmp, tga, dds, gif")
	cmd.Flags().BoolVar(&flags.alpha, "alpha", false, "Upscale the alpha channel")
	cmd.Flags().BoolVar(&flags.preview, "preview", false, "Ask the engine for a preview")
	cmd.Flags().BoolVar(&flags.noPostProcess, "no-postprocess", false, "Leave engine outputs unconverted")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Count compatible images without staging anything")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print the run result as JSON")
	return cmd
}

func (f runFlags) source(args []string) (staging.Source, error) {
	dir := strings.TrimSpace(f.dir)
	if dir != "" && len(args) > 0 {
		return staging.Source{}, errors.New("use either --dir or image arguments, not both")
	}
	if dir == "" && len(args) == 0 {
		return staging.Source{}, errors.New("nothing to upscale: pass --dir or one or more image paths")
	}
	if dir != "" {
		expanded, err := config.ExpandPath(dir)
		if err != nil {
			return staging.Source{}, fmt.Errorf("resolve --dir: %w", err)
		}
		return staging.Source{Dir: expanded}, nil
	}
	files := make([]string, 0, len(args))
	for _, arg := range args {
		expanded, err := config.ExpandPath(arg)
		if err != nil {
			return staging.Source{}, fmt.Errorf("resolve %q: %w", arg, err)
		}
		files = append(files, expanded)
	}
	return staging.Source{Files: files}, nil
}

func (f runFlags) job(cmd *cobra.Command, cfg *config.Config, src staging.Source) (pipeline.Job, error) {
	formatName := cfg.Output.Format
	if strings.TrimSpace(f.format) != "" {
		formatName = f.format
	}
	format, err := imageformat.Parse(formatName)
	if err != nil {
		return pipeline.Job{}, err
	}

	model := engine.ModelFromConfig(cfg)
	if f.model != "" {
		model.Name = f.model
	}
	if f.modelPath != "" {
		if model.Path, err = config.ExpandPath(f.modelPath); err != nil {
			return pipeline.Job{}, fmt.Errorf("resolve --model-path: %w", err)
		}
	}
	if f.mode != "" {
		switch mode := engine.Mode(strings.ToLower(f.mode)); mode {
		case engine.ModeSingle, engine.ModeInterp, engine.ModeChain:
			model.Mode = mode
		default:
			return pipeline.Job{}, fmt.Errorf("--mode: unsupported value %q (want single, interp, or chain)", f.mode)
		}
	}

	job := pipeline.Job{
		Source:      src,
		Model:       model,
		Format:      format,
		Alpha:       cfg.Engine.Alpha,
		Preview:     cfg.Engine.Preview,
		PostProcess: cfg.PostProcess.Enabled && !f.noPostProcess,
	}
	if cmd.Flags().Changed("alpha") {
		job.Alpha = f.alpha
	}
	if cmd.Flags().Changed("preview") {
		job.Preview = f.preview
	}
	if f.output != "" {
		if job.OutputDir, err = config.ExpandPath(f.output); err != nil {
			return pipeline.Job{}, fmt.Errorf("resolve --output: %w", err)
		}
		if err := cfg.CheckOutputDir(job.OutputDir); err != nil {
			return pipeline.Job{}, fmt.Errorf("--output: %w", err)
		}
	}
	return job, nil
}

type dryRunReport struct {
	Compatible   int `json:"compatible"`
	Incompatible int `json:"incompatible"`
}

func runDryRun(cmd *cobra.Command, src staging.Source, jsonOut bool) error {
	supported, unsupported, err := staging.Count(src)
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd, dryRunReport{Compatible: supported, Incompatible: unsupported})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d compatible images found\n", supported)
	if unsupported > 0 {
		fmt.Fprintf(out, "%d files skipped (unsupported format)\n", unsupported)
	}
	return nil
}

func executeRun(cmd *cobra.Command, cfg *config.Config, job pipeline.Job, jsonOut bool) error {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.PruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays)

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The live line goes to stderr when stdout carries JSON.
	var consoleOut io.Writer = cmd.OutOrStdout()
	if jsonOut {
		consoleOut = cmd.ErrOrStderr()
	}
	console := progress.NewConsoleSink(consoleOut)
	sink := progress.Multi(console, progress.NewLogSink(logger, "upscaling", 10))

	opts := []pipeline.Option{pipeline.WithSink(sink)}
	var runs api.RunReader
	store, err := history.Open(cfg)
	if err != nil {
		logging.WarnWithContext(logger, "run history unavailable", "history_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.history_db permissions"),
			logging.String(logging.FieldImpact, "this run will not be recorded"),
		)
	} else {
		defer store.Close()
		opts = append(opts, pipeline.WithHistory(store))
		runs = store
	}

	coordinator, err := pipeline.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.API.Bind, coordinator.Tracker(), runs, logger)
	if err := server.Start(runCtx); err != nil {
		return err
	}
	defer server.Stop()

	result, runErr := coordinator.Run(runCtx, job)
	console.Finish()

	if jsonOut {
		if err := writeJSON(cmd, result); err != nil {
			return err
		}
		return runErr
	}
	renderRunSummary(cmd.OutOrStdout(), result)
	return runErr
}

func renderRunSummary(out io.Writer, result pipeline.RunResult) {
	switch {
	case result.Canceled:
		fmt.Fprintln(out, "Run canceled")
	case result.Message != "":
		fmt.Fprintln(out, result.Message)
	}
	if result.Target > 0 {
		fmt.Fprintf(out, "Finalized %d of %d images\n", result.Processed, result.Target)
	}
	if len(result.Failures) == 0 {
		return
	}
	rows := make([][]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		rows = append(rows, []string{f.Path, f.Kind, f.Message})
	}
	fmt.Fprintln(out, renderTable([]string{"File", "Kind", "Problem"}, rows, nil))
}
