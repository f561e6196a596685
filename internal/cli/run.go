package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spineprep/spineprep/internal/config"
	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/imgvol"
	"github.com/spineprep/spineprep/internal/manifest"
	"github.com/spineprep/spineprep/internal/pipeline"
	"github.com/spineprep/spineprep/internal/tools"
)

type runFlags struct {
	dryRun      bool
	saveDAG     string
	printConfig bool
	strict      bool
}

func newRunCommand(rf *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [bids_dir] [deriv_dir]",
		Short: "Execute the preprocessing pipeline",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, rf, flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "build and report the step graph without executing")
	cmd.Flags().StringVar(&flags.saveDAG, "save-dag", "", "write the step graph to this path (.svg/.png rendered when a renderer is available)")
	cmd.Flags().BoolVar(&flags.printConfig, "print-config", false, "echo the effective configuration")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "promote skipped steps to failures")
	return cmd
}

func newPlanCommand(rf *rootFlags) *cobra.Command {
	flags := &runFlags{dryRun: true}
	cmd := &cobra.Command{
		Use:   "plan [bids_dir] [deriv_dir]",
		Short: "Report the step graph and tool availability without executing",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, rf, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.saveDAG, "save-dag", "", "write the step graph to this path")
	cmd.Flags().BoolVar(&flags.printConfig, "print-config", false, "echo the effective configuration")
	return cmd
}

// setupEnv loads and validates configuration, discovers the dataset,
// and assembles the execution environment.
func setupEnv(rf *rootFlags, args []string) (*pipeline.Env, error) {
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return nil, &ExitError{Code: 1, Message: err.Error()}
	}
	if len(args) > 0 {
		cfg.Paths.BIDSDir = args[0]
	}
	if len(args) > 1 {
		cfg.Paths.DerivDir = args[1]
	}
	if cfg.Paths.BIDSDir == "" {
		return nil, &ExitError{Code: 2, Message: "an input dataset root is required (positional argument or paths.bids_dir)"}
	}
	if cfg.Paths.DerivDir == "" {
		return nil, &ExitError{Code: 2, Message: "an output derivatives root is required (positional argument or paths.deriv_dir)"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: 1, Message: pipeline.E(pipeline.KindConfigInvalid, "%v", err).Error()}
	}

	loader := imgvol.NiftiLoader{}
	m, err := manifest.Discover(cfg.Paths.BIDSDir, loader)
	if err != nil {
		return nil, &ExitError{Code: 1, Message: err.Error()}
	}
	if err := manifest.AssignMotionGroups(m, cfg.Options.Motion.ConcatMode, []string{"pe_dir", "tr"}); err != nil {
		return nil, &ExitError{Code: 1, Message: err.Error()}
	}

	return &pipeline.Env{
		Cfg:      cfg,
		Manifest: m,
		Layout:   deriv.Layout{Root: cfg.Paths.DerivDir},
		Loader:   loader,
		Runner:   &tools.Runner{Finder: tools.PathFinder{}},
	}, nil
}

func runPipeline(cmd *cobra.Command, rf *rootFlags, flags *runFlags, args []string) error {
	logger := newLogger(rf.logLevel, rf.logFormat, rf.logFile)
	ctx := ctxlog.WithLogger(cmd.Context(), logger)

	env, err := setupEnv(rf, args)
	if err != nil {
		return err
	}

	if flags.printConfig {
		data, err := json.MarshalIndent(env.Cfg, "", "  ")
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		}
	}

	logger.Info("dataset discovered", "runs", len(env.Manifest.Runs), "anats", len(env.Manifest.Anats))
	if err := manifest.WriteCSV(env.Manifest, deriv.OSPath(env.Layout.ManifestCSV())); err != nil {
		return &ExitError{Code: 1, Message: "writing manifest: " + err.Error()}
	}

	plan, err := pipeline.BuildPlan(env)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}

	mode := pipeline.ModeRun
	if flags.dryRun {
		mode = pipeline.ModeDryRun
		fmt.Fprint(cmd.OutOrStdout(), plan.Graph.DOT())
		for _, rep := range tools.Doctor(ctx, env.Runner.Finder) {
			status := "missing"
			if rep.Found {
				status = rep.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# tool %-26s %s\n", rep.Name, status)
		}
	}

	summary, err := pipeline.Execute(ctx, env, plan, pipeline.ExecOptions{
		Mode:    mode,
		Workers: rf.cores,
		SaveDAG: flags.saveDAG,
		Strict:  flags.strict,
	})
	if summary != nil && mode == pipeline.ModeRun {
		fmt.Fprint(cmd.OutOrStdout(), summary.String())
	}
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}
	if summary != nil && summary.HasSkips() {
		logger.Warn("some steps were skipped; placeholder outputs were produced")
	}
	return nil
}
