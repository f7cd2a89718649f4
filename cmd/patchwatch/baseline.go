package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var baselineForce bool

var baselineCmd = &cobra.Command{
	Use:   "baseline [repo [ref]]",
	Short: "Run a baseline build of the tracked repository",
	Long: `Submit a CI build testing the tracked repository at the given ref and
wait for its result. The recorded baseline becomes the base commit for
series testing. Repo and ref default to the configured ones.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runBaseline,
}

func init() {
	rootCmd.AddCommand(baselineCmd)
	baselineCmd.Flags().BoolVar(&baselineForce, "force", false,
		"retest the commit even when a result is already on record")
}

func runBaseline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) > 0 {
		cfg.Baseline.Repo = args[0]
	}

	if len(args) > 1 {
		cfg.Baseline.Ref = args[1]
	}

	if baselineForce {
		cfg.Baseline.Force = true
	}

	if err := cfg.ValidateBaseline(); err != nil {
		return err
	}

	if err := cfg.ValidateJenkins(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, w, err := buildWatcher(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	defer w.Cleanup()

	if err := w.EnqueueBaselineJob(ctx); err != nil {
		return err
	}

	if err := w.WaitForPending(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Quitting")

			return nil
		}

		return err
	}

	return nil
}
