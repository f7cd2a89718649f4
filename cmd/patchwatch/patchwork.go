package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pollWatch bool

var patchworkCmd = &cobra.Command{
	Use:   "patchwork",
	Short: "Poll patch trackers and test new series",
	Long: `Check every configured patchwork tracker for new patch series, submit
a CI build per series on top of the latest stable baseline and record
the results. With --poll the check repeats at the configured interval
until interrupted.`,
	RunE: runPatchwork,
}

func init() {
	rootCmd.AddCommand(patchworkCmd)
	patchworkCmd.Flags().BoolVar(&pollWatch, "poll", false,
		"keep polling at the configured interval instead of checking once")
}

func runPatchwork(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Trackers) == 0 {
		return fmt.Errorf("no trackers configured")
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

	for i := range cfg.Trackers {
		if err := w.AddTracker(ctx, &cfg.Trackers[i]); err != nil {
			return err
		}
	}

	for {
		if err := w.CheckPatchwork(ctx); err != nil {
			return err
		}

		if err := w.WaitForPending(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Quitting")

				return nil
			}

			return err
		}

		if !pollWatch {
			return nil
		}

		select {
		case <-ctx.Done():
			log.Info("Quitting")

			return nil
		case <-time.After(cfg.Watch.PollInterval):
		}
	}
}
