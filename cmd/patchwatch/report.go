package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/patchwatch/pkg/reporter"
)

var reportAssets string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Assemble and mail the test report",
	Long: `Build a plain-text report from the assets directory the CI job
produced and send it by mail.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportAssets, "assets", "",
		"assets directory (overrides the configured one)")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if reportAssets != "" {
		cfg.Report.Assets = reportAssets
	}

	if len(cfg.Report.To) == 0 {
		return fmt.Errorf("report recipients are required")
	}

	r := reporter.New(log, &cfg.Report)

	msg, err := r.Compose()
	if err != nil {
		return err
	}

	return r.Send(msg)
}
