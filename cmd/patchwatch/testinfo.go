package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/patchwatch/pkg/store"
)

var testinfoYAML bool

var testinfoCmd = &cobra.Command{
	Use:   "testinfo",
	Short: "Show recorded baselines and pending patches",
	Long: `Dump the known repositories with their stable and latest baseline
commits, every recorded baseline test, and the patches still pending
per tracker source. Reads only the database.`,
	RunE: runTestinfo,
}

func init() {
	rootCmd.AddCommand(testinfoCmd)
	testinfoCmd.Flags().BoolVar(&testinfoYAML, "yaml", false,
		"emit YAML instead of the colored listing")
}

// baselineEntry is one baseline test in the dump.
type baselineEntry struct {
	Commit     string `yaml:"commit"`
	CommitDate string `yaml:"commit_date,omitempty"`
	Result     string `yaml:"result"`
	JobID      int64  `yaml:"job_id"`
}

// repoEntry is one repository's slice of the dump.
type repoEntry struct {
	URL       string          `yaml:"url"`
	Stable    string          `yaml:"stable,omitempty"`
	Latest    string          `yaml:"latest,omitempty"`
	Baselines []baselineEntry `yaml:"baselines,omitempty"`
}

// pendingEntry is one patch awaiting its test result.
type pendingEntry struct {
	PatchID int64  `yaml:"patch_id"`
	Date    string `yaml:"date,omitempty"`
}

// sourceEntry is one tracker source's slice of the dump.
type sourceEntry struct {
	BaseURL   string         `yaml:"base_url"`
	ProjectID int            `yaml:"project_id"`
	Pending   []pendingEntry `yaml:"pending,omitempty"`
}

type testInfo struct {
	Repositories []repoEntry   `yaml:"repositories"`
	Sources      []sourceEntry `yaml:"sources"`
}

func runTestinfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	info, err := collectTestInfo(ctx, st)
	if err != nil {
		return err
	}

	if testinfoYAML {
		out, err := yaml.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshaling test info: %w", err)
		}

		fmt.Print(string(out))

		return nil
	}

	renderTestInfo(info)

	return nil
}

func collectTestInfo(ctx context.Context, st store.Store) (*testInfo, error) {
	info := &testInfo{}

	repos, err := st.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}

	for _, url := range repos {
		entry := repoEntry{URL: url}

		entry.Stable, err = st.GetStableCommit(ctx, url)
		if err != nil {
			return nil, err
		}

		entry.Latest, err = st.GetLatestBaseline(ctx, url)
		if err != nil {
			return nil, err
		}

		baselines, err := st.GetBaselines(ctx, url)
		if err != nil {
			return nil, err
		}

		for _, b := range baselines {
			entry.Baselines = append(entry.Baselines, baselineEntry{
				Commit:     b.Commit,
				CommitDate: formatEpoch(b.CommitDate),
				Result:     b.Result.String(),
				JobID:      b.JobID,
			})
		}

		info.Repositories = append(info.Repositories, entry)
	}

	sources, err := st.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	for _, src := range sources {
		entry := sourceEntry{BaseURL: src.BaseURL, ProjectID: src.ProjectID}

		pending, err := st.GetPendingPatches(ctx, src.BaseURL, src.ProjectID)
		if err != nil {
			return nil, err
		}

		for _, p := range pending {
			entry.Pending = append(entry.Pending, pendingEntry{
				PatchID: p.PatchID,
				Date:    p.Date,
			})
		}

		info.Sources = append(info.Sources, entry)
	}

	return info, nil
}

func renderTestInfo(info *testInfo) {
	for _, repo := range info.Repositories {
		fmt.Printf("Repository %s\n", color.New(color.FgHiCyan).Sprint(repo.URL))

		if repo.Stable != "" {
			fmt.Printf("  stable: %s\n", repo.Stable)
		}

		if repo.Latest != "" && repo.Latest != repo.Stable {
			fmt.Printf("  latest: %s\n", repo.Latest)
		}

		for _, b := range repo.Baselines {
			fmt.Printf("  %s %s job %d (%s)\n",
				b.Commit, colorizeResult(b.Result), b.JobID, b.CommitDate)
		}

		fmt.Println()
	}

	for _, src := range info.Sources {
		fmt.Printf("Source %s project %d\n",
			color.New(color.FgHiCyan).Sprint(src.BaseURL), src.ProjectID)

		if len(src.Pending) == 0 {
			fmt.Println("  no pending patches")
		}

		for _, p := range src.Pending {
			fmt.Printf("  patch %d pending since %s\n", p.PatchID, p.Date)
		}

		fmt.Println()
	}
}

// colorizeResult formats a result name with semantic color.
func colorizeResult(name string) string {
	switch name {
	case "success":
		return color.New(color.FgHiGreen).Sprint(name)
	case "merge failure", "build failure", "test failure":
		return color.New(color.FgRed).Sprint(name)
	case "baseline failure", "publish failure":
		return color.New(color.FgYellow).Sprint(name)
	default:
		return color.New(color.FgWhite).Sprint(name)
	}
}

func formatEpoch(epoch int64) string {
	if epoch == 0 {
		return ""
	}

	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}
