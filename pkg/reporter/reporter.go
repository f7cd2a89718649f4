// Package reporter assembles and sends mail reports from the result assets
// a finished CI run leaves behind.
package reporter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/example/patchwatch/pkg/config"
)

const defaultFrom = "Kernel CI <kernel-ci@localhost>"

// Built-in report boilerplate, used when no template files are configured.
const (
	defaultIntro = `Hello,

We ran automated tests on a recent commit or patch submission. The results
are summarized below, together with the logs of the stages that ran.`

	defaultFooter = `Please reply to this message if you have questions about the results or
believe they are incorrect.`
)

// substituteRE matches {filename} attachment placeholders in report text.
// Escaped braces never match because the backslash is not a name character.
var substituteRE = regexp.MustCompile(`\{[\w.]+\}`)

// summary is the aggregated outcome across all reported stages. A build
// failure outranks a merge failure; a run failure counts only when
// everything else passed.
type summary int

const (
	summaryPass summary = iota
	summaryMergeFailure
	summaryBuildFailure
	summaryTestFailure
)

func (s summary) String() string {
	switch s {
	case summaryPass:
		return "Testing PASSED"
	case summaryMergeFailure:
		return "Merge FAILED"
	case summaryBuildFailure:
		return "Build FAILED"
	case summaryTestFailure:
		return "Testing FAILED"
	}

	return fmt.Sprintf("summary(%d)", int(s))
}

// Reporter composes mail reports from an assets directory and sends them
// over SMTP.
type Reporter struct {
	log logrus.FieldLogger
	cfg *config.ReportConfig
}

// New creates a reporter.
func New(log logrus.FieldLogger, cfg *config.ReportConfig) *Reporter {
	return &Reporter{
		log: log.WithField("component", "reporter"),
		cfg: cfg,
	}
}

// Compose builds the report mail from the configured assets directory. The
// directory must hold at least the merge stage results; build and run
// results are picked up from the directory itself or, for multi-run
// reports, from one subdirectory per run.
func (r *Reporter) Compose() (*email.Email, error) {
	if r.cfg.Assets == "" {
		return nil, fmt.Errorf("no assets directory configured")
	}

	entries, err := os.ReadDir(r.cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("reading assets directory: %w", err)
	}

	var (
		haveMerge bool
		singleRun bool
		subdirs   []string
	)

	for _, ent := range entries {
		if ent.Name() == "merge.result" {
			haveMerge = true
		}

		if strings.HasPrefix(ent.Name(), "build") || strings.HasPrefix(ent.Name(), "run") {
			singleRun = true
		}

		if ent.IsDir() {
			subdirs = append(subdirs, filepath.Join(r.cfg.Assets, ent.Name()))
		}
	}

	if !haveMerge {
		return nil, fmt.Errorf("no merge results found in %s", r.cfg.Assets)
	}

	var runs []string

	if singleRun {
		r.log.WithField("assets", r.cfg.Assets).Info("Creating single run report")

		runs = []string{r.cfg.Assets}
	} else {
		runs = filterRunDirs(subdirs)
		if len(runs) > 0 {
			r.log.WithField("runs", len(runs)).Info("Creating multi run report")
		} else {
			r.log.Info("Reporting standalone merge results")
		}
	}

	e := email.NewEmail()

	e.From = r.cfg.From
	if e.From == "" {
		e.From = defaultFrom
	}

	e.To = r.cfg.To

	for _, h := range r.cfg.Headers {
		key, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("header %q not in \"Key: Value\" format", h)
		}

		e.Headers.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	body, sum, err := r.buildBody(e, runs)
	if err != nil {
		return nil, err
	}

	e.Subject = sum.String()
	e.Text = []byte(body)

	return e, nil
}

// Send delivers the report over the configured SMTP server.
func (r *Reporter) Send(e *email.Email) error {
	addr := r.cfg.SMTPAddr
	if addr == "" {
		addr = "localhost:25"
	}

	if err := e.Send(addr, nil); err != nil {
		return fmt.Errorf("sending report: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"to":      strings.Join(e.To, ", "),
		"subject": e.Subject,
	}).Info("Report sent")

	return nil
}

// filterRunDirs keeps the directories actually holding stage results.
func filterRunDirs(dirs []string) []string {
	var out []string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, ent := range entries {
			if strings.HasSuffix(ent.Name(), ".result") || strings.HasSuffix(ent.Name(), ".report") {
				out = append(out, dir)

				break
			}
		}
	}

	return out
}

func (r *Reporter) buildBody(e *email.Email, runs []string) (string, summary, error) {
	sum := summaryPass

	raw, err := os.ReadFile(filepath.Join(r.cfg.Assets, "merge.report"))
	if err != nil {
		return "", sum, fmt.Errorf("reading merge report: %w", err)
	}

	body, err := r.substituteAndAttach(e, string(raw), r.cfg.Assets, 0)
	if err != nil {
		return "", sum, err
	}

	mergeResult, err := os.ReadFile(filepath.Join(r.cfg.Assets, "merge.result"))
	if err != nil {
		return "", sum, fmt.Errorf("reading merge result: %w", err)
	}

	if strings.HasPrefix(string(mergeResult), "false") {
		sum = summaryMergeFailure
	}

	for i, dir := range runs {
		part, err := r.runReports(e, dir, i, &sum)
		if err != nil {
			return "", sum, err
		}

		body += "\n" + part
	}

	intro, err := r.boilerplate(r.cfg.Intro, defaultIntro)
	if err != nil {
		return "", sum, err
	}

	footer, err := r.boilerplate(r.cfg.Footer, defaultFooter)
	if err != nil {
		return "", sum, err
	}

	full := strings.Join([]string{
		intro,
		"Test summary:\n    " + sum.String() + "\n",
		body,
		footer,
	}, "\n")

	return full, sum, nil
}

// runReports renders one run's build and run stages and folds their
// outcomes into the summary.
func (r *Reporter) runReports(e *email.Email, dir string, index int, sum *summary) (string, error) {
	failed, buildReport, err := r.stage(e, dir, "build", index)
	if err != nil {
		return "", err
	}

	if failed {
		*sum = summaryBuildFailure
	}

	failed, runReport, err := r.stage(e, dir, "run", index)
	if err != nil {
		return "", err
	}

	if failed && *sum == summaryPass {
		*sum = summaryTestFailure
	}

	return buildReport + runReport, nil
}

// stage reads one stage's result and report files from dir. A missing
// result file means the stage did not run and yields no text.
func (r *Reporter) stage(e *email.Email, dir, name string, label int) (failed bool, report string, err error) {
	resultPath := filepath.Join(dir, name+".result")

	data, err := os.ReadFile(resultPath)
	if os.IsNotExist(err) {
		return false, "", nil
	}

	if err != nil {
		return false, "", fmt.Errorf("reading %s: %w", resultPath, err)
	}

	failed = strings.HasPrefix(string(data), "false")

	reportPath := filepath.Join(dir, name+".report")

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return false, "", fmt.Errorf("reading %s: %w", reportPath, err)
	}

	report, err = r.substituteAndAttach(e, string(raw), dir, label)
	if err != nil {
		return false, "", err
	}

	return failed, report, nil
}

// substituteAndAttach replaces {filename} placeholders in the report text
// with the attachment names and attaches the referenced files. Attachments
// from runs past the first get the run index folded into their name, so
// same-named logs from different runs stay distinguishable.
func (r *Reporter) substituteAndAttach(e *email.Email, text, dir string, label int) (string, error) {
	seen := make(map[string]struct{})

	for _, match := range substituteRE.FindAllString(text, -1) {
		if _, ok := seen[match]; ok {
			continue
		}

		seen[match] = struct{}{}

		name := strings.Trim(match, "{}")

		newName := name
		if label > 0 {
			if i := strings.LastIndex(name, "."); i >= 0 {
				newName = fmt.Sprintf("%s_%d%s", name[:i], label, name[i:])
			} else {
				newName = fmt.Sprintf("%s_%d", name, label)
			}
		}

		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading attachment %s: %w", path, err)
		}

		contentType := "text/plain; charset=utf-8"
		if strings.HasSuffix(name, ".gz") {
			contentType = "application/octet-stream"
		}

		if _, err := e.Attach(bytes.NewReader(data), newName, contentType); err != nil {
			return "", fmt.Errorf("attaching %s: %w", newName, err)
		}

		text = strings.ReplaceAll(text, match, newName)
	}

	return text, nil
}

// boilerplate reads an intro or footer template, falling back to the
// built-in text when no path is configured.
func (r *Reporter) boilerplate(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading report template: %w", err)
	}

	return string(data), nil
}
