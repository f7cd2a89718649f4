package watcher

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/example/patchwatch/pkg/patchwork"
)

// FilterSeries runs the configured filter command over each series and
// splits them into those to test and those to drop. Without a configured
// filter every series is tested.
//
// The filter gets the member patch mbox URLs as arguments, preceded by
// --cover with the cover letter mbox URL when the series has one. Exit
// status 0 keeps the series, 1 drops it; anything else is an error.
func (w *Watcher) FilterSeries(ctx context.Context, series []patchwork.Series) (ready, dropped []patchwork.Series, err error) {
	if w.cfg.Watch.Filter == "" {
		return series, nil, nil
	}

	for i := range series {
		keep, err := w.runFilter(ctx, &series[i])
		if err != nil {
			return nil, nil, err
		}

		if keep {
			ready = append(ready, series[i])
		} else {
			dropped = append(dropped, series[i])
		}
	}

	return ready, dropped, nil
}

func (w *Watcher) runFilter(ctx context.Context, s *patchwork.Series) (bool, error) {
	var args []string

	if s.CoverLetter != nil {
		args = append(args, "--cover", s.CoverLetter.MboxURL())
	}

	args = append(args, s.MboxURLs()...)

	err := exec.CommandContext(ctx, w.cfg.Watch.Filter, args...).Run()
	if err == nil {
		return true, nil
	}

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false, fmt.Errorf("running filter %s: %w", w.cfg.Watch.Filter, err)
	}

	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return false, fmt.Errorf("filter %s terminated by signal: %v", w.cfg.Watch.Filter, ws.Signal())
	}

	switch ee.ExitCode() {
	case 1:
		return false, nil
	case 127:
		return false, fmt.Errorf("filter %s failed to run (exit 127)", w.cfg.Watch.Filter)
	default:
		return false, fmt.Errorf("filter %s returned unexpected status %d", w.cfg.Watch.Filter, ee.ExitCode())
	}
}
