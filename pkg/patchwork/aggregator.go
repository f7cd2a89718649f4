package patchwork

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"
)

// MessageInfo is the header data extracted from one patch e-mail.
type MessageInfo struct {
	MessageID string
	Subject   string
	Emails    map[string]struct{}
}

// HeaderSource fetches patch message headers. Implemented by the tracker
// variants; the aggregator uses it to summarize finalized series.
type HeaderSource interface {
	PatchMessage(ctx context.Context, patchID int64) (MessageInfo, error)
}

// LoosePatch is a patch as it arrives from a protocol without upstream
// series grouping, before aggregation.
type LoosePatch struct {
	Patch
	MessageID   string
	SubmitterID int64
}

type openSeries struct {
	total   int
	patches map[int]Patch
	touched uint64
}

// Aggregator groups individually arriving patch e-mails into complete
// ordered series. Partial series accumulate across polling passes until
// their declared length is reached. Series identification keys on message
// ID prefixes and is not fully reliable; see deriveSeriesID.
type Aggregator struct {
	log     logrus.FieldLogger
	headers HeaderSource
	skip    *regexp.Regexp

	// maxOpen caps the number of series kept open at once; 0 means
	// unbounded. When the cap is hit, the least recently touched entry is
	// evicted.
	maxOpen int

	open map[string]*openSeries
	seq  uint64
}

// NewAggregator creates a series aggregator.
func NewAggregator(log logrus.FieldLogger, headers HeaderSource, skip *regexp.Regexp, maxOpen int) *Aggregator {
	return &Aggregator{
		log:     log.WithField("component", "aggregator"),
		headers: headers,
		skip:    skip,
		maxOpen: maxOpen,
		open:    make(map[string]*openSeries),
	}
}

// Open returns the number of series still waiting for patches.
func (a *Aggregator) Open() int {
	return len(a.open)
}

// Add feeds one loose patch into the aggregator. It returns a non-nil
// Series exactly when this patch completes one: either the patch carries no
// position tag (a single-patch series, emitted immediately) or it is the
// last missing member of an open series. Skipped and invalid patches return
// (nil, nil).
func (a *Aggregator) Add(ctx context.Context, p LoosePatch) (*Series, error) {
	if a.skip != nil && a.skip.MatchString(p.Name) {
		a.log.WithFields(logrus.Fields{"patch": p.ID, "name": p.Name}).Info("Skipping patch")

		return nil, nil
	}

	pos, total, ok := seriesPosition(p.Name)
	if !ok {
		return a.summarize(ctx, []Patch{p.Patch})
	}

	if pos < 1 || pos > total {
		a.log.WithFields(logrus.Fields{"patch": p.ID, "name": p.Name}).Info("Skipping patch with invalid position")

		return nil, nil
	}

	sid := deriveSeriesID(p.MessageID, p.SubmitterID, total)

	a.seq++

	entry := a.open[sid]
	if entry == nil {
		a.evict()

		entry = &openSeries{patches: make(map[int]Patch)}
		a.open[sid] = entry
	}

	entry.total = total
	entry.touched = a.seq

	if _, dup := entry.patches[pos]; dup {
		a.log.WithFields(logrus.Fields{"series": sid, "patch": p.ID, "position": pos}).Debug("Ignoring duplicate series position")

		return nil, nil
	}

	entry.patches[pos] = p.Patch

	if len(entry.patches) < entry.total {
		return nil, nil
	}

	delete(a.open, sid)

	positions := make([]int, 0, len(entry.patches))
	for pos := range entry.patches {
		positions = append(positions, pos)
	}

	sort.Ints(positions)

	ordered := make([]Patch, 0, len(positions))
	for _, pos := range positions {
		ordered = append(ordered, entry.patches[pos])
	}

	a.log.WithFields(logrus.Fields{"series": sid, "patches": len(ordered)}).Info("Series complete")

	return a.summarize(ctx, ordered)
}

// summarize fetches per-patch message headers and builds the series
// summary. The representative message ID and subject come from the last
// patch in apply order.
func (a *Aggregator) summarize(ctx context.Context, patches []Patch) (*Series, error) {
	s := &Series{
		Emails:  make(map[string]struct{}),
		Patches: patches,
	}

	for _, p := range patches {
		info, err := a.headers.PatchMessage(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching message for patch %d: %w", p.ID, err)
		}

		s.MessageID = info.MessageID
		s.Subject = info.Subject

		for addr := range info.Emails {
			s.Emails[addr] = struct{}{}
		}
	}

	return s, nil
}

// evict drops the least recently touched open series when the cap is hit.
func (a *Aggregator) evict() {
	if a.maxOpen <= 0 || len(a.open) < a.maxOpen {
		return
	}

	var (
		oldestID string
		oldest   *openSeries
	)

	for sid, entry := range a.open {
		if oldest == nil || entry.touched < oldest.touched {
			oldestID = sid
			oldest = entry
		}
	}

	a.log.WithFields(logrus.Fields{
		"series": oldestID,
		"have":   len(oldest.patches),
		"want":   oldest.total,
	}).Warn("Evicting stalled incomplete series")

	delete(a.open, oldestID)
}
