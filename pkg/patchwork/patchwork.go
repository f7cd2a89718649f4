// Package patchwork talks to Patchwork patch trackers. Two protocol
// variants exist: the legacy XML-RPC API (v1) keyed by an increasing patch
// ID watermark, and the REST API (v2) keyed by an ISO-8601 timestamp
// watermark with Link-header pagination. Both normalize their wire formats
// into the canonical types below before anything leaves this package.
package patchwork

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/example/patchwatch/pkg/result"
)

// DefaultSkipPatterns match names of patches that are not kernel code
// submissions and must never be scheduled for testing.
var DefaultSkipPatterns = []string{
	`\[[^\]]*iproute.*?\]`,
	`\[[^\]]*pktgen.*?\]`,
	`\[[^\]]*ethtool.*?\]`,
	`\[[^\]]*git.*?\]`,
	`\[[^\]]*pull.*?\]`,
	`pull.?request`,
}

var (
	// positionRE extracts "[i/N]" series position tags from patch names.
	positionRE = regexp.MustCompile(`\[.*?(\d+)/(\d+).*?\]`)

	// seriesMsgIDRE extracts the part of a message ID that is unique to a
	// series but common between its e-mails.
	seriesMsgIDRE = regexp.MustCompile(`^\<(\d+\W\d+)\W\d+.*@`)

	// patchURLRE splits a patch URL back into base URL and patch ID.
	patchURLRE = regexp.MustCompile(`^(.*)/patch/(\d+)$`)

	// angleAddrRE extracts the address part of an e-mail header value.
	angleAddrRE = regexp.MustCompile(`\<([^\>]+)\>`)
)

// CompileSkipPatterns builds the case-insensitive skip matcher from the
// default patterns plus any extra user-supplied ones.
func CompileSkipPatterns(extra []string) (*regexp.Regexp, error) {
	patterns := make([]string, 0, len(DefaultSkipPatterns)+len(extra))
	patterns = append(patterns, DefaultSkipPatterns...)
	patterns = append(patterns, extra...)

	re, err := regexp.Compile("(?i)" + strings.Join(patterns, "|"))
	if err != nil {
		return nil, fmt.Errorf("compiling skip patterns: %w", err)
	}

	return re, nil
}

// Patch is the canonical patch reference shared across the tracker
// variants, the store and the watcher.
type Patch struct {
	ID        int64
	Name      string
	URL       string
	Date      string
	BaseURL   string
	ProjectID int
	// Mbox is the raw message URL. Empty when it has to be derived from the
	// patch URL.
	Mbox string
}

// MboxURL returns the URL of the patch's raw message.
func (p Patch) MboxURL() string {
	if p.Mbox != "" {
		return p.Mbox
	}

	return p.URL + "/mbox"
}

// PatchDetail is a Patch plus the series memberships the protocol reports.
// SeriesIDs is empty on the XML-RPC variant, which has no series objects.
type PatchDetail struct {
	Patch
	SeriesIDs []int64
}

// Series is a complete patch series ready for testing.
type Series struct {
	// MessageID and Subject identify the message representing the series
	// (the last patch's, matching the order patches are summarized in).
	MessageID string
	Subject   string
	// Emails is the set of addresses involved with the series.
	Emails map[string]struct{}
	// Patches are the member patches in apply order.
	Patches []Patch
	// CoverLetter is nil when the protocol cannot provide one.
	CoverLetter *Patch
}

// PatchURLs returns the member patch URLs in apply order.
func (s *Series) PatchURLs() []string {
	urls := make([]string, 0, len(s.Patches))
	for _, p := range s.Patches {
		urls = append(urls, p.URL)
	}

	return urls
}

// MboxURLs returns the member patch mbox URLs in apply order.
func (s *Series) MboxURLs() []string {
	urls := make([]string, 0, len(s.Patches))
	for _, p := range s.Patches {
		urls = append(urls, p.MboxURL())
	}

	return urls
}

// EmailList returns the involved addresses sorted, so anything joining them
// into job parameters is deterministic.
func (s *Series) EmailList() []string {
	list := make([]string, 0, len(s.Emails))
	for addr := range s.Emails {
		list = append(list, addr)
	}

	sort.Strings(list)

	return list
}

// Tracker is the query surface the watcher needs from a patch tracker
// source.
type Tracker interface {
	// BaseURL returns the source's base URL.
	BaseURL() string

	// ProjectID returns the source's numeric project ID.
	ProjectID() int

	// GetNewSeries returns complete series that appeared past the
	// watermark, excluding series already recorded as tested. The
	// watermark advances monotonically once all pages are drawn.
	GetNewSeries(ctx context.Context) ([]Series, error)

	// GetSeriesForPatchIDs re-resolves previously seen patch IDs into
	// complete series, deduplicating by series.
	GetSeriesForPatchIDs(ctx context.Context, ids []int64) ([]Series, error)

	// GetPatchByID returns one patch with its project and series
	// memberships, or (nil, nil) when the tracker has no such patch.
	GetPatchByID(ctx context.Context, id int64) (*PatchDetail, error)

	// SetPatchCheck posts a per-patch check result pointing at the CI
	// build. A no-op on protocols without a check API.
	SetPatchCheck(ctx context.Context, patchID int64, targetURL string, res result.Result) error
}

// TestedChecker reports whether a series already has a persisted test
// result. Satisfied by the store.
type TestedChecker interface {
	GetSeriesResult(ctx context.Context, seriesID int64) (*result.Result, error)
}

// WatermarkSource yields the last patch a source was polled up to, so a
// tracker constructed without an explicit starting point can resume where
// the previous run stopped. Satisfied by the store.
type WatermarkSource interface {
	GetLastCheckedPatch(ctx context.Context, baseURL string, projectID int) (int64, error)
	GetLastPendingPatch(ctx context.Context, baseURL string, projectID int) (int64, error)
	GetLastCheckedPatchDate(ctx context.Context, baseURL string, projectID int) (string, error)
	GetLastPendingPatchDate(ctx context.Context, baseURL string, projectID int) (string, error)
}

// ParsePatchURL splits a patch URL into its base URL and patch ID.
func ParsePatchURL(url string) (string, int64, error) {
	m := patchURLRE.FindStringSubmatch(url)
	if m == nil {
		return "", 0, fmt.Errorf("malformed patch url: %s", url)
	}

	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed patch url: %s", url)
	}

	return m[1], id, nil
}

// patchURL formats the canonical web URL of a patch.
func patchURL(baseURL string, id int64) string {
	return fmt.Sprintf("%s/patch/%d", baseURL, id)
}

// seriesPosition extracts the "[i/N]" position tag from a patch name.
// ok is false when the name carries no tag, which makes the patch a
// complete single-patch series.
func seriesPosition(name string) (pos, total int, ok bool) {
	m := positionRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}

	pos, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}

	total, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}

	return pos, total, true
}

// deriveSeriesID produces the series grouping key for a loose patch. The
// preferred key is the message ID prefix shared between a series' e-mails;
// the fallback combines submitter and series length and is hardly unique,
// which is a known limitation of the upstream identification scheme.
func deriveSeriesID(messageID string, submitterID int64, total int) string {
	if m := seriesMsgIDRE.FindStringSubmatch(messageID); m != nil {
		return m[1]
	}

	return fmt.Sprintf("%d_%d", submitterID, total)
}

// normalizeDate converts tracker timestamps to the ISO-8601 "T" separator
// form used everywhere downstream.
func normalizeDate(date string) string {
	return strings.Replace(date, " ", "T", 1)
}

// addressesFrom collects e-mail addresses from raw header values. Values
// are comma-split; addresses in angle brackets are extracted, bare
// addresses taken as-is.
func addressesFrom(dst map[string]struct{}, headerValues ...string) {
	for _, value := range headerValues {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			if m := angleAddrRE.FindStringSubmatch(part); m != nil {
				dst[m[1]] = struct{}{}
			} else {
				dst[part] = struct{}{}
			}
		}
	}
}
