package patchwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/result"
)

// Check states of the REST check API.
const (
	checkPending = 0
	checkSuccess = 1
	checkWarning = 2
	checkFail    = 3
)

// checkContext names this system in the per-patch checks it posts.
const checkContext = "patchwatch"

var errNotFound = errors.New("not found")

// nextLinkRE extracts the next page URL from a Link response header.
var nextLinkRE = regexp.MustCompile(`<(.*)>; rel="next"`)

var trackerTimeLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// parseTrackerTime parses the timestamp formats the tracker reports.
func parseTrackerTime(s string) (time.Time, error) {
	s = normalizeDate(s)
	for _, layout := range trackerTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}

	return time.Time{}, fmt.Errorf("unparseable tracker timestamp: %q", s)
}

type restProject struct {
	ID int `json:"id"`
}

type restSeriesRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type restCover struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Date string `json:"date"`
	Mbox string `json:"mbox"`
}

type restPatch struct {
	ID      int64                  `json:"id"`
	Name    string                 `json:"name"`
	Date    string                 `json:"date"`
	Mbox    string                 `json:"mbox"`
	Checks  string                 `json:"checks"`
	Project restProject            `json:"project"`
	Series  []restSeriesRef        `json:"series"`
	Headers map[string]interface{} `json:"headers"`
}

type restSeries struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	ReceivedAll bool        `json:"received_all"`
	Patches     []restPatch `json:"patches"`
	CoverLetter *restCover  `json:"cover_letter"`
}

type restTracker struct {
	log     logrus.FieldLogger
	client  *http.Client
	limiter *rate.Limiter

	baseURL   string
	apiKey    string
	apiURLs   map[string]string
	projectID int
	skip      *regexp.Regexp
	tested    TestedChecker

	// since is the watermark: only patches strictly newer than it are
	// considered. Advanced after a complete pagination pass.
	since time.Time
}

var _ Tracker = (*restTracker)(nil)
var _ HeaderSource = (*restTracker)(nil)

// NewREST creates a tracker client for the Patchwork REST API. The since
// watermark is an ISO-8601 patch timestamp: patches with it or an earlier
// timestamp are ignored. It comes from cfg.Since, or, when that is unset,
// from the source's stored watermark; a source that was never polled needs
// the operator to provide one.
func NewREST(ctx context.Context, log logrus.FieldLogger, cfg *config.TrackerConfig, marks WatermarkSource, tested TestedChecker) (Tracker, error) {
	skip, err := CompileSkipPatterns(cfg.Skip)
	if err != nil {
		return nil, err
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	t := &restTracker{
		log: log.WithFields(logrus.Fields{
			"component": "patchwork",
			"tracker":   cfg.BaseURL,
		}),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		skip:    skip,
		tested:  tested,
	}

	body, _, err := t.get(ctx, t.baseURL+"/api")
	if err != nil {
		return nil, fmt.Errorf("fetching api urls: %w", err)
	}

	if err := json.Unmarshal(body, &t.apiURLs); err != nil {
		return nil, fmt.Errorf("decoding api urls: %w", err)
	}

	body, _, err = t.get(ctx, fmt.Sprintf("%s/%s", t.apiURLs["projects"], cfg.Project))
	if err != nil {
		return nil, fmt.Errorf("fetching project %s: %w", cfg.Project, err)
	}

	var proj restProject
	if err := json.Unmarshal(body, &proj); err != nil {
		return nil, fmt.Errorf("decoding project %s: %w", cfg.Project, err)
	}

	t.projectID = proj.ID

	since := cfg.Since
	if since == "" && marks != nil {
		checked, err := marks.GetLastCheckedPatchDate(ctx, t.baseURL, t.projectID)
		if err != nil {
			return nil, err
		}

		pending, err := marks.GetLastPendingPatchDate(ctx, t.baseURL, t.projectID)
		if err != nil {
			return nil, err
		}

		// Dates are ISO-8601, so string comparison orders them.
		since = checked
		if pending > since {
			since = pending
		}
	}
	if since == "" {
		return nil, fmt.Errorf("project %s on %s was never polled, configure an initial since date", cfg.Project, cfg.BaseURL)
	}

	t.since, err = parseTrackerTime(since)
	if err != nil {
		return nil, fmt.Errorf("parsing watermark: %w", err)
	}

	return t, nil
}

func (t *restTracker) BaseURL() string {
	return t.baseURL
}

func (t *restTracker) ProjectID() int {
	return t.projectID
}

// GetNewSeries walks the patch list past the watermark, page by page,
// resolving each patch's series memberships into complete series summaries.
// Series already seen in this pass or already recorded as tested are
// skipped. The watermark advances to the newest patch timestamp seen, once
// all pages are drawn.
func (t *restTracker) GetNewSeries(ctx context.Context) ([]Series, error) {
	// The API treats since as inclusive, so step just past the watermark.
	nsince := t.since.Add(time.Second)

	u := fmt.Sprintf("%s?project=%d&since=%s",
		t.apiURLs["patches"],
		t.projectID,
		url.QueryEscape(nsince.Format("2006-01-02T15:04:05")))

	t.log.WithField("since", nsince).Debug("Fetching new series")

	var (
		out     []Series
		maxDate = t.since
		seen    = make(map[int64]struct{})
	)

	for u != "" {
		body, hdr, err := t.get(ctx, u)
		if err != nil {
			return nil, err
		}

		page, err := decodePatchList(body)
		if err != nil {
			return nil, fmt.Errorf("decoding patch list: %w", err)
		}

		for _, p := range page {
			if ts, err := parseTrackerTime(p.Date); err == nil && ts.After(maxDate) {
				maxDate = ts
			}

			got, err := t.seriesOfPatch(ctx, p, seen)
			if err != nil {
				return nil, err
			}

			out = append(out, got...)
		}

		u = nextLink(hdr)
	}

	t.since = maxDate

	return out, nil
}

// GetSeriesForPatchIDs resolves the given patch IDs back into complete
// series summaries, deduplicating series shared between patches. Patches
// the tracker no longer has are skipped.
func (t *restTracker) GetSeriesForPatchIDs(ctx context.Context, ids []int64) ([]Series, error) {
	var out []Series

	seen := make(map[int64]struct{})

	for _, id := range ids {
		detail, err := t.GetPatchByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if detail == nil {
			continue
		}

		for _, sid := range detail.SeriesIDs {
			if _, ok := seen[sid]; ok {
				continue
			}

			got, err := t.seriesFromURL(ctx, fmt.Sprintf("%s/%d", t.apiURLs["series"], sid))
			if err != nil {
				return nil, err
			}

			out = append(out, got...)
			seen[sid] = struct{}{}
		}
	}

	return out, nil
}

func (t *restTracker) GetPatchByID(ctx context.Context, id int64) (*PatchDetail, error) {
	body, _, err := t.get(ctx, fmt.Sprintf("%s/%d", t.apiURLs["patches"], id))
	if errors.Is(err, errNotFound) {
		t.log.WithField("patch", id).Warn("Patch not found")

		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var p restPatch
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding patch %d: %w", id, err)
	}

	detail := &PatchDetail{
		Patch: Patch{
			ID:        p.ID,
			Name:      p.Name,
			URL:       patchURL(t.baseURL, p.ID),
			Date:      normalizeDate(p.Date),
			BaseURL:   t.baseURL,
			ProjectID: p.Project.ID,
			Mbox:      p.Mbox,
		},
	}

	for _, ref := range p.Series {
		detail.SeriesIDs = append(detail.SeriesIDs, ref.ID)
	}

	return detail, nil
}

// SetPatchCheck posts a per-patch check pointing at the CI build. Posting
// failures are logged, not propagated: checks are best-effort feedback.
func (t *restTracker) SetPatchCheck(ctx context.Context, patchID int64, targetURL string, res result.Result) error {
	if t.apiKey == "" {
		t.log.Debug("No api key configured, not setting checks")

		return nil
	}

	body, _, err := t.get(ctx, fmt.Sprintf("%s/%d", t.apiURLs["patches"], patchID))
	if err != nil {
		return fmt.Errorf("fetching patch %d for check: %w", patchID, err)
	}

	var p restPatch
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decoding patch %d: %w", patchID, err)
	}

	payload := map[string]interface{}{
		"patch":      patchID,
		"target_url": targetURL,
		"context":    checkContext,
	}

	switch res {
	case result.ResultSuccess:
		payload["state"] = checkSuccess
		payload["description"] = "patchwatch boot test"
	case result.ResultBaselineFailure:
		payload["state"] = checkWarning
		payload["description"] = "Baseline failure found while testing this patch"
	default:
		payload["state"] = checkFail
		payload["description"] = res.String()
	}

	status, err := t.postJSON(ctx, p.Checks, payload)
	if err != nil {
		return err
	}

	if status != http.StatusOK && status != http.StatusCreated {
		t.log.WithFields(logrus.Fields{"patch": patchID, "status": status}).Warn("Failed to post patch check")
	}

	return nil
}

// PatchMessage extracts the message headers of one patch.
func (t *restTracker) PatchMessage(ctx context.Context, patchID int64) (MessageInfo, error) {
	body, _, err := t.get(ctx, fmt.Sprintf("%s/%d", t.apiURLs["patches"], patchID))
	if err != nil {
		return MessageInfo{}, fmt.Errorf("fetching patch %d: %w", patchID, err)
	}

	var p restPatch
	if err := json.Unmarshal(body, &p); err != nil {
		return MessageInfo{}, fmt.Errorf("decoding patch %d: %w", patchID, err)
	}

	headers := make(map[string]string, len(p.Headers))
	for key, value := range p.Headers {
		headers[strings.ToLower(key)] = headerString(value)
	}

	info := MessageInfo{
		MessageID: headers["message-id"],
		Subject:   headers["subject"],
		Emails:    make(map[string]struct{}),
	}

	addressesFrom(info.Emails, headers["from"], headers["to"], headers["cc"])

	return info, nil
}

// seriesOfPatch resolves one patch's series memberships into summaries,
// skipping series already handled in this pass or already tested.
func (t *restTracker) seriesOfPatch(ctx context.Context, p restPatch, seen map[int64]struct{}) ([]Series, error) {
	var out []Series

	for _, ref := range p.Series {
		if _, ok := seen[ref.ID]; ok {
			continue
		}

		if t.tested != nil {
			res, err := t.tested.GetSeriesResult(ctx, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("checking series %d: %w", ref.ID, err)
			}

			if res != nil {
				t.log.WithFields(logrus.Fields{"series": ref.ID, "name": ref.Name}).Info("Skipping already tested series")

				continue
			}
		}

		got, err := t.seriesFromURL(ctx, fmt.Sprintf("%s/%d", t.apiURLs["series"], ref.ID))
		if err != nil {
			return nil, err
		}

		out = append(out, got...)
		seen[ref.ID] = struct{}{}
	}

	return out, nil
}

// seriesFromURL fetches a series (or series list) URL and summarizes every
// complete, non-skipped series in it, following pagination.
func (t *restTracker) seriesFromURL(ctx context.Context, u string) ([]Series, error) {
	var out []Series

	for u != "" {
		body, hdr, err := t.get(ctx, u)
		if err != nil {
			return nil, err
		}

		list, err := decodeSeriesList(body)
		if err != nil {
			return nil, fmt.Errorf("decoding series: %w", err)
		}

		for _, s := range list {
			if !s.ReceivedAll {
				t.log.WithFields(logrus.Fields{"series": s.ID, "name": s.Name}).Info("Skipping incomplete series")

				continue
			}

			if t.skip.MatchString(s.Name) {
				t.log.WithFields(logrus.Fields{"series": s.ID, "name": s.Name}).Info("Skipping series")

				continue
			}

			summary, err := t.summarize(ctx, s)
			if err != nil {
				return nil, err
			}

			if len(summary.Patches) > 0 {
				out = append(out, *summary)
			}
		}

		u = nextLink(hdr)
	}

	return out, nil
}

// summarize builds a series summary. Per-patch header fetches run with
// bounded parallelism; the e-mail union is order-insensitive and the
// representative message ID and subject still come from the last patch in
// apply order.
func (t *restTracker) summarize(ctx context.Context, s restSeries) (*Series, error) {
	infos := make([]MessageInfo, len(s.Patches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, p := range s.Patches {
		i, p := i, p

		g.Go(func() error {
			info, err := t.PatchMessage(gctx, p.ID)
			if err != nil {
				return err
			}

			infos[i] = info

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Series{Emails: make(map[string]struct{})}

	for i, p := range s.Patches {
		summary.Patches = append(summary.Patches, Patch{
			ID:        p.ID,
			Name:      p.Name,
			URL:       patchURL(t.baseURL, p.ID),
			Date:      normalizeDate(p.Date),
			BaseURL:   t.baseURL,
			ProjectID: t.projectID,
			Mbox:      p.Mbox,
		})

		summary.MessageID = infos[i].MessageID
		summary.Subject = infos[i].Subject

		for addr := range infos[i].Emails {
			summary.Emails[addr] = struct{}{}
		}
	}

	if s.CoverLetter != nil {
		summary.CoverLetter = &Patch{
			ID:        s.CoverLetter.ID,
			Name:      s.CoverLetter.Name,
			URL:       fmt.Sprintf("%s/cover/%d", t.baseURL, s.CoverLetter.ID),
			Date:      normalizeDate(s.CoverLetter.Date),
			BaseURL:   t.baseURL,
			ProjectID: t.projectID,
			Mbox:      s.CoverLetter.Mbox,
		}
	}

	return summary, nil
}

// get performs a rate-limited GET and returns the body and headers.
// A 404 response maps to errNotFound.
func (t *restTracker) get(ctx context.Context, rawURL string) ([]byte, http.Header, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, fmt.Errorf("GET %s: %w", rawURL, errNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	return body, resp.Header, nil
}

// postJSON performs a rate-limited authenticated POST and returns the
// response status code.
func (t *restTracker) postJSON(ctx context.Context, rawURL string, payload interface{}) (int, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("reading response: %w", err)
	}

	return resp.StatusCode, nil
}

// nextLink extracts the next page URL from a Link header.
func nextLink(hdr http.Header) string {
	link := hdr.Get("Link")
	if link == "" {
		return ""
	}

	if m := nextLinkRE.FindStringSubmatch(link); m != nil {
		return m[1]
	}

	return ""
}

// decodePatchList decodes a patch list response, tolerating the API's
// single-object form for one-element results.
func decodePatchList(data []byte) ([]restPatch, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []restPatch

		err := json.Unmarshal(data, &list)

		return list, err
	}

	var one restPatch
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}

	return []restPatch{one}, nil
}

// decodeSeriesList decodes a series response, tolerating both the single
// object and the list form.
func decodeSeriesList(data []byte) ([]restSeries, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []restSeries

		err := json.Unmarshal(data, &list)

		return list, err
	}

	var one restSeries
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}

	return []restSeries{one}, nil
}

// headerString flattens a header value that the API may report as either a
// string or a list of strings.
func headerString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case []interface{}:
		parts := make([]string, 0, len(value))

		for _, item := range value {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}

		return strings.Join(parts, "\n\n")
	}

	return ""
}
