package patchwork

import (
	"context"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/result"
)

// defaultMaxOpenSeries bounds how many partially received series the
// legacy tracker keeps across polls.
const defaultMaxOpenSeries = 512

// rpcCaller is the XML RPC transport surface, satisfied by xmlrpc.Client.
type rpcCaller interface {
	Call(serviceMethod string, args interface{}, reply interface{}) error
}

type rpcProject struct {
	ID       int    `xmlrpc:"id"`
	Name     string `xmlrpc:"name"`
	LinkName string `xmlrpc:"linkname"`
}

type rpcPatch struct {
	ID          int64  `xmlrpc:"id"`
	Name        string `xmlrpc:"name"`
	Date        string `xmlrpc:"date"`
	MessageID   string `xmlrpc:"msgid"`
	ProjectID   int    `xmlrpc:"project_id"`
	SubmitterID int64  `xmlrpc:"submitter_id"`
}

// xmlrpcTracker talks to the legacy Patchwork XML RPC interface. The
// interface has no series model, so series are reassembled client side
// from patch names and message IDs.
type xmlrpcTracker struct {
	log logrus.FieldLogger
	rpc rpcCaller

	baseURL   string
	projectID int
	agg       *Aggregator

	// lastPatch is the watermark: only patches with a greater ID are
	// considered. Advanced after a complete listing pass.
	lastPatch int64
}

var _ Tracker = (*xmlrpcTracker)(nil)
var _ HeaderSource = (*xmlrpcTracker)(nil)

// NewXMLRPC creates a tracker client for the legacy Patchwork XML RPC
// interface. The watermark is the highest patch ID already processed,
// taken from cfg.LastPatch or, when that is unset, the highest checked
// or pending patch the source has on record.
func NewXMLRPC(ctx context.Context, log logrus.FieldLogger, cfg *config.TrackerConfig, marks WatermarkSource) (Tracker, error) {
	rpc, err := xmlrpc.NewClient(strings.TrimRight(cfg.BaseURL, "/")+"/xmlrpc/", nil)
	if err != nil {
		return nil, fmt.Errorf("creating xmlrpc client: %w", err)
	}

	return newXMLRPC(ctx, log, cfg, rpc, marks)
}

func newXMLRPC(ctx context.Context, log logrus.FieldLogger, cfg *config.TrackerConfig, rpc rpcCaller, marks WatermarkSource) (*xmlrpcTracker, error) {
	skip, err := CompileSkipPatterns(cfg.Skip)
	if err != nil {
		return nil, err
	}

	t := &xmlrpcTracker{
		log: log.WithFields(logrus.Fields{
			"component": "patchwork",
			"tracker":   cfg.BaseURL,
		}),
		rpc:     rpc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}

	var version interface{}
	if err := t.rpc.Call("pw_rpc_version", nil, &version); err != nil {
		return nil, fmt.Errorf("querying xmlrpc version: %w", err)
	}

	if !supportedRPCVersion(version) {
		return nil, fmt.Errorf("unsupported xmlrpc version %v", version)
	}

	var projects []rpcProject
	if err := t.rpc.Call("project_list", cfg.Project, &projects); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	found := false

	for _, p := range projects {
		if p.LinkName == cfg.Project {
			t.projectID = p.ID
			found = true

			break
		}
	}

	if !found {
		return nil, fmt.Errorf("project %s not found", cfg.Project)
	}

	t.lastPatch = cfg.LastPatch
	if t.lastPatch == 0 && marks != nil {
		checked, err := marks.GetLastCheckedPatch(ctx, t.baseURL, t.projectID)
		if err != nil {
			return nil, err
		}

		pending, err := marks.GetLastPendingPatch(ctx, t.baseURL, t.projectID)
		if err != nil {
			return nil, err
		}

		t.lastPatch = checked
		if pending > t.lastPatch {
			t.lastPatch = pending
		}
	}

	if t.lastPatch == 0 {
		return nil, fmt.Errorf("project %s on %s was never polled, configure an initial last patch id", cfg.Project, cfg.BaseURL)
	}

	t.agg = NewAggregator(t.log, t, skip, defaultMaxOpenSeries)

	return t, nil
}

func (t *xmlrpcTracker) BaseURL() string {
	return t.baseURL
}

func (t *xmlrpcTracker) ProjectID() int {
	return t.projectID
}

// GetNewSeries lists patches past the watermark and feeds them to the
// series aggregator, returning whichever series completed. The watermark
// advances to the highest patch ID seen, once the full listing is
// processed.
func (t *xmlrpcTracker) GetNewSeries(ctx context.Context) ([]Series, error) {
	t.log.WithField("lastpatch", t.lastPatch).Debug("Fetching new series")

	filter := map[string]interface{}{
		"project_id": t.projectID,
		"id__gt":     t.lastPatch,
	}

	var patches []rpcPatch
	if err := t.rpc.Call("patch_list", filter, &patches); err != nil {
		return nil, fmt.Errorf("listing patches: %w", err)
	}

	var (
		out   []Series
		maxID = t.lastPatch
	)

	for _, p := range patches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.ID > maxID {
			maxID = p.ID
		}

		series, err := t.add(ctx, p)
		if err != nil {
			return nil, err
		}

		if series != nil {
			out = append(out, *series)
		}
	}

	t.lastPatch = maxID

	return out, nil
}

// GetSeriesForPatchIDs feeds the given patches back into the series
// aggregator, returning whichever series completed. Patches the tracker
// no longer has are skipped.
func (t *xmlrpcTracker) GetSeriesForPatchIDs(ctx context.Context, ids []int64) ([]Series, error) {
	var out []Series

	maxID := t.lastPatch

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := t.getPatch(id)
		if err != nil {
			return nil, err
		}

		if p == nil {
			continue
		}

		if p.ID > maxID {
			maxID = p.ID
		}

		series, err := t.add(ctx, *p)
		if err != nil {
			return nil, err
		}

		if series != nil {
			out = append(out, *series)
		}
	}

	t.lastPatch = maxID

	return out, nil
}

func (t *xmlrpcTracker) GetPatchByID(ctx context.Context, id int64) (*PatchDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := t.getPatch(id)
	if err != nil || p == nil {
		return nil, err
	}

	// The XML RPC interface has no series model, so no series IDs here.
	return &PatchDetail{Patch: t.canonical(*p)}, nil
}

// SetPatchCheck is not supported by the XML RPC interface.
func (t *xmlrpcTracker) SetPatchCheck(_ context.Context, patchID int64, _ string, _ result.Result) error {
	t.log.WithField("patch", patchID).Debug("Patch checks not supported over xmlrpc")

	return nil
}

// PatchMessage fetches a patch's mbox and extracts its message headers.
func (t *xmlrpcTracker) PatchMessage(_ context.Context, patchID int64) (MessageInfo, error) {
	var mbox string
	if err := t.rpc.Call("patch_get_mbox", patchID, &mbox); err != nil {
		return MessageInfo{}, fmt.Errorf("fetching mbox for patch %d: %w", patchID, err)
	}

	// Strip the mbox envelope line if present, message parsers want the
	// headers first.
	if strings.HasPrefix(mbox, "From ") {
		if i := strings.IndexByte(mbox, '\n'); i >= 0 {
			mbox = mbox[i+1:]
		}
	}

	msg, err := mail.ReadMessage(strings.NewReader(mbox))
	if err != nil {
		return MessageInfo{}, fmt.Errorf("parsing mbox for patch %d: %w", patchID, err)
	}

	info := MessageInfo{
		MessageID: headerValue(msg.Header, "Message-ID"),
		Subject:   headerValue(msg.Header, "Subject"),
		Emails:    make(map[string]struct{}),
	}

	addressesFrom(info.Emails,
		headerValue(msg.Header, "From"),
		headerValue(msg.Header, "To"),
		headerValue(msg.Header, "Cc"))

	return info, nil
}

func (t *xmlrpcTracker) add(ctx context.Context, p rpcPatch) (*Series, error) {
	return t.agg.Add(ctx, LoosePatch{
		Patch:       t.canonical(p),
		MessageID:   p.MessageID,
		SubmitterID: p.SubmitterID,
	})
}

func (t *xmlrpcTracker) getPatch(id int64) (*rpcPatch, error) {
	var p rpcPatch
	if err := t.rpc.Call("patch_get", id, &p); err != nil {
		return nil, fmt.Errorf("fetching patch %d: %w", id, err)
	}

	// The interface reports missing patches as an empty struct.
	if p.ID == 0 {
		t.log.WithField("patch", id).Warn("Failed to get patch data")

		return nil, nil
	}

	return &p, nil
}

func (t *xmlrpcTracker) canonical(p rpcPatch) Patch {
	projectID := p.ProjectID
	if projectID == 0 {
		projectID = t.projectID
	}

	return Patch{
		ID:        p.ID,
		Name:      p.Name,
		URL:       patchURL(t.baseURL, p.ID),
		Date:      normalizeDate(p.Date),
		BaseURL:   t.baseURL,
		ProjectID: projectID,
	}
}

// supportedRPCVersion reports whether the interface speaks a version we
// understand, either plain 1 or the [1, 3, 0] triple.
func supportedRPCVersion(v interface{}) bool {
	switch ver := v.(type) {
	case int:
		return ver == 1
	case int64:
		return ver == 1
	case []interface{}:
		want := []int64{1, 3, 0}
		if len(ver) != len(want) {
			return false
		}

		for i, item := range ver {
			n, ok := toInt64(item)
			if !ok || n != want[i] {
				return false
			}
		}

		return true
	}

	return false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}

	return 0, false
}

// headerValue joins all values of a message header, multiple occurrences
// are separated by blank lines.
func headerValue(h mail.Header, key string) string {
	values := h[textproto.CanonicalMIMEHeaderKey(key)]

	return strings.Join(values, "\n\n")
}
