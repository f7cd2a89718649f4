package patchwork

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/patchwatch/pkg/config"
	"github.com/example/patchwatch/pkg/result"
)

type fakeRPC struct {
	version  interface{}
	projects []rpcProject
	listing  []rpcPatch
	patches  map[int64]rpcPatch
	mboxes   map[int64]string

	calls      []string
	lastFilter map[string]interface{}
}

func (f *fakeRPC) Call(method string, args interface{}, reply interface{}) error {
	f.calls = append(f.calls, method)

	switch method {
	case "pw_rpc_version":
		*(reply.(*interface{})) = f.version
	case "project_list":
		*(reply.(*[]rpcProject)) = f.projects
	case "patch_list":
		f.lastFilter = args.(map[string]interface{})
		*(reply.(*[]rpcPatch)) = f.listing
	case "patch_get":
		*(reply.(*rpcPatch)) = f.patches[args.(int64)]
	case "patch_get_mbox":
		*(reply.(*string)) = f.mboxes[args.(int64)]
	default:
		return fmt.Errorf("unexpected method %s", method)
	}

	return nil
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		version:  int64(1),
		projects: []rpcProject{{ID: 5, Name: "netdev", LinkName: "netdev"}},
		patches:  make(map[int64]rpcPatch),
		mboxes:   make(map[int64]string),
	}
}

func (f *fakeRPC) addPatch(p rpcPatch, mbox string) {
	f.patches[p.ID] = p
	f.mboxes[p.ID] = mbox
}

func mboxMessage(msgID, subject, from, to, cc string) string {
	var b strings.Builder

	b.WriteString("From: " + from + "\n")

	if to != "" {
		b.WriteString("To: " + to + "\n")
	}

	if cc != "" {
		b.WriteString("Cc: " + cc + "\n")
	}

	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Message-ID: " + msgID + "\n")
	b.WriteString("\nbody\n")

	return b.String()
}

func newTestXMLRPC(t *testing.T, rpc *fakeRPC) *xmlrpcTracker {
	t.Helper()

	cfg := &config.TrackerConfig{
		BaseURL:   "https://patchwork.example.com/",
		Project:   "netdev",
		LastPatch: 1000,
	}

	tr, err := newXMLRPC(context.Background(), testLogger(), cfg, rpc, nil)
	require.NoError(t, err)

	return tr
}

func TestNewXMLRPC_VersionCheck(t *testing.T) {
	tests := []struct {
		name    string
		version interface{}
		wantErr bool
	}{
		{name: "plain 1", version: int64(1)},
		{name: "triple", version: []interface{}{int64(1), int64(3), int64(0)}},
		{name: "unknown scalar", version: int64(99), wantErr: true},
		{name: "unknown triple", version: []interface{}{int64(2), int64(0), int64(0)}, wantErr: true},
		{name: "garbage", version: "new", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := newFakeRPC()
			rpc.version = tt.version

			cfg := &config.TrackerConfig{BaseURL: "https://pw.example.com", Project: "netdev", LastPatch: 1}

			_, err := newXMLRPC(context.Background(), testLogger(), cfg, rpc, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported xmlrpc version")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewXMLRPC_ProjectLookup(t *testing.T) {
	rpc := newFakeRPC()

	tr := newTestXMLRPC(t, rpc)
	assert.Equal(t, 5, tr.ProjectID())
	assert.Equal(t, "https://patchwork.example.com", tr.BaseURL())

	rpc.projects = []rpcProject{{ID: 9, Name: "other", LinkName: "other"}}

	cfg := &config.TrackerConfig{BaseURL: "https://pw.example.com", Project: "netdev", LastPatch: 1}

	_, err := newXMLRPC(context.Background(), testLogger(), cfg, rpc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestNewXMLRPC_WatermarkFromStore(t *testing.T) {
	rpc := newFakeRPC()

	cfg := &config.TrackerConfig{BaseURL: "https://pw.example.com", Project: "netdev"}

	tr, err := newXMLRPC(context.Background(), testLogger(), cfg, rpc, &fakeMarks{
		checkedID: 900,
		pendingID: 1500,
	})
	require.NoError(t, err)

	// The higher of the stored checked/pending IDs seeds the watermark.
	assert.EqualValues(t, 1500, tr.lastPatch)
}

func TestNewXMLRPC_NeverPolled(t *testing.T) {
	rpc := newFakeRPC()

	cfg := &config.TrackerConfig{BaseURL: "https://pw.example.com", Project: "netdev"}

	_, err := newXMLRPC(context.Background(), testLogger(), cfg, rpc, &fakeMarks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never polled")
}

func TestXMLRPCTracker_GetNewSeries(t *testing.T) {
	rpc := newFakeRPC()

	p1 := rpcPatch{
		ID:          1001,
		Name:        "[PATCH 1/2] net: add frobnication",
		Date:        "2018-05-01 10:00:00",
		MessageID:   "<20180501123456.1000-1-dev1@example.com>",
		ProjectID:   5,
		SubmitterID: 77,
	}
	p2 := rpcPatch{
		ID:          1002,
		Name:        "[PATCH 2/2] net: frobnication docs",
		Date:        "2018-05-01 10:00:01",
		MessageID:   "<20180501123456.1000-2-dev1@example.com>",
		ProjectID:   5,
		SubmitterID: 77,
	}
	single := rpcPatch{
		ID:          2000,
		Name:        "mm: fix a leak",
		Date:        "2018-05-01 11:00:00",
		MessageID:   "<lonely@example.com>",
		ProjectID:   5,
		SubmitterID: 78,
	}

	rpc.addPatch(p1, mboxMessage(p1.MessageID, p1.Name,
		"Dev One <dev1@example.com>", "netdev <netdev@vger.kernel.org>", ""))
	rpc.addPatch(p2, mboxMessage(p2.MessageID, p2.Name,
		"Dev One <dev1@example.com>", "netdev <netdev@vger.kernel.org>", "Maint <maint@example.com>"))
	rpc.addPatch(single, mboxMessage(single.MessageID, single.Name,
		"Dev Two <dev2@example.com>", "mm <linux-mm@kvack.org>", ""))

	// Out of order listing: the pair completes when its first patch
	// arrives last.
	rpc.listing = []rpcPatch{p2, p1, single}

	tr := newTestXMLRPC(t, rpc)

	series, err := tr.GetNewSeries(context.Background())
	require.NoError(t, err)
	require.Len(t, series, 2)

	require.EqualValues(t, 1000, rpc.lastFilter["id__gt"])
	require.EqualValues(t, 5, rpc.lastFilter["project_id"])

	pair := series[0]
	assert.Equal(t, "<20180501123456.1000-2-dev1@example.com>", pair.MessageID)
	assert.Equal(t, "[PATCH 2/2] net: frobnication docs", pair.Subject)
	assert.Equal(t,
		[]string{"dev1@example.com", "maint@example.com", "netdev@vger.kernel.org"},
		pair.EmailList())
	assert.Equal(t, []string{
		"https://patchwork.example.com/patch/1001",
		"https://patchwork.example.com/patch/1002",
	}, pair.PatchURLs())
	assert.Equal(t, "2018-05-01T10:00:00", pair.Patches[0].Date)

	lone := series[1]
	assert.Equal(t, "<lonely@example.com>", lone.MessageID)
	assert.Equal(t, []string{"https://patchwork.example.com/patch/2000"}, lone.PatchURLs())

	assert.EqualValues(t, 2000, tr.lastPatch)

	// Nothing new on the next poll.
	rpc.listing = nil

	series, err = tr.GetNewSeries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, series)
	assert.EqualValues(t, 2000, rpc.lastFilter["id__gt"])
}

func TestXMLRPCTracker_GetSeriesForPatchIDs(t *testing.T) {
	rpc := newFakeRPC()

	p1 := rpcPatch{
		ID:          1001,
		Name:        "[PATCH 1/2] net: add frobnication",
		MessageID:   "<20180501123456.1000-1-dev1@example.com>",
		SubmitterID: 77,
	}
	p2 := rpcPatch{
		ID:          1002,
		Name:        "[PATCH 2/2] net: frobnication docs",
		MessageID:   "<20180501123456.1000-2-dev1@example.com>",
		SubmitterID: 77,
	}

	rpc.addPatch(p1, mboxMessage(p1.MessageID, p1.Name, "Dev One <dev1@example.com>", "", ""))
	rpc.addPatch(p2, mboxMessage(p2.MessageID, p2.Name, "Dev One <dev1@example.com>", "", ""))

	tr := newTestXMLRPC(t, rpc)

	// 404 is unknown to the tracker and gets skipped.
	series, err := tr.GetSeriesForPatchIDs(context.Background(), []int64{1001, 404, 1002})
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, []string{
		"https://patchwork.example.com/patch/1001",
		"https://patchwork.example.com/patch/1002",
	}, series[0].PatchURLs())
}

func TestXMLRPCTracker_GetPatchByID(t *testing.T) {
	rpc := newFakeRPC()
	rpc.addPatch(rpcPatch{ID: 1001, Name: "net: oneliner"}, "")

	tr := newTestXMLRPC(t, rpc)

	ctx := context.Background()

	detail, err := tr.GetPatchByID(ctx, 1001)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "https://patchwork.example.com/patch/1001", detail.URL)
	assert.Equal(t, 5, detail.ProjectID)
	assert.Empty(t, detail.SeriesIDs)

	missing, err := tr.GetPatchByID(ctx, 404)
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Checks are a silent no-op on this interface.
	require.NoError(t, tr.SetPatchCheck(ctx, 1001, "https://ci.example.com/job/1", result.ResultSuccess))
}

func TestXMLRPCTracker_PatchMessageEnvelope(t *testing.T) {
	rpc := newFakeRPC()
	rpc.mboxes[7] = "From dev1@example.com Tue May  1 10:00:00 2018\n" +
		mboxMessage("<enveloped@example.com>", "net: enveloped", "Dev One <dev1@example.com>", "", "")

	tr := newTestXMLRPC(t, rpc)

	info, err := tr.PatchMessage(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "<enveloped@example.com>", info.MessageID)
	assert.Equal(t, "net: enveloped", info.Subject)
	assert.Contains(t, info.Emails, "dev1@example.com")
}
