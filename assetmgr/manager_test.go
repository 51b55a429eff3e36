/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package assetmgr_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voiceos/assetcore/assetmgr"
	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/request"
	"github.com/voiceos/assetcore/requester"
	"github.com/voiceos/assetcore/urlpolicy"
)

type fsReal struct{}

func (fsReal) MkdirAll(path string) error { return os.MkdirAll(path, 0o755) }
func (fsReal) RemoveAll(path string) error { return os.RemoveAll(path) }
func (fsReal) Move(src, dst string) error  { return os.Rename(src, dst) }
func (fsReal) SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
func (fsReal) PathContainsPrefix(path, prefix string) bool { return true }
func (fsReal) FreeBytes(path string) (uint64, error)       { return 10 << 30, nil }

type fakeHTTP struct {
	responses map[string][]fakeResponse
}

type fakeResponse struct {
	status int
	body   []byte
}

func newFakeHTTP() *fakeHTTP { return &fakeHTTP{responses: make(map[string][]fakeResponse)} }

func (f *fakeHTTP) queue(url string, status int, body []byte) {
	f.responses[url] = append(f.responses[url], fakeResponse{status: status, body: body})
}

func (f *fakeHTTP) Get(ctx context.Context, url string, headers map[string]string, throttled bool, progress external.ProgressFunc) (*external.GetResult, error) {
	queue := f.responses[url]
	if len(queue) == 0 {
		return nil, context.DeadlineExceeded
	}
	next := queue[0]
	if len(queue) > 1 {
		f.responses[url] = queue[1:]
	}
	return &external.GetResult{Body: io.NopCloser(bytes.NewReader(next.body)), ContentLength: int64(len(next.body)), StatusCode: next.status}, nil
}

func (f *fakeHTTP) Head(ctx context.Context, url string, headers map[string]string) (map[string]string, int, error) {
	return map[string]string{"Content-Length": "4"}, 200, nil
}

func newManager(t *testing.T, http external.HTTPClient) (mgr *assetmgr.Manager, bus *notifbus.Bus, base string) {
	t.Helper()
	base = t.TempDir()
	bus = notifbus.New()
	deps := requester.Deps{
		HTTP:      http,
		FS:        fsReal{},
		Bus:       bus,
		AllowList: urlpolicy.New("https://cdn.example.com/"),
		Timing:    config.Test(),
	}
	mgr = assetmgr.New(base, deps)
	require.NoError(t, mgr.Start())
	return mgr, bus, base
}

func sidecarPath(base string, req request.Request) string {
	return filepath.Join(base, "requests", req.Summary())
}

// waitForResourceID polls a sidecar file until it parses with a non-empty
// resourceId, which only happens once the Requester reaches LOADED and
// persists its metadata (spec.md §4.2).
func waitForResourceID(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			if _, resourceID, _, perr := request.Parse(data); perr == nil && resourceID != "" {
				return resourceID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sidecar %q never reached a loaded state", path)
	return ""
}

func TestStartCreatesDirectoryLayout(t *testing.T) {
	_, _, base := newManager(t, newFakeHTTP())
	require.DirExists(t, filepath.Join(base, "requests"))
	require.DirExists(t, filepath.Join(base, "urlWorkingDir"))
	require.DirExists(t, filepath.Join(base, "resources"))
}

func TestDownloadArtifactEndToEnd(t *testing.T) {
	http := newFakeHTTP()
	http.queue("https://cdn.example.com/a.tar", 200, []byte("payload"))
	mgr, _, base := newManager(t, http)

	req := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
	require.NoError(t, mgr.DownloadArtifact(req))

	resourceID := waitForResourceID(t, sidecarPath(base, req))
	require.NotEmpty(t, resourceID)
}

func TestQueueDownloadArtifactViaBusRegisterFunction(t *testing.T) {
	http := newFakeHTTP()
	http.queue("https://cdn.example.com/a.tar", 200, []byte("payload"))
	mgr, _, base := newManager(t, http)

	req := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
	payload, err := request.Marshal(req, "", 0)
	require.NoError(t, err)

	require.True(t, mgr.FunctionToBeInvoked(notifbus.FuncRegisterArtifact, string(payload)))
	waitForResourceID(t, sidecarPath(base, req))
}

func TestQueueDownloadArtifactRejectsMalformedPayload(t *testing.T) {
	mgr, _, _ := newManager(t, newFakeHTTP())
	require.False(t, mgr.QueueDownloadArtifact([]byte("not json")))
}

func TestDeleteArtifactViaBus(t *testing.T) {
	http := newFakeHTTP()
	http.queue("https://cdn.example.com/a.tar", 200, []byte("payload"))
	mgr, _, base := newManager(t, http)

	req := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
	require.NoError(t, mgr.DownloadArtifact(req))
	path := sidecarPath(base, req)
	waitForResourceID(t, path)

	require.True(t, mgr.FunctionToBeInvoked(notifbus.FuncRemoveArtifact, req.Summary()))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteArtifactUnknownSummaryIsIgnored(t *testing.T) {
	mgr, _, _ := newManager(t, newFakeHTTP())
	mgr.DeleteArtifact("does-not-exist")
}

func TestFunctionToBeInvokedRejectsUnknownName(t *testing.T) {
	mgr, _, _ := newManager(t, newFakeHTTP())
	require.False(t, mgr.FunctionToBeInvoked("SomethingElse", "x"))
}

func TestGetSetBudgetDelegatesToStorage(t *testing.T) {
	mgr, _, _ := newManager(t, newFakeHTTP())
	mgr.SetBudgetMB(7)
	require.Equal(t, uint64(7), mgr.GetBudgetMB())
}

// TestStartErasesSidecarMissingResourceID exercises spec.md §8's "sidecar
// with a missing required field is erased at startup" negative scenario.
func TestStartErasesSidecarMissingResourceID(t *testing.T) {
	base := t.TempDir()
	requestsDir := filepath.Join(base, "requests")
	require.NoError(t, os.MkdirAll(requestsDir, 0o755))

	req := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
	data, err := request.Marshal(req, "", 0)
	require.NoError(t, err)
	sidecar := filepath.Join(requestsDir, req.Summary())
	require.NoError(t, os.WriteFile(sidecar, data, 0o644))

	bus := notifbus.New()
	deps := requester.Deps{
		HTTP:      newFakeHTTP(),
		FS:        fsReal{},
		Bus:       bus,
		AllowList: urlpolicy.New("https://cdn.example.com/"),
		Timing:    config.Test(),
	}
	mgr := assetmgr.New(base, deps)
	require.NoError(t, mgr.Start())

	_, err = os.Stat(sidecar)
	require.True(t, os.IsNotExist(err))
	_, ok := bus.ReadProperty(req.Summary() + notifbus.SuffixState)
	require.False(t, ok)
}

// TestFreeUpSpaceRemovesOldestFirstAmongEqualPriority exercises spec.md
// §8's "eviction respects active" scenario's first half: among UNUSED
// Requesters of equal priority, the oldest by last_used_ms is evicted
// first.
func TestFreeUpSpaceRemovesOldestFirstAmongEqualPriority(t *testing.T) {
	http := newFakeHTTP()
	http.queue("https://cdn.example.com/a.tar", 200, bytes.Repeat([]byte("a"), 10))
	http.queue("https://cdn.example.com/b.tar", 200, bytes.Repeat([]byte("b"), 10))
	http.queue("https://cdn.example.com/c.tar", 200, bytes.Repeat([]byte("c"), 10))
	mgr, _, base := newManager(t, http)

	aReq := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
	bReq := &request.UrlRequest{URL: "https://cdn.example.com/b.tar", Filename: "b.tar"}
	cReq := &request.UrlRequest{URL: "https://cdn.example.com/c.tar", Filename: "c.tar"}
	require.NoError(t, mgr.DownloadArtifact(aReq))
	waitForResourceID(t, sidecarPath(base, aReq))
	require.NoError(t, mgr.DownloadArtifact(bReq))
	waitForResourceID(t, sidecarPath(base, bReq))
	require.NoError(t, mgr.DownloadArtifact(cReq))
	waitForResourceID(t, sidecarPath(base, cReq))

	require.True(t, mgr.FreeUpSpace(5))

	_, aErr := os.Stat(sidecarPath(base, aReq))
	require.True(t, os.IsNotExist(aErr), "oldest artifact should have been evicted first")
	require.FileExists(t, sidecarPath(base, bReq))
	require.FileExists(t, sidecarPath(base, cReq))
}

// TestFreeUpSpaceRespectsActivePriority exercises spec.md §8's "eviction
// respects active" scenario: a protected Requester must survive even
// when freeing space for an unrelated request would otherwise reach it.
func TestFreeUpSpaceRespectsActivePriority(t *testing.T) {
	http := newFakeHTTP()
	http.queue("https://cdn.example.com/low.tar", 200, bytes.Repeat([]byte("l"), 100))
	http.queue("https://cdn.example.com/high.tar", 200, bytes.Repeat([]byte("h"), 100))
	mgr, bus, base := newManager(t, http)

	lowReq := &request.UrlRequest{URL: "https://cdn.example.com/low.tar", Filename: "low.tar"}
	highReq := &request.UrlRequest{URL: "https://cdn.example.com/high.tar", Filename: "high.tar"}
	require.NoError(t, mgr.DownloadArtifact(lowReq))
	require.NoError(t, mgr.DownloadArtifact(highReq))
	waitForResourceID(t, sidecarPath(base, lowReq))
	waitForResourceID(t, sidecarPath(base, highReq))

	require.True(t, bus.WriteProperty(highReq.Summary()+notifbus.SuffixPriority, int(requester.PriorityActive)))

	// 150 bytes is more than the 100-byte unprotected artifact can free,
	// so eviction reaches the ACTIVE one and must stop there.
	require.False(t, mgr.FreeUpSpace(150))

	_, lowErr := os.Stat(sidecarPath(base, lowReq))
	require.True(t, os.IsNotExist(lowErr))
	require.FileExists(t, sidecarPath(base, highReq))
}
