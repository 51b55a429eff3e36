// Package assetmgr implements the Asset Manager (C7, spec.md §4.3): the
// coordinator that owns the Requester registry, dedupes submissions,
// routes update accept/reject, enforces eviction, and exposes the
// process-wide notification bus functions.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package assetmgr

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/request"
	"github.com/voiceos/assetcore/requester"
	"github.com/voiceos/assetcore/storage"
)

const (
	dirResources    = "resources"
	dirRequests     = "requests"
	dirURLWorking   = "urlWorkingDir"
)

// Manager is the Asset Manager (C7). All registry-mutating operations
// serialize through mu; the singleflight group collapses concurrent
// download requests for the same summary onto one Requester (spec.md
// §4.3, §5 "at-most-one active download").
type Manager struct {
	baseDir string
	fs      external.Filesystem
	deps    requester.Deps

	mu        sync.Mutex
	requesters map[string]*requester.Requester
	dedupe    singleflight.Group

	startTimeOffsetMs int64
}

// New constructs an unstarted Asset Manager. Call Start to run the
// startup sequence (spec.md §4.3).
func New(baseDir string, deps requester.Deps) *Manager {
	return &Manager{
		baseDir:    baseDir,
		fs:         deps.FS,
		deps:       deps,
		requesters: make(map[string]*requester.Requester),
	}
}

// Start runs the six-step startup sequence from spec.md §4.3.
func (m *Manager) Start() error {
	resourcesDir := filepath.Join(m.baseDir, dirResources)
	requestsDir := filepath.Join(m.baseDir, dirRequests)
	urlWorkDir := filepath.Join(m.baseDir, dirURLWorking)

	if err := m.fs.MkdirAll(requestsDir); err != nil {
		return errors.Wrap(err, "assetmgr: create requests dir")
	}
	if err := m.fs.RemoveAll(urlWorkDir); err != nil {
		glog.Warningf("assetmgr: failed to clean %q: %v", urlWorkDir, err)
	}
	if err := m.fs.MkdirAll(urlWorkDir); err != nil {
		return errors.Wrap(err, "assetmgr: create urlWorkingDir")
	}
	m.deps.WorkDir = urlWorkDir

	storageMgr := storage.New(m.fs)
	if err := storageMgr.Initialize(resourcesDir, m); err != nil {
		return errors.Wrap(err, "assetmgr: storage manager init")
	}
	m.deps.Storage = storageMgr

	entries, err := listRequestFiles(requestsDir)
	if err != nil {
		return errors.Wrap(err, "assetmgr: list requests dir")
	}

	// Sidecars are reloaded independently of one another, so the fan-out
	// mirrors storage.Manager.Initialize's bank scan; m.mu serializes the
	// merge into m.requesters.
	var group errgroup.Group
	for _, name := range entries {
		name := name
		group.Go(func() error {
			sidecarPath := filepath.Join(requestsDir, name)
			r, rerr := requester.CreateFromStorage(sidecarPath, m.deps, m.onCheckFailureFor(name), m.onDownloadFailureFor(name))
			if rerr != nil {
				glog.Warningf("assetmgr: erasing unrecoverable sidecar %q: %v", name, rerr)
				_ = m.fs.RemoveAll(sidecarPath)
				return nil
			}
			m.mu.Lock()
			m.requesters[r.Summary()] = r
			if lu := r.LastUsedEpochMs(); lu > m.startTimeOffsetMs {
				m.startTimeOffsetMs = lu
			}
			m.mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	storageMgr.PurgeUnreferenced()

	if err := m.deps.Bus.RegisterFunction(notifbus.FuncRegisterArtifact, m.busRegisterArtifact); err != nil {
		return err
	}
	if err := m.deps.Bus.RegisterFunction(notifbus.FuncRemoveArtifact, m.busRemoveArtifact); err != nil {
		return err
	}
	if err := m.deps.Bus.RegisterFunction(notifbus.FuncAcceptUpdate, m.busAcceptUpdate); err != nil {
		return err
	}
	if err := m.deps.Bus.RegisterFunction(notifbus.FuncRejectUpdate, m.busRejectUpdate); err != nil {
		return err
	}
	_ = m.deps.Bus.RegisterProperty(notifbus.PropInitialization, 1, nil)
	return nil
}

// listRequestFiles returns the sidecar file names under dir, skipping
// ".tmp" staging files (spec.md §6).
func listRequestFiles(dir string) ([]string, error) {
	names, err := godirwalk.ReadDirnames(dir, nil)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (m *Manager) onCheckFailureFor(summary string) func(error) {
	return func(err error) { glog.Warningf("assetmgr: %s check failed: %v", summary, err) }
}

func (m *Manager) onDownloadFailureFor(summary string) func(error) {
	return func(err error) { glog.Warningf("assetmgr: %s download failed: %v", summary, err) }
}

// DownloadArtifact implements spec.md §4.3: find-or-build a Requester for
// req, under the registry lock, then call its Download().
func (m *Manager) DownloadArtifact(req request.Request) error {
	summary := req.Summary()

	m.mu.Lock()
	r, exists := m.requesters[summary]
	if !exists {
		sidecarPath := filepath.Join(m.baseDir, dirRequests, summary)
		built, err := requester.Build(req, sidecarPath, m.deps, m.onCheckFailureFor(summary), m.onDownloadFailureFor(summary))
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.requesters[summary] = built
		r = built
	}
	m.mu.Unlock()

	return r.Download()
}

// QueueDownloadArtifact is the non-blocking, dedupe-collapsing submission
// path (spec.md §4.3). A JSON payload is parsed through the Request
// Factory; parse failure returns false.
func (m *Manager) QueueDownloadArtifact(payload []byte) bool {
	req, _, _, err := request.Parse(payload)
	if err != nil {
		glog.Warningf("assetmgr: queue_download_artifact: invalid payload: %v", err)
		return false
	}
	summary := req.Summary()
	go func() {
		_, _, _ = m.dedupe.Do(summary, func() (interface{}, error) {
			return nil, m.DownloadArtifact(req)
		})
	}()
	return true
}

// DeleteArtifact implements spec.md §4.3: missing summaries are logged
// but otherwise ignored.
func (m *Manager) DeleteArtifact(summary string) {
	m.mu.Lock()
	r, ok := m.requesters[summary]
	if ok {
		delete(m.requesters, summary)
	}
	m.mu.Unlock()

	if !ok {
		glog.Warningf("assetmgr: delete_artifact: no such summary %q", summary)
		return
	}
	r.DeleteAndCleanup()
}

// HandleUpdate forwards accept/reject to the named Requester (spec.md
// §4.3).
func (m *Manager) HandleUpdate(summary string, accept bool) bool {
	m.mu.Lock()
	r, ok := m.requesters[summary]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return r.HandleUpdate(accept)
}

// FreeUpSpace implements the eviction policy (spec.md §4.3, §8 "Eviction
// respects active"): candidates are ordered least-valuable first (lowest
// priority, then oldest last_used), and eviction proceeds down that list
// until freed >= n bytes or the next candidate is protected. It satisfies
// storage.GCDelegate and therefore must never be called with the Storage
// Manager's mutex held.
func (m *Manager) FreeUpSpace(nBytes uint64) bool {
	m.mu.Lock()
	candidates := make([]*requester.Requester, 0, len(m.requesters))
	for _, r := range m.requesters {
		if r.GetState() == requester.StateLoaded {
			candidates = append(candidates, r)
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].GetPriority(), candidates[j].GetPriority()
		if pi != pj {
			return pi < pj
		}
		return candidates[i].LastUsedEpochMs() < candidates[j].LastUsedEpochMs()
	})

	var freed uint64
	for _, r := range candidates {
		if freed >= nBytes {
			break
		}
		if r.GetPriority().Protected() {
			break
		}
		freed += r.DeleteAndCleanup()
		m.mu.Lock()
		delete(m.requesters, r.Summary())
		m.mu.Unlock()
		if m.deps.Metrics != nil {
			m.deps.Metrics.Inc("assetmgr.evicted")
		}
	}
	return freed >= nBytes
}

// QueueFreeUpSpace is the non-blocking variant the Storage Manager uses
// after a register call pushes the bank over budget.
func (m *Manager) QueueFreeUpSpace(nBytes uint64) {
	go m.FreeUpSpace(nBytes)
}

// OnIdleChanged propagates the idle-driven throttle hint to every live
// Requester (spec.md §4.3). Each Requester reads the flag when it starts
// its next fetch; a transfer already in flight keeps the setting it
// started with.
func (m *Manager) OnIdleChanged(idle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requesters {
		r.SetThrottled(idle)
	}
}

func (m *Manager) GetBudgetMB() uint64   { return m.deps.Storage.GetBudgetMB() }
func (m *Manager) SetBudgetMB(mb uint64) { m.deps.Storage.SetBudgetMB(mb) }

// FunctionToBeInvoked is the bus-invoked entry point recognizing
// RegisterArtifact and RemoveArtifact; any other name returns false
// (spec.md §4.3).
func (m *Manager) FunctionToBeInvoked(name string, arg interface{}) bool {
	switch name {
	case notifbus.FuncRegisterArtifact:
		payload, ok := arg.(string)
		if !ok {
			return false
		}
		return m.QueueDownloadArtifact([]byte(payload))
	case notifbus.FuncRemoveArtifact:
		summary, ok := arg.(string)
		if !ok {
			return false
		}
		m.DeleteArtifact(summary)
		return true
	default:
		return false
	}
}

func (m *Manager) busRegisterArtifact(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return false, errors.New("RegisterArtifact: expected 1 argument")
	}
	return m.FunctionToBeInvoked(notifbus.FuncRegisterArtifact, args[0]), nil
}

func (m *Manager) busRemoveArtifact(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return false, errors.New("RemoveArtifact: expected 1 argument")
	}
	return m.FunctionToBeInvoked(notifbus.FuncRemoveArtifact, args[0]), nil
}

func (m *Manager) busAcceptUpdate(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return false, errors.New("AcceptUpdate: expected 1 argument")
	}
	summary, ok := args[0].(string)
	if !ok {
		return false, errors.New("AcceptUpdate: argument must be a string")
	}
	return m.HandleUpdate(summary, true), nil
}

func (m *Manager) busRejectUpdate(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return false, errors.New("RejectUpdate: expected 1 argument")
	}
	summary, ok := args[0].(string)
	if !ok {
		return false, errors.New("RejectUpdate: argument must be a string")
	}
	return m.HandleUpdate(summary, false), nil
}
