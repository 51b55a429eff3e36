// Package storage implements the Storage Manager (C2, spec.md §4.1): a
// content-addressed bank of Resources under a working directory, with
// reference counting, budget enforcement, and space reservation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	atomicu "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/resource"
)

// GCDelegate is the non-owning back-reference to the Asset Manager used
// for garbage collection (spec.md §9, "cyclic back-reference"). The
// Storage Manager never outlives it; it is supplied once at Initialize
// and never mutated afterward.
type GCDelegate interface {
	// FreeUpSpace runs synchronously and returns whether the full amount
	// was freed. Must be called without the Storage Manager's mutex held.
	FreeUpSpace(nBytes uint64) bool
	// QueueFreeUpSpace is the non-blocking variant used after a register
	// pushes the bank over budget.
	QueueFreeUpSpace(nBytes uint64)
}

// ReservationToken is a promise of N bytes of budget. It must be consumed
// by RegisterAndAcquireResource or explicitly Released; letting it go out
// of scope without either leaks the reservation until process restart, so
// callers should `defer tok.Release()` immediately after a successful
// ReserveSpace and rely on RegisterAndAcquireResource's internal consume
// to make the deferred Release a no-op on the success path.
type ReservationToken struct {
	id       string
	bytes    uint64
	consumed atomicu.Bool
	mgr      *Manager
}

// ID is an opaque debug handle, not a content identifier.
func (t *ReservationToken) ID() string { return t.id }

// Release drops the reservation if it has not already been consumed by a
// register call. Safe to call multiple times.
func (t *ReservationToken) Release() {
	if t.consumed.CAS(false, true) {
		t.mgr.releaseReservation(t.bytes)
	}
}

type bankEntry = resource.Resource

// Manager owns the resource bank, the budget, and reservation accounting.
type Manager struct {
	mu       sync.Mutex
	bank     map[string]*bankEntry
	budget   config.Budget
	workDir  string
	fs       external.Filesystem
	am       GCDelegate
	initDone bool
}

func New(fs external.Filesystem) *Manager {
	return &Manager{bank: make(map[string]*bankEntry), fs: fs}
}

// Initialize scans the working directory, reconstructing or erasing each
// subdirectory, and loads budget.config if present (spec.md §4.1).
func (m *Manager) Initialize(workingDir string, am GCDelegate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.MkdirAll(workingDir); err != nil {
		return errors.Wrapf(err, "storage: cannot create working directory %q", workingDir)
	}
	m.workDir = workingDir
	m.am = am
	m.budget = config.Budget{BudgetMB: config.DefaultBudgetMB}

	if mb, ok := m.readBudgetConfig(); ok {
		m.budget.BudgetMB = mb
	}

	names, err := godirwalk.ReadDirnames(workingDir, nil)
	if err != nil {
		return errors.Wrapf(err, "storage: cannot list working directory %q", workingDir)
	}

	// Each bank directory is scanned independently, so the reload fans out
	// across goroutines the same way fs.WalkBck spreads its work across
	// mountpaths; the results are merged into m.bank sequentially below.
	results := make([]*resource.Resource, len(names))
	var group errgroup.Group
	for i, name := range names {
		i, name := i, name
		group.Go(func() error {
			dir := filepath.Join(workingDir, name)
			info, statErr := os.Stat(dir)
			if statErr != nil || !info.IsDir() {
				return nil
			}
			res, loadErr := m.loadResourceDir(name, dir)
			if loadErr != nil {
				glog.Warningf("storage: erasing unrecoverable resource dir %q: %v", dir, loadErr)
				_ = m.fs.RemoveAll(dir)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = group.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		m.bank[res.ID] = res
		m.budget.AllocatedBytes += res.SizeBytes
	}
	m.initDone = true
	return nil
}

func (m *Manager) loadResourceDir(id, dir string) (*resource.Resource, error) {
	sidecarPath := filepath.Join(dir, resource.SidecarName)
	if data, err := os.ReadFile(sidecarPath); err == nil {
		res, perr := resource.UnmarshalSidecar(data, dir)
		if perr == nil && res.SizeBytes > 0 {
			res.ID = id
			return res, nil
		}
	}
	// Sidecar missing or unparsable: reconstruct from the single file
	// present, per spec.md §4.1.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var regular []os.DirEntry
	for _, e := range entries {
		if e.Name() != resource.SidecarName {
			regular = append(regular, e)
		}
	}
	if len(regular) != 1 {
		return nil, errors.Errorf("storage: expected exactly one file in %q, found %d", dir, len(regular))
	}
	sz, err := m.fs.SizeOf(filepath.Join(dir, regular[0].Name()))
	if err != nil || sz <= 0 {
		return nil, errors.Errorf("storage: cannot size reconstruct resource %q", dir)
	}
	return &resource.Resource{ID: id, Directory: dir, Filename: regular[0].Name(), SizeBytes: uint64(sz)}, nil
}

// PurgeUnreferenced erases any Resource whose ref_count is still 0 after
// startup Requester restoration (spec.md §4.1, called once by the Asset
// Manager's startup sequence).
func (m *Manager) PurgeUnreferenced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, res := range m.bank {
		if res.RefCount == 0 {
			_ = m.fs.RemoveAll(res.Directory)
			m.budget.AllocatedBytes -= res.SizeBytes
			delete(m.bank, id)
		}
	}
}

// ReserveSpace promises nBytes of budget, synchronously asking the Asset
// Manager to evict if the budget is currently insufficient (spec.md
// §4.1). The Storage Manager's mutex is never held across that call.
func (m *Manager) ReserveSpace(nBytes uint64) (*ReservationToken, bool) {
	m.mu.Lock()
	avail := m.availableBudgetLocked()
	if avail >= nBytes {
		m.budget.AllocatedBytes += nBytes
		m.mu.Unlock()
		return m.newToken(nBytes), true
	}
	deficit := nBytes - avail
	am := m.am
	m.mu.Unlock()

	if am == nil || !am.FreeUpSpace(deficit) {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.availableBudgetLocked() < nBytes {
		return nil, false
	}
	m.budget.AllocatedBytes += nBytes
	return m.newToken(nBytes), true
}

func (m *Manager) newToken(n uint64) *ReservationToken {
	id, _ := shortid.Generate()
	return &ReservationToken{id: id, bytes: n, mgr: m}
}

func (m *Manager) releaseReservation(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.budget.AllocatedBytes {
		m.budget.AllocatedBytes = 0
	} else {
		m.budget.AllocatedBytes -= n
	}
}

// RegisterAndAcquireResource consumes token, then either shares an
// existing Resource with the same id or moves sourcePath into the bank as
// a new one (spec.md §4.1).
func (m *Manager) RegisterAndAcquireResource(token *ReservationToken, id, sourcePath string) (*resource.Resource, bool) {
	if token.consumed.CAS(false, true) {
		m.releaseReservation(token.bytes)
	}

	m.mu.Lock()
	if existing, ok := m.bank[id]; ok {
		existing.RefCount++
		m.mu.Unlock()
		_ = m.fs.RemoveAll(sourcePath)
		return existing, true
	}
	m.mu.Unlock()

	dir := filepath.Join(m.workDir, id)
	info, statErr := os.Stat(sourcePath)
	if statErr != nil {
		glog.Errorf("storage: cannot stat staged artifact %q: %v", sourcePath, statErr)
		return nil, false
	}
	if info.IsDir() {
		// sourcePath is already the staging directory for an unpacked
		// subtree (spec.md §4.2 persist-unpacked); move it wholesale.
		if err := m.fs.Move(sourcePath, dir); err != nil {
			glog.Errorf("storage: failed to move %q into bank as %q: %v", sourcePath, id, err)
			return nil, false
		}
	} else {
		// sourcePath is a single downloaded file; it becomes the sole
		// entry of a new bank directory (spec.md §3, Resource invariants).
		if err := m.fs.MkdirAll(dir); err != nil {
			glog.Errorf("storage: failed to create bank directory %q: %v", dir, err)
			return nil, false
		}
		if err := m.fs.Move(sourcePath, filepath.Join(dir, filepath.Base(sourcePath))); err != nil {
			glog.Errorf("storage: failed to move %q into bank as %q: %v", sourcePath, id, err)
			return nil, false
		}
	}
	sz, err := dirSize(m.fs, dir)
	if err != nil {
		glog.Errorf("storage: failed to size new resource %q: %v", dir, err)
		return nil, false
	}

	entries, _ := os.ReadDir(dir)
	name := ""
	for _, e := range entries {
		if !e.IsDir() {
			name = e.Name()
			break
		}
	}
	if name == "" {
		name = filepath.Base(sourcePath)
	}

	res := &resource.Resource{ID: id, Directory: dir, Filename: name, SizeBytes: uint64(sz), RefCount: 1}
	if sidecar, merr := resource.MarshalSidecar(res); merr == nil {
		if werr := os.WriteFile(filepath.Join(dir, resource.SidecarName), sidecar, 0o644); werr != nil {
			glog.Warningf("storage: failed to write sidecar for %q: %v (non-fatal)", id, werr)
		}
	}

	m.mu.Lock()
	m.bank[id] = res
	m.budget.AllocatedBytes += res.SizeBytes
	overBudget := m.budget.AllocatedBytes > m.budget.BudgetBytes()
	am := m.am
	m.mu.Unlock()

	if overBudget && am != nil {
		am.QueueFreeUpSpace(m.budget.AllocatedBytes - m.budget.BudgetBytes())
	}
	return res, true
}

func dirSize(fs external.Filesystem, dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Name() == resource.SidecarName {
			continue
		}
		sz, err := fs.SizeOf(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// AcquireResource increments the ref count of an already-banked resource,
// covering the case where a sibling Requester already holds the content
// (spec.md §4.1 and §4.2 step 3).
func (m *Manager) AcquireResource(id string) (*resource.Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.bank[id]
	if !ok {
		return nil, false
	}
	res.RefCount++
	return res, true
}

// ReleaseResource decrements ref count, erasing the directory at zero.
// Returns bytes freed, or 0 if the resource is still referenced.
func (m *Manager) ReleaseResource(res *resource.Resource) uint64 {
	if res == nil {
		return 0
	}
	m.mu.Lock()
	banked, ok := m.bank[res.ID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	banked.RefCount--
	if banked.RefCount > 0 {
		m.mu.Unlock()
		return 0
	}
	delete(m.bank, banked.ID)
	m.budget.AllocatedBytes -= banked.SizeBytes
	freed := banked.SizeBytes
	m.mu.Unlock()

	_ = m.fs.RemoveAll(banked.Directory)
	return freed
}

// AvailableBudget is min(budget-allocated, disk_free-buffer), clamped to
// zero on both terms (spec.md §3).
func (m *Manager) AvailableBudget() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableBudgetLocked()
}

func (m *Manager) availableBudgetLocked() uint64 {
	budgetBytes := m.budget.BudgetBytes()
	var fromBudget uint64
	if budgetBytes > m.budget.AllocatedBytes {
		fromBudget = budgetBytes - m.budget.AllocatedBytes
	}

	free, err := m.fs.FreeBytes(m.workDir)
	if err != nil {
		return fromBudget
	}
	var fromDisk uint64
	if free > config.DiskBufferBytes {
		fromDisk = free - config.DiskBufferBytes
	}
	if fromBudget < fromDisk {
		return fromBudget
	}
	return fromDisk
}

func (m *Manager) GetBudgetMB() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.BudgetMB
}

// SetBudgetMB persists the new budget; if it shrinks below current
// allocation, the Asset Manager is asked to evict the difference
// (spec.md §4.1).
func (m *Manager) SetBudgetMB(mb uint64) {
	m.mu.Lock()
	m.budget.BudgetMB = mb
	m.writeBudgetConfig(mb)
	overage := uint64(0)
	if m.budget.AllocatedBytes > m.budget.BudgetBytes() {
		overage = m.budget.AllocatedBytes - m.budget.BudgetBytes()
	}
	am := m.am
	m.mu.Unlock()

	if overage > 0 && am != nil {
		am.QueueFreeUpSpace(overage)
	}
}

const budgetConfigName = "budget.config"

func (m *Manager) readBudgetConfig() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(m.workDir, budgetConfigName))
	if err != nil {
		return 0, false
	}
	mb, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return mb, true
}

func (m *Manager) writeBudgetConfig(mb uint64) {
	path := filepath.Join(m.workDir, budgetConfigName)
	if err := os.WriteFile(path, []byte(strconv.FormatUint(mb, 10)), 0o644); err != nil {
		glog.Warningf("storage: failed to persist budget.config: %v", err)
	}
}
