/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voiceos/assetcore/storage"
)

// realFS is a thin pass-through Filesystem backed by the local disk,
// with FreeBytes fixed high so tests never hit the disk-buffer clamp.
type realFS struct{ free uint64 }

func newRealFS() *realFS { return &realFS{free: 10 << 30} }

func (f *realFS) MkdirAll(path string) error { return os.MkdirAll(path, 0o755) }
func (f *realFS) RemoveAll(path string) error { return os.RemoveAll(path) }
func (f *realFS) Move(src, dst string) error  { return os.Rename(src, dst) }
func (f *realFS) SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
func (f *realFS) PathContainsPrefix(path, prefix string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, prefix)
}
func (f *realFS) FreeBytes(path string) (uint64, error) { return f.free, nil }

type noopGC struct {
	freeUpSpaceCalls []uint64
	canFree          bool
}

func (g *noopGC) FreeUpSpace(n uint64) bool {
	g.freeUpSpaceCalls = append(g.freeUpSpaceCalls, n)
	return g.canFree
}
func (g *noopGC) QueueFreeUpSpace(n uint64) {}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestReserveAndRegisterAcquireResource(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	src := filepath.Join(t.TempDir(), "artifact")
	writeFile(t, src, 100)

	token, ok := m.ReserveSpace(100)
	require.True(t, ok)

	res, ok := m.RegisterAndAcquireResource(token, "R1", src)
	require.True(t, ok)
	require.Equal(t, "R1", res.ID)
	require.Equal(t, 1, res.RefCount)
	require.FileExists(t, res.Path())
}

func TestRegisterAndAcquireResourceSharesExistingID(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	src1 := filepath.Join(t.TempDir(), "a")
	writeFile(t, src1, 50)
	tok1, _ := m.ReserveSpace(50)
	res1, ok := m.RegisterAndAcquireResource(tok1, "SHARED", src1)
	require.True(t, ok)

	src2 := filepath.Join(t.TempDir(), "b")
	writeFile(t, src2, 50)
	tok2, _ := m.ReserveSpace(50)
	res2, ok := m.RegisterAndAcquireResource(tok2, "SHARED", src2)
	require.True(t, ok)

	require.Same(t, res1, res2)
	require.Equal(t, 2, res2.RefCount)
	// the second source path was consumed by the share, not left behind
	require.NoFileExists(t, src2)
}

func TestReleaseResourceErasesAtZeroRefCount(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	src := filepath.Join(t.TempDir(), "artifact")
	writeFile(t, src, 10)
	tok, _ := m.ReserveSpace(10)
	res, _ := m.RegisterAndAcquireResource(tok, "R1", src)

	// A sibling Requester also holds this content (spec.md §4.1 Sharing).
	res2, ok := m.AcquireResource("R1")
	require.True(t, ok)
	require.Equal(t, 2, res2.RefCount)

	require.Equal(t, uint64(0), m.ReleaseResource(res))
	require.DirExists(t, res.Directory)

	freed := m.ReleaseResource(res2)
	require.Equal(t, uint64(10), freed)
	require.NoDirExists(t, res.Directory)
}

func TestReserveSpaceAsksGCDelegateOnOverBudget(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	gc := &noopGC{canFree: false}
	require.NoError(t, m.Initialize(dir, gc))
	m.SetBudgetMB(0)

	_, ok := m.ReserveSpace(1024)
	require.False(t, ok)
	require.NotEmpty(t, gc.freeUpSpaceCalls)
}

func TestReserveSpaceFailsWhenGCCannotFree(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	gc := &noopGC{canFree: false}
	require.NoError(t, m.Initialize(dir, gc))
	m.SetBudgetMB(0)

	_, ok := m.ReserveSpace(1024)
	require.False(t, ok)
}

func TestReservationTokenReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	token, ok := m.ReserveSpace(100)
	require.True(t, ok)

	before := m.AvailableBudget()
	token.Release()
	token.Release()
	after := m.AvailableBudget()
	require.Equal(t, before+100, after)
}

func TestInitializeReloadsExistingResources(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	src := filepath.Join(t.TempDir(), "artifact")
	writeFile(t, src, 20)
	tok, _ := m.ReserveSpace(20)
	res, _ := m.RegisterAndAcquireResource(tok, "R1", src)
	require.NotNil(t, res)

	m2 := storage.New(fs)
	require.NoError(t, m2.Initialize(dir, &noopGC{canFree: true}))
	reloaded, ok := m2.AcquireResource("R1")
	require.True(t, ok)
	require.Equal(t, uint64(20), reloaded.SizeBytes)
}

func TestPurgeUnreferencedRemovesZeroRefResources(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))

	src := filepath.Join(t.TempDir(), "artifact")
	writeFile(t, src, 20)
	tok, _ := m.ReserveSpace(20)
	res, _ := m.RegisterAndAcquireResource(tok, "R1", src)
	require.NotNil(t, res)

	// Simulate a restart before the Requester that held this resource
	// gets a chance to reload and re-acquire it.
	m2 := storage.New(fs)
	require.NoError(t, m2.Initialize(dir, &noopGC{canFree: true}))
	m2.PurgeUnreferenced()
	_, ok := m2.AcquireResource("R1")
	require.False(t, ok)
}

func TestGetSetBudgetMBPersists(t *testing.T) {
	dir := t.TempDir()
	fs := newRealFS()
	m := storage.New(fs)
	require.NoError(t, m.Initialize(dir, &noopGC{canFree: true}))
	m.SetBudgetMB(42)
	require.Equal(t, uint64(42), m.GetBudgetMB())

	m2 := storage.New(fs)
	require.NoError(t, m2.Initialize(dir, &noopGC{canFree: true}))
	require.Equal(t, uint64(42), m2.GetBudgetMB())
}
