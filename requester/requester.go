/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/voiceos/assetcore/aerr"
	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/resource"
	"github.com/voiceos/assetcore/storage"
)

// checkResult is the outcome of a metadata check, whether against the
// content service or a plain URL HEAD (spec.md §4.2, §6).
type checkResult struct {
	identifier  string
	sizeBytes   uint64
	ttl         time.Duration
	downloadURL string
	// inlineBody, when non-nil, is the artifact itself: the multipart
	// check response already delivered the bytes (spec.md §6, §9 Open
	// Question). It is fully buffered in memory, so there is nothing to
	// close.
	inlineBody []byte
}

// variant is the behavior that differs between the service and URL
// Requesters (spec.md §4.2).
type variant interface {
	check(ctx context.Context) (checkResult, error)
	fetch(ctx context.Context, cr checkResult) (localPath string, err error)
	onPriorityChanged(p Priority)
}

// Requester is the per-artifact state machine (C3+C4, spec.md §3-§4.2).
// All state mutation goes through r.mu; download/unpack run on dedicated
// goroutines that only take the mutex to transition state or touch the
// reservation (spec.md §5).
type Requester struct {
	deps        Deps
	summary     string
	sidecarPath string
	variant     variant

	onCheckFailure    func(error)
	onDownloadFailure func(error)

	mu                      sync.Mutex
	metadata                Metadata
	state                   State
	priority                Priority
	resource                *resource.Resource
	pendingUpdate           *resource.Resource
	reservation             *storage.ReservationToken
	updateNotificationsSent int
	busRegistered           bool
	priorityUnsub           func()
	throttled               bool
	cancel                  context.CancelFunc
	updateStop              chan struct{}
}

// SetThrottled propagates the idle-driven throttle hint (spec.md §4.2,
// on_idle_changed) to whichever HTTP fetch this Requester issues next.
func (r *Requester) SetThrottled(t bool) {
	r.mu.Lock()
	r.throttled = t
	r.mu.Unlock()
}

func (r *Requester) Summary() string { return r.summary }

func (r *Requester) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Requester) LastUsedEpochMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata.LastUsedEpochMs
}

func (r *Requester) GetPriority() Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

// SetPriority validates against the four defined priorities and, for the
// service requester, toggles server-driven auto-update tracking (spec.md
// §4.2).
func (r *Requester) SetPriority(p Priority) bool {
	if !IsValidPriority(p) {
		return false
	}
	r.mu.Lock()
	r.priority = p
	registered := r.busRegistered
	r.mu.Unlock()

	if registered {
		r.deps.Bus.WriteProperty(r.summary+notifbus.SuffixPriority, int(p))
	}
	r.variant.onPriorityChanged(p)
	return true
}

// GetArtifactPath returns the current resource's full path if LOADED,
// touching last-used on read; otherwise the empty string (spec.md §4.2).
func (r *Requester) GetArtifactPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLoaded || r.resource == nil {
		return ""
	}
	r.touchLastUsedLocked()
	return r.resource.Path()
}

func (r *Requester) touchLastUsedLocked() {
	r.metadata.LastUsedEpochMs = time.Now().UnixMilli()
	md := r.metadata
	path := r.sidecarPath
	go func() {
		if err := saveMetadata(path, md); err != nil {
			glog.Warningf("requester %s: failed to persist last-used: %v", path, err)
		}
	}()
}

// Download is idempotent: a Requester that is REQUESTING, DOWNLOADING, or
// LOADED returns success without action (spec.md §4.2).
func (r *Requester) Download() error {
	r.mu.Lock()
	if r.state != StateInit && r.state != StateInvalid {
		r.mu.Unlock()
		return nil
	}
	r.ensureBusRegisteredLocked()
	r.setStateLocked(StateRequesting)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	go r.runPipeline(ctx)
	return nil
}

func (r *Requester) runPipeline(ctx context.Context) {
	cr, err := r.checkWithRetry(ctx)
	if err != nil {
		r.onPipelineFailure("check", err)
		return
	}

	r.mu.Lock()
	currentID := r.metadata.ResourceID
	pendingID := ""
	if r.pendingUpdate != nil {
		pendingID = r.pendingUpdate.ID
	}
	r.mu.Unlock()

	if cr.identifier != "" && (cr.identifier == currentID || cr.identifier == pendingID) {
		r.mu.Lock()
		if r.resource != nil {
			r.setStateLocked(StateLoaded)
		}
		r.mu.Unlock()
		return
	}

	if res, ok := r.deps.Storage.AcquireResource(cr.identifier); ok {
		r.onResourceReady(res)
		return
	}

	reserveBytes := cr.sizeBytes
	if r.metadata.Request.Unpack() {
		reserveBytes = uint64(float64(reserveBytes) * config.UnpackSizeMultiplier)
	}

	token, ok := r.deps.Storage.ReserveSpace(reserveBytes)
	if !ok {
		metricInc(r.deps.Metrics, "requester.reservation_failed")
		r.onPipelineFailure("download", aerr.New(aerr.KindInsufficientSpace, r.summary, nil))
		return
	}

	r.mu.Lock()
	r.reservation = token
	r.setStateLocked(StateDownloading)
	r.mu.Unlock()

	localPath, err := r.downloadWithRetry(ctx, cr)
	if err != nil {
		token.Release()
		r.mu.Lock()
		r.reservation = nil
		r.mu.Unlock()
		r.onPipelineFailure("download", err)
		return
	}

	res, ok := r.deps.Storage.RegisterAndAcquireResource(token, cr.identifier, localPath)
	r.mu.Lock()
	r.reservation = nil
	r.mu.Unlock()
	if !ok {
		r.onPipelineFailure("download", aerr.New(aerr.KindUnpackFailure, r.summary, nil))
		return
	}
	r.onResourceReady(res)
}

// onResourceReady installs res as the current resource (first download)
// or as a pending update (spec.md §4.2, update proposal protocol).
func (r *Requester) onResourceReady(res *resource.Resource) {
	r.mu.Lock()
	if r.resource == nil {
		r.resource = res
		r.metadata.ResourceID = res.ID
		r.touchLastUsedLocked()
		r.setStateLocked(StateLoaded)
		md := r.metadata
		path := r.sidecarPath
		r.mu.Unlock()

		if err := saveMetadata(path, md); err != nil {
			glog.Warningf("requester %s: failed to persist metadata: %v", r.summary, err)
		}
		return
	}

	r.pendingUpdate = res
	r.updateNotificationsSent = 0
	stop := make(chan struct{})
	r.updateStop = stop
	r.mu.Unlock()

	r.deps.Bus.WriteProperty(r.summary+notifbus.SuffixUpdate, res.Path())
	go r.updateNotifyLoop(stop)
}

func (r *Requester) updateNotifyLoop(stop chan struct{}) {
	timing := r.deps.Timing
	ticker := time.NewTicker(timing.UpdateRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.pendingUpdate == nil {
				r.mu.Unlock()
				return
			}
			r.updateNotificationsSent++
			sent := r.updateNotificationsSent
			path := r.pendingUpdate.Path()
			r.mu.Unlock()

			if sent >= timing.MaxUpdateNotifications {
				r.HandleUpdate(false)
				return
			}
			r.deps.Bus.WriteProperty(r.summary+notifbus.SuffixUpdate, path)
		}
	}
}

// HandleUpdate consumes a pending update, releasing whichever resource
// loses (spec.md §4.2). A call with no pending_update is a no-op.
func (r *Requester) HandleUpdate(accept bool) bool {
	r.mu.Lock()
	if r.pendingUpdate == nil {
		r.mu.Unlock()
		return false
	}
	pending := r.pendingUpdate
	old := r.resource
	if r.updateStop != nil {
		close(r.updateStop)
		r.updateStop = nil
	}
	r.updateNotificationsSent = 0
	r.pendingUpdate = nil

	var md Metadata
	path := r.sidecarPath
	if accept {
		r.resource = pending
		r.metadata.ResourceID = pending.ID
		r.touchLastUsedLocked()
		md = r.metadata
	}
	r.mu.Unlock()

	r.deps.Bus.WriteProperty(r.summary+notifbus.SuffixUpdate, "")

	if accept {
		r.deps.Storage.ReleaseResource(old)
		if err := saveMetadata(path, md); err != nil {
			glog.Warningf("requester %s: failed to persist accepted update: %v", r.summary, err)
		}
	} else {
		r.deps.Storage.ReleaseResource(pending)
	}
	return true
}

// onPipelineFailure implements the propagation rule of spec.md §7: a
// failed update never demotes a good resource; a failed initial download
// surfaces with no published path and no priority property; a
// catastrophic failure with no prior resource drives the Requester to
// INVALID.
func (r *Requester) onPipelineFailure(phase string, err error) {
	r.mu.Lock()
	if r.resource != nil {
		// This was an update attempt: stay LOADED, sticky to the old
		// resource (spec.md §8, Laws).
		r.pendingUpdate = nil
		if r.updateStop != nil {
			close(r.updateStop)
			r.updateStop = nil
		}
		r.setStateLocked(StateLoaded)
		r.mu.Unlock()
		r.notifyFailure(phase, err)
		return
	}

	if aerr.KindOf(err) == aerr.KindCatastrophic {
		r.setStateLocked(StateInvalid)
	} else {
		r.setStateLocked(StateInit)
	}
	r.deregisterBusPropertiesLocked()
	r.mu.Unlock()
	r.notifyFailure(phase, err)
}

func (r *Requester) notifyFailure(phase string, err error) {
	glog.Warningf("requester %s: %s failed: %v", r.summary, phase, err)
	switch phase {
	case "check":
		if r.onCheckFailure != nil {
			r.onCheckFailure(err)
		}
	case "download":
		if r.onDownloadFailure != nil {
			r.onDownloadFailure(err)
		}
	}
}

// DeleteAndCleanup cancels any in-flight work, releases everything the
// Requester holds, erases the sidecar, and deregisters bus properties
// (spec.md §4.2). Returns total bytes freed.
func (r *Requester) DeleteAndCleanup() uint64 {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.updateStop != nil {
		close(r.updateStop)
		r.updateStop = nil
	}
	reservation := r.reservation
	res := r.resource
	pending := r.pendingUpdate
	r.resource = nil
	r.pendingUpdate = nil
	r.reservation = nil
	r.setStateLocked(StateInvalid)
	r.deregisterBusPropertiesLocked()
	path := r.sidecarPath
	r.mu.Unlock()

	if reservation != nil {
		reservation.Release()
	}
	var freed uint64
	if res != nil {
		freed += r.deps.Storage.ReleaseResource(res)
	}
	if pending != nil {
		freed += r.deps.Storage.ReleaseResource(pending)
	}
	_ = os.Remove(path)
	return freed
}

func (r *Requester) setStateLocked(s State) {
	r.state = s
	if r.busRegistered {
		r.deps.Bus.WriteProperty(r.summary+notifbus.SuffixState, int(s))
	}
	metricInc(r.deps.Metrics, "requester.state."+s.String())
}

// metricInc is a nil-safe wrapper: Metrics is an optional collaborator
// (external.MetricSink), absent in most tests.
func metricInc(m external.MetricSink, name string) {
	if m != nil {
		m.Inc(name)
	}
}

func (r *Requester) ensureBusRegisteredLocked() {
	if r.busRegistered {
		return
	}
	_ = r.deps.Bus.RegisterProperty(r.summary+notifbus.SuffixState, int(r.state), nil)
	_ = r.deps.Bus.RegisterProperty(r.summary+notifbus.SuffixPriority, int(r.priority), validatePriority)
	if unsub, ok := r.deps.Bus.SubscribePropertyChange(r.summary+notifbus.SuffixPriority, r.onPriorityPropertyWritten); ok {
		r.priorityUnsub = unsub
	}
	_ = r.deps.Bus.RegisterFunction(r.summary+notifbus.SuffixPath, func(...interface{}) (interface{}, error) {
		return r.GetArtifactPath(), nil
	})
	_ = r.deps.Bus.RegisterProperty(r.summary+notifbus.SuffixUpdate, "", nil)
	r.busRegistered = true
}

// onPriorityPropertyWritten reacts to the _Priority property changing,
// whether the write came from Requester.SetPriority (which already applied
// the same update directly) or, as spec.md §4.4's write-validated property
// contract allows, from a consumer writing the bus property itself. Either
// way the state machine must pick up the new priority (spec.md §4.2 step
// 5's auto-update toggle, §4.3's eviction ordering).
func (r *Requester) onPriorityPropertyWritten(v interface{}) {
	n, ok := v.(int)
	if !ok {
		return
	}
	p := Priority(n)
	r.mu.Lock()
	r.priority = p
	r.mu.Unlock()
	r.variant.onPriorityChanged(p)
}

func (r *Requester) deregisterBusPropertiesLocked() {
	if !r.busRegistered {
		return
	}
	if r.priorityUnsub != nil {
		r.priorityUnsub()
		r.priorityUnsub = nil
	}
	r.deps.Bus.DeregisterProperty(r.summary + notifbus.SuffixState)
	r.deps.Bus.DeregisterProperty(r.summary + notifbus.SuffixPriority)
	r.deps.Bus.DeregisterFunction(r.summary + notifbus.SuffixPath)
	r.deps.Bus.DeregisterProperty(r.summary + notifbus.SuffixUpdate)
	r.busRegistered = false
}

func (r *Requester) checkWithRetry(ctx context.Context) (checkResult, error) {
	timing := r.deps.Timing
	var lastErr error
	for attempt := 0; attempt < timing.MaxDownloadRetry; attempt++ {
		cr, err := r.variant.check(ctx)
		if err == nil {
			return cr, nil
		}
		lastErr = err
		if ae, ok := err.(*aerr.Error); ok && !ae.Retryable() {
			return checkResult{}, err
		}
		select {
		case <-ctx.Done():
			return checkResult{}, aerr.New(aerr.KindCatastrophic, r.summary, ctx.Err())
		case <-time.After(jitteredBackoff(timing.CheckBackoffBase, timing.CheckBackoffCap, attempt)):
		}
	}
	return checkResult{}, lastErr
}

func (r *Requester) downloadWithRetry(ctx context.Context, cr checkResult) (string, error) {
	timing := r.deps.Timing
	var lastErr error
	for attempt := 0; attempt < timing.MaxDownloadRetry; attempt++ {
		if r.GetState() != StateDownloading {
			return "", aerr.New(aerr.KindCatastrophic, r.summary, nil)
		}
		path, err := r.variant.fetch(ctx, cr)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if ae, ok := err.(*aerr.Error); ok && !ae.Retryable() {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", aerr.New(aerr.KindCatastrophic, r.summary, ctx.Err())
		case <-time.After(jitteredBackoff(timing.DownloadBackoffBase, timing.DownloadBackoffCap, attempt)):
		}
	}
	return "", lastErr
}

// triggerRecheck runs a single check/download pass against an already
// LOADED Requester, used by the service variant's server-driven
// auto-update tracking while priority is ACTIVE (spec.md §4.2, step 5).
// It shares onResourceReady's pending-update hand-off, so a newer
// identifier always becomes a proposal, never an in-place replacement.
func (r *Requester) triggerRecheck(ctx context.Context) {
	cr, err := r.variant.check(ctx)
	if err != nil {
		glog.Warningf("requester %s: auto-update check failed: %v", r.summary, err)
		return
	}

	r.mu.Lock()
	currentID := r.metadata.ResourceID
	pendingID := ""
	if r.pendingUpdate != nil {
		pendingID = r.pendingUpdate.ID
	}
	r.mu.Unlock()

	if cr.identifier == "" || cr.identifier == currentID || cr.identifier == pendingID {
		return
	}

	if res, ok := r.deps.Storage.AcquireResource(cr.identifier); ok {
		r.onResourceReady(res)
		return
	}

	reserveBytes := cr.sizeBytes
	if r.metadata.Request.Unpack() {
		reserveBytes = uint64(float64(reserveBytes) * config.UnpackSizeMultiplier)
	}
	token, ok := r.deps.Storage.ReserveSpace(reserveBytes)
	if !ok {
		metricInc(r.deps.Metrics, "requester.reservation_failed")
		glog.Warningf("requester %s: auto-update reservation failed", r.summary)
		return
	}

	path, err := r.variant.fetch(ctx, cr)
	if err != nil {
		token.Release()
		glog.Warningf("requester %s: auto-update fetch failed: %v", r.summary, err)
		return
	}

	res, ok := r.deps.Storage.RegisterAndAcquireResource(token, cr.identifier, path)
	if !ok {
		return
	}
	r.onResourceReady(res)
}
