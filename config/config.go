// Package config holds the tunables for the asset cache core: budget
// defaults, retry/back-off parameters, and the timing overrides used by
// test builds (spec.md §4.2).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import "time"

const (
	// DefaultBudgetMB is the Storage Manager's default byte budget
	// (spec.md §3, Budget).
	DefaultBudgetMB = 500

	// DiskBufferBytes is subtracted from free disk space before it counts
	// toward available budget.
	DiskBufferBytes = 5 * 1024 * 1024

	// UnpackSizeMultiplier is applied to the declared artifact size when
	// reserving space for an unpack download (spec.md §4.2 numeric policy).
	UnpackSizeMultiplier = 1.5

	// QueueSoftLimit/QueueHardLimit bound the streaming-unpack handoff
	// queue (spec.md §4.2).
	QueueSoftLimit = 50
	QueueHardLimit = 100
)

// Timing groups every interval the Requester state machine waits on. The
// zero value is invalid; use Production() or Test().
type Timing struct {
	// DownloadBackoffBase/Cap/MaxRetries govern the download retry loop.
	DownloadBackoffBase time.Duration
	DownloadBackoffCap  time.Duration
	MaxDownloadRetry    int

	// CheckBackoffBase/Cap govern the metadata-check retry loop; it
	// shares MaxDownloadRetry as its attempt cap.
	CheckBackoffBase time.Duration
	CheckBackoffCap  time.Duration

	// UpdateRetryInterval is how often the pending-update notification
	// republishes while awaiting accept/reject.
	UpdateRetryInterval time.Duration
	// MaxUpdateNotifications bounds the number of republishes before an
	// update is auto-rejected.
	MaxUpdateNotifications int

	// HeadRequestTimeout bounds the URL requester's HEAD probe.
	HeadRequestTimeout time.Duration
}

// Production returns the defaults named in spec.md §4.2.
func Production() Timing {
	return Timing{
		DownloadBackoffBase:    200 * time.Millisecond,
		DownloadBackoffCap:     30 * time.Second,
		MaxDownloadRetry:       10,
		CheckBackoffBase:       200 * time.Millisecond,
		CheckBackoffCap:        30 * time.Second,
		UpdateRetryInterval:    30 * time.Second,
		MaxUpdateNotifications: 10,
		HeadRequestTimeout:     10 * time.Second,
	}
}

// Test returns the compressed intervals the spec calls out for test
// builds, so state-machine tests complete in milliseconds, not minutes.
func Test() Timing {
	return Timing{
		DownloadBackoffBase:    10 * time.Millisecond,
		DownloadBackoffCap:     100 * time.Millisecond,
		MaxDownloadRetry:       2,
		CheckBackoffBase:       10 * time.Millisecond,
		CheckBackoffCap:        100 * time.Millisecond,
		UpdateRetryInterval:    100 * time.Millisecond,
		MaxUpdateNotifications: 2,
		HeadRequestTimeout:     2 * time.Second,
	}
}

// Budget is the persisted and live state of the Storage Manager's byte
// budget (spec.md §3).
type Budget struct {
	BudgetMB       uint64
	AllocatedBytes uint64
}

func (b Budget) BudgetBytes() uint64 { return b.BudgetMB * 1024 * 1024 }
