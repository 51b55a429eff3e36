/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/storage"
	"github.com/voiceos/assetcore/urlpolicy"
)

// Deps bundles every collaborator a Requester needs. Production callers
// build one Deps per Asset Manager instance and share it across all
// Requesters (spec.md §6, "Collaborator interfaces consumed").
type Deps struct {
	Storage   *storage.Manager
	HTTP      external.HTTPClient
	Auth      external.AuthProvider
	Unpacker  external.ArchiveUnpacker
	Endpoint  external.EndpointBuilder
	FS        external.Filesystem
	Metrics   external.MetricSink
	Bus       *notifbus.Bus
	AllowList *urlpolicy.AllowList
	Timing    config.Timing
	// WorkDir is scratch space for in-flight downloads before they are
	// registered as Resources (spec.md §6, urlWorkingDir/).
	WorkDir string
	// UnpackSizeCeiling bounds the archive unpacker's uncompressed output
	// (spec.md §6, default 64 MiB in callers).
	UnpackSizeCeiling int64
}
