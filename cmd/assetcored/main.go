// Command assetcored wires the asset cache core's collaborators and
// starts the Asset Manager. Production collaborator implementations
// (HTTP client, auth provider, archive unpacker, endpoint builder,
// filesystem, metrics) are supplied by the surrounding device firmware;
// this binary only shows the wiring shape (spec.md §6).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"

	"github.com/golang/glog"

	"github.com/voiceos/assetcore/assetmgr"
	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/requester"
	"github.com/voiceos/assetcore/urlpolicy"
)

var (
	baseDir        = flag.String("base-dir", "/var/lib/assetcore", "root directory for resources/, requests/, and urlWorkingDir/")
	unpackCeiling  = flag.Int64("unpack-ceiling-bytes", 64<<20, "maximum uncompressed bytes the archive unpacker will write per artifact")
	allowAllURLs   = flag.Bool("allow-all-urls", false, "disable the URL allow-list (spec.md §9, never use in production)")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	allowList := urlpolicy.New()
	if *allowAllURLs {
		glog.Warning("assetcored: URL allow-list disabled, every URL request will be fetched")
		allowList = urlpolicy.NewAllowAll()
	}

	deps := requester.Deps{
		Bus:               notifbus.New(),
		AllowList:         allowList,
		Timing:            config.Production(),
		UnpackSizeCeiling: *unpackCeiling,
		// HTTP, Auth, Unpacker, Endpoint, FS, Metrics are supplied by the
		// host firmware at wiring time; this binary does not ship them.
	}

	mgr := assetmgr.New(*baseDir, deps)
	if err := mgr.Start(); err != nil {
		glog.Fatalf("assetcored: startup failed: %v", err)
	}

	glog.Infof("assetcored: ready, base=%s", *baseDir)
	select {}
}
