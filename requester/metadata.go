/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"os"

	"github.com/pkg/errors"

	"github.com/voiceos/assetcore/request"
)

// Metadata is the persistent record behind a Requester (C3, spec.md §3):
// the originating request, the current resource id, and the last-used
// timestamp. It is the in-memory mirror of the requests/<summary>
// sidecar file.
type Metadata struct {
	Request         request.Request
	ResourceID      string
	LastUsedEpochMs int64
}

// loadMetadata parses a sidecar file; a missing required field or
// unparsable JSON is reported so the caller can erase the sidecar
// (spec.md §4.1 startup sequence, §6).
func loadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	req, resourceID, usedMs, err := request.Parse(data)
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "requester: invalid sidecar %q", path)
	}
	if resourceID == "" {
		return Metadata{}, errors.Errorf("requester: sidecar %q missing resourceId", path)
	}
	return Metadata{Request: req, ResourceID: resourceID, LastUsedEpochMs: usedMs}, nil
}

// saveMetadata persists the sidecar via atomic rename through a .tmp staging file
// (spec.md §6: "<summary>.tmp // atomic-rename staging; never loaded").
func saveMetadata(path string, md Metadata) error {
	data, err := request.Marshal(md.Request, md.ResourceID, md.LastUsedEpochMs)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
