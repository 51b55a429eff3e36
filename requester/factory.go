/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/voiceos/assetcore/request"
)

// Build constructs a fresh, un-started Requester for req (C6, spec.md
// §4.1 "Request Factory" / §4.2). sidecarPath is where its metadata
// eventually gets persisted once it reaches LOADED.
func Build(req request.Request, sidecarPath string, deps Deps, onCheckFailure, onDownloadFailure func(error)) (*Requester, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := &Requester{
		deps:              deps,
		summary:           req.Summary(),
		sidecarPath:       sidecarPath,
		state:             StateInit,
		priority:          PriorityUnused,
		metadata:          Metadata{Request: req},
		onCheckFailure:    onCheckFailure,
		onDownloadFailure: onDownloadFailure,
	}
	r.variant = buildVariant(req, r)
	return r, nil
}

func buildVariant(req request.Request, r *Requester) variant {
	switch typed := req.(type) {
	case *request.ServiceRequest:
		v := newServiceVariant(typed)
		v.r = r
		return v
	case *request.UrlRequest:
		v := newURLVariant(typed)
		v.r = r
		return v
	default:
		return nil
	}
}

// CreateFromStorage rebuilds a Requester from a persisted sidecar at
// startup (spec.md §4.1): the resource it names must already be present
// in the Storage Manager's bank, acquired once here so its ref count
// reflects the reload. A malformed sidecar is reported so the caller can
// erase it, per the startup sequence's "parse failure invalidates the
// entire Requester" rule (spec.md §6).
func CreateFromStorage(sidecarPath string, deps Deps, onCheckFailure, onDownloadFailure func(error)) (*Requester, error) {
	md, err := loadMetadata(sidecarPath)
	if err != nil {
		return nil, err
	}

	res, ok := deps.Storage.AcquireResource(md.ResourceID)
	if !ok {
		return nil, errors.Errorf("requester: sidecar %q references unknown resource %q", filepath.Base(sidecarPath), md.ResourceID)
	}

	r := &Requester{
		deps:              deps,
		summary:           md.Request.Summary(),
		sidecarPath:       sidecarPath,
		state:             StateLoaded,
		priority:          PriorityUnused,
		metadata:          md,
		resource:          res,
		busRegistered:     false,
		onCheckFailure:    onCheckFailure,
		onDownloadFailure: onDownloadFailure,
	}
	r.variant = buildVariant(md.Request, r)
	r.mu.Lock()
	r.ensureBusRegisteredLocked()
	r.mu.Unlock()
	return r, nil
}
