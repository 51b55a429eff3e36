// Package resource defines Resource (C1): an immutable record of a
// content-addressed blob on disk, owned exclusively by the Storage
// Manager (spec.md §3). Consumers never see a Resource directly; they see
// paths handed out by a Requester.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package resource

import (
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resource is the Storage Manager's bank entry. RefCount is mutated only
// by the Storage Manager, under its own mutex.
type Resource struct {
	ID        string
	Directory string
	Filename  string
	SizeBytes uint64
	RefCount  int
}

// Path is the full on-disk path a LOADED Requester hands to consumers.
func (r *Resource) Path() string {
	return filepath.Join(r.Directory, r.Filename)
}

// sidecar is the on-disk metadata.json companion (spec.md §3, §6).
type sidecar struct {
	ID   string `json:"id"`
	Size uint64 `json:"size"`
	Name string `json:"name"`
}

const SidecarName = "metadata.json"

func MarshalSidecar(r *Resource) ([]byte, error) {
	return json.Marshal(sidecar{ID: r.ID, Size: r.SizeBytes, Name: r.Filename})
}

// UnmarshalSidecar parses metadata.json into a Resource whose Directory
// the caller fills in (the sidecar itself does not record it).
func UnmarshalSidecar(data []byte, directory string) (*Resource, error) {
	var s sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &Resource{ID: s.ID, Directory: directory, Filename: s.Name, SizeBytes: s.Size}, nil
}
