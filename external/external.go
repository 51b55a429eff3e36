// Package external declares the collaborator interfaces the asset cache
// core consumes but does not implement (spec.md §1, §6): the HTTP client,
// the auth token provider, the archive unpacker, the content-service
// endpoint builder, filesystem helpers, the reachability monitor, and the
// metric sink. Production wiring supplies concrete adapters; tests supply
// fakes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package external

import (
	"context"
	"io"
)

// ProgressFunc is invoked on every HTTP progress tick; returning false
// cancels the transfer (spec.md §5, "Suspension and blocking").
type ProgressFunc func(nRead int64) (keepGoing bool)

// GetResult carries a streaming GET response body plus whatever headers
// the caller needs (Content-Length, Content-Type for multipart detection).
type GetResult struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	StatusCode    int
}

// HTTPClient is the transport collaborator. Implementations apply their
// own connect/low-speed timeouts; the Requester imposes no absolute
// timeout of its own (spec.md §5).
type HTTPClient interface {
	Get(ctx context.Context, url string, headers map[string]string, throttled bool, progress ProgressFunc) (*GetResult, error)
	Head(ctx context.Context, url string, headers map[string]string) (headers_ map[string]string, statusCode int, err error)
}

// AuthProvider fetches a bearer token synchronously for service requests.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

// UnpackDestination receives the unpacked tree's conventional name once
// streaming unpack completes.
type UnpackDestination struct {
	Dir          string
	ConventionalName string
}

// ArchiveUnpacker consumes a stream of chunks and writes them into a
// destination directory, capped at maxBytes uncompressed (spec.md §6,
// default 64 MiB in callers).
type ArchiveUnpacker interface {
	Unpack(ctx context.Context, chunks <-chan []byte, destDir string, maxBytes int64) (UnpackDestination, error)
}

// EndpointBuilder produces a content-service URL from a structured
// service request (spec.md §4.2, service requester check step 1).
type EndpointBuilder interface {
	ServiceCheckURL(artifactType, key string, filters map[string][]string, region string) string
}

// Filesystem groups the primitive filesystem helpers the core needs
// without depending on a specific OS abstraction (spec.md §6).
type Filesystem interface {
	MkdirAll(path string) error
	RemoveAll(path string) error
	Move(src, dst string) error
	SizeOf(path string) (int64, error)
	PathContainsPrefix(path, prefix string) bool
	FreeBytes(path string) (uint64, error)
}

// Reachability lets the core subscribe to network up/down transitions.
// Neither the Requester nor the Asset Manager holds one: requester.Deps
// has no Reachability field, and nothing in the core subscribes to it.
type Reachability interface {
	Subscribe(onChange func(up bool)) (unsubscribe func())
}

// MetricSink is the counters/timers/strings collaborator (spec.md §6).
type MetricSink interface {
	Inc(name string)
	Add(name string, n int64)
	Timing(name string, d int64)
}
