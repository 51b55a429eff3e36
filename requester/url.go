/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/voiceos/assetcore/aerr"
	"github.com/voiceos/assetcore/request"
)

// defaultURLSize is used when a HEAD probe omits Content-Length, so that
// space reservation is still conservative (spec.md §4.2).
const defaultURLSize = 1 << 20

// urlVariant addresses an artifact by a direct or signed URL, gated by an
// allow-list (spec.md §4.2, §9). It never registers for server-driven
// auto-update: onPriorityChanged is a no-op.
type urlVariant struct {
	req *request.UrlRequest
	r   *Requester
}

func newURLVariant(req *request.UrlRequest) *urlVariant {
	return &urlVariant{req: req}
}

func (v *urlVariant) check(ctx context.Context) (checkResult, error) {
	if !v.r.deps.AllowList.Allowed(v.req.URL) {
		// A policy violation, not a transient server response: no retry,
		// and a Requester that has never loaded goes straight to INVALID
		// (spec.md §7, CatastrophicFailure; §8 negative scenario).
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.Errorf("url %q is not on the allow-list", v.req.URL))
	}

	headCtx := ctx
	cancel := func() {}
	if v.r.deps.Timing.HeadRequestTimeout > 0 {
		headCtx, cancel = context.WithTimeout(ctx, v.r.deps.Timing.HeadRequestTimeout)
	}
	defer cancel()

	headers, status, err := v.r.deps.HTTP.Head(headCtx, v.req.URL, nil)
	if err != nil {
		return checkResult{}, aerr.New(aerr.KindConnectionFailed, v.r.summary, err)
	}
	if status < 200 || status >= 300 {
		return checkResult{}, aerr.New(aerr.KindForStatus(status), v.r.summary, errors.Errorf("url head: status %d", status))
	}

	size := uint64(defaultURLSize)
	if cl, ok := headers["Content-Length"]; ok && cl != "" {
		if n, perr := parseUint(cl); perr == nil && n > 0 {
			size = n
		}
	}

	// The URL identifies the resource for content-addressed sharing
	// (spec.md §4.2 "Sharing"): two URL requests resolving to the same
	// URL share one on-disk Resource. The raw URL is not itself a legal
	// directory name, so the bank id is its hash.
	sum := sha256.Sum256([]byte(v.req.URL))
	return checkResult{identifier: hex.EncodeToString(sum[:]), sizeBytes: size}, nil
}

func parseUint(s string) (uint64, error) {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("not a number: %q", s)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func (v *urlVariant) fetch(ctx context.Context, cr checkResult) (string, error) {
	v.r.mu.Lock()
	throttled := v.r.throttled
	v.r.mu.Unlock()

	res, err := v.r.deps.HTTP.Get(ctx, v.req.URL, nil, throttled, nil)
	if err != nil {
		return "", aerr.New(aerr.KindConnectionFailed, v.r.summary, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", aerr.New(aerr.KindForStatus(res.StatusCode), v.r.summary, errors.Errorf("url fetch: status %d", res.StatusCode))
	}
	return v.r.persistBody(ctx, res.Body, res.ContentLength)
}

// onPriorityChanged is a no-op: plain URL requests are never registered
// for server-driven refresh (spec.md §4.2 step 5 applies to the service
// requester only).
func (v *urlVariant) onPriorityChanged(p Priority) {}
