/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package requester

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/voiceos/assetcore/aerr"
	"github.com/voiceos/assetcore/request"
)

var svcJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// serviceCheckResponse is the wire shape of a content-service check,
// whether it arrives as the full GET body or as the JSON part of a
// multipart response (spec.md §6).
type serviceCheckResponse struct {
	ArtifactIdentifier string `json:"artifactIdentifier"`
	ArtifactSize       uint64 `json:"artifactSize"`
	ArtifactTimeToLive int64  `json:"artifactTimeToLive"`
	DownloadURL        string `json:"downloadUrl,omitempty"`
	URLExpiryEpoch     int64  `json:"urlExpiryEpoch,omitempty"`
}

// serviceVariant addresses an artifact through the content service
// (spec.md §4.2, service Requester). It never assumes downloadUrl is
// present: a multipart check response already carries the artifact body
// (spec.md §9, Open Question), in which case fetch just drains cr.inlineBody.
type serviceVariant struct {
	req *request.ServiceRequest
	r   *Requester

	mu        sync.Mutex
	ticker    *time.Ticker
	tickerDone chan struct{}
	lastTTL   time.Duration
}

func newServiceVariant(req *request.ServiceRequest) *serviceVariant {
	return &serviceVariant{req: req}
}

func (v *serviceVariant) check(ctx context.Context) (checkResult, error) {
	cr, err := v.checkOnce(ctx)
	if err == nil && cr.ttl > 0 {
		v.mu.Lock()
		v.lastTTL = cr.ttl
		if v.ticker != nil {
			v.ticker.Reset(cr.ttl)
		}
		v.mu.Unlock()
	}
	return cr, err
}

func (v *serviceVariant) checkOnce(ctx context.Context) (checkResult, error) {
	url := v.r.deps.Endpoint.ServiceCheckURL(v.req.Type, v.req.Key, v.req.Filters, v.req.Region.String())

	headers := map[string]string{}
	if v.r.deps.Auth != nil {
		token, err := v.r.deps.Auth.Token(ctx)
		if err != nil {
			return checkResult{}, aerr.New(aerr.KindConnectionFailed, v.r.summary, errors.Wrap(err, "auth token"))
		}
		headers["Authorization"] = "Bearer " + token
	}

	res, err := v.r.deps.HTTP.Get(ctx, url, headers, false, nil)
	if err != nil {
		return checkResult{}, aerr.New(aerr.KindConnectionFailed, v.r.summary, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return checkResult{}, aerr.New(aerr.KindForStatus(res.StatusCode), v.r.summary, errors.Errorf("service check: status %d", res.StatusCode))
	}

	mediaType, params, _ := mime.ParseMediaType(res.ContentType)
	if strings.HasPrefix(mediaType, "multipart") {
		return v.parseMultipart(res.Body, params["boundary"])
	}
	return v.parseSingleJSON(res.Body)
}

func (v *serviceVariant) parseSingleJSON(body io.Reader) (checkResult, error) {
	var resp serviceCheckResponse
	if err := svcJSON.NewDecoder(body).Decode(&resp); err != nil {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.Wrap(err, "decode service check"))
	}
	if resp.ArtifactIdentifier == "" {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.New("service check: missing artifactIdentifier"))
	}
	return checkResult{
		identifier:  resp.ArtifactIdentifier,
		sizeBytes:   resp.ArtifactSize,
		ttl:         ttlFromResponse(resp),
		downloadURL: resp.DownloadURL,
	}, nil
}

// parseMultipart reads the JSON descriptor part then buffers the
// application/octet-stream part as the artifact itself (spec.md §6, §9).
func (v *serviceVariant) parseMultipart(body io.Reader, boundary string) (checkResult, error) {
	if boundary == "" {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.New("service check: multipart with no boundary"))
	}
	mr := multipart.NewReader(body, boundary)

	part, err := mr.NextPart()
	if err != nil {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.Wrap(err, "multipart: first part"))
	}
	var resp serviceCheckResponse
	if err := svcJSON.NewDecoder(part).Decode(&resp); err != nil {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.Wrap(err, "multipart: decode json part"))
	}
	if resp.ArtifactIdentifier == "" {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.New("multipart: missing artifactIdentifier"))
	}

	binPart, err := mr.NextPart()
	if err != nil {
		return checkResult{}, aerr.New(aerr.KindCatastrophic, v.r.summary, errors.Wrap(err, "multipart: second part"))
	}
	inline, err := io.ReadAll(binPart)
	if err != nil {
		return checkResult{}, aerr.New(aerr.KindConnectionFailed, v.r.summary, errors.Wrap(err, "multipart: read body part"))
	}

	return checkResult{
		identifier: resp.ArtifactIdentifier,
		sizeBytes:  resp.ArtifactSize,
		ttl:        ttlFromResponse(resp),
		inlineBody: inline,
	}, nil
}

func ttlFromResponse(resp serviceCheckResponse) time.Duration {
	if resp.ArtifactTimeToLive <= 0 {
		return 0
	}
	return time.Duration(resp.ArtifactTimeToLive) * time.Millisecond
}

// fetch persists the artifact: an inline multipart body is written
// directly, otherwise downloadUrl is fetched as a second HTTP request
// (spec.md §6).
func (v *serviceVariant) fetch(ctx context.Context, cr checkResult) (string, error) {
	if cr.inlineBody != nil {
		return v.r.persistBody(ctx, &byteReader{b: cr.inlineBody}, int64(len(cr.inlineBody)))
	}
	if cr.downloadURL == "" {
		return "", aerr.New(aerr.KindCatastrophic, v.r.summary, errors.New("service fetch: no downloadUrl and no inline body"))
	}

	res, err := v.r.deps.HTTP.Get(ctx, cr.downloadURL, nil, v.throttled(), nil)
	if err != nil {
		return "", aerr.New(aerr.KindConnectionFailed, v.r.summary, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", aerr.New(aerr.KindForStatus(res.StatusCode), v.r.summary, errors.Errorf("service fetch: status %d", res.StatusCode))
	}

	// artifactSize from the check response is the server's declared size
	// (spec.md §6); prefer it over a possibly-absent Content-Length so the
	// checksum-mismatch check still fires against chunked responses.
	expectedSize := res.ContentLength
	if cr.sizeBytes > 0 {
		expectedSize = int64(cr.sizeBytes)
	}
	return v.r.persistBody(ctx, res.Body, expectedSize)
}

func (v *serviceVariant) throttled() bool {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	return v.r.throttled
}

// onPriorityChanged implements spec.md §4.2 step 5: ACTIVE registers the
// request for server-driven refresh checks at the TTL interval;
// anything else is download-once and stops the ticker.
func (v *serviceVariant) onPriorityChanged(p Priority) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p != PriorityActive {
		v.stopTickerLocked()
		return
	}
	if v.ticker != nil {
		return
	}
	interval := v.r.deps.Timing.UpdateRetryInterval
	if v.lastTTL > 0 {
		interval = v.lastTTL
	}
	v.ticker = time.NewTicker(interval)
	done := make(chan struct{})
	v.tickerDone = done
	ticker := v.ticker
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				v.r.triggerRecheck(context.Background())
			}
		}
	}()
}

func (v *serviceVariant) stopTickerLocked() {
	if v.ticker == nil {
		return
	}
	v.ticker.Stop()
	close(v.tickerDone)
	v.ticker = nil
	v.tickerDone = nil
}

// byteReader adapts an in-memory slice to io.Reader without pulling in
// bytes.Reader's seek machinery the caller does not need.
type byteReader struct {
	b   []byte
	pos int
}

func (br *byteReader) Read(p []byte) (int, error) {
	if br.pos >= len(br.b) {
		return 0, io.EOF
	}
	n := copy(p, br.b[br.pos:])
	br.pos += n
	return n, nil
}
