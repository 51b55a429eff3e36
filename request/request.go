// Package request implements the Request sum type (spec.md §3) and the
// Request Factory (component C5): parsing a persisted or wire JSON
// descriptor into a typed Request, and computing its canonical summary.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Region is the service request's geographic endpoint selector.
type Region int

const (
	RegionNA Region = iota
	RegionEU
	RegionFE
)

func (r Region) String() string {
	switch r {
	case RegionEU:
		return "EU"
	case RegionFE:
		return "FE"
	default:
		return "NA"
	}
}

// Request is the sum type over ServiceRequest and UrlRequest (spec.md §3).
// Equality on Request is equality of Summary().
type Request interface {
	Summary() string
	Validate() error
	// wireFields returns the request-specific fields to merge into the
	// flattened sidecar JSON object (spec.md §6).
	wireFields() map[string]interface{}
	// Unpack reports whether the downloaded artifact should be streamed
	// through the archive unpacker.
	Unpack() bool
}

// ServiceRequest addresses an artifact by structured key against the
// content service.
type ServiceRequest struct {
	Type    string
	Key     string
	Filters map[string][]string
	Region  Region
	Unpack_ bool
}

func (s *ServiceRequest) Unpack() bool { return s.Unpack_ }

func (s *ServiceRequest) Validate() error {
	if s.Type == "" {
		return errors.New("service request: type must not be empty")
	}
	if s.Key == "" {
		return errors.New("service request: key must not be empty")
	}
	for k, vs := range s.Filters {
		if len(vs) == 0 {
			return errors.Errorf("service request: filter %q has no values", k)
		}
	}
	return nil
}

// Summary is a canonical hash-stable string: filters are sorted by key
// and value before hashing so that equivalent maps always hash the same.
func (s *ServiceRequest) Summary() string {
	h := sha256.New()
	fmt.Fprintf(h, "service|%s|%s|%d|%t|", s.Type, s.Key, s.Region, s.Unpack_)

	keys := make([]string, 0, len(s.Filters))
	for k := range s.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string(nil), s.Filters[k]...)
		sort.Strings(vs)
		fmt.Fprintf(h, "%s=%s;", k, strings.Join(vs, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *ServiceRequest) wireFields() map[string]interface{} {
	return map[string]interface{}{
		"artifactType": s.Type,
		"artifactKey":  s.Key,
		"filters":      s.Filters,
		"endpoint":     int(s.Region),
		"unpack":       s.Unpack_,
	}
}

// UrlRequest addresses an artifact by a signed or static URL.
type UrlRequest struct {
	URL      string
	Filename string
	Unpack_  bool
	CertPath string
}

func (u *UrlRequest) Unpack() bool { return u.Unpack_ }

func (u *UrlRequest) Validate() error {
	if u.URL == "" {
		return errors.New("url request: url must not be empty")
	}
	if u.Filename == "" {
		return errors.New("url request: filename must not be empty")
	}
	if strings.Contains(u.Filename, "..") {
		return errors.Errorf("url request: filename %q escapes its parent directory", u.Filename)
	}
	if !strings.HasPrefix(u.URL, "https://") && u.CertPath == "" {
		return errors.Errorf("url request: %q requires https or a cert_path", u.URL)
	}
	return nil
}

func (u *UrlRequest) Summary() string {
	h := sha256.New()
	certHash := sha256.Sum256([]byte(u.CertPath))
	urlHash := sha256.Sum256([]byte(u.URL))
	fmt.Fprintf(h, "url|%s|%s|%s|%t", hex.EncodeToString(urlHash[:]), u.Filename, hex.EncodeToString(certHash[:]), u.Unpack_)
	return hex.EncodeToString(h.Sum(nil))
}

func (u *UrlRequest) wireFields() map[string]interface{} {
	return map[string]interface{}{
		"url":      u.URL,
		"filename": u.Filename,
		"unpack":   u.Unpack_,
		"certPath": u.CertPath,
	}
}

// Equal reports whether two requests share a summary.
func Equal(a, b Request) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Summary() == b.Summary()
}

// wireEnvelope is the JSON parse target covering both shapes described in
// spec.md §6; presence of "url" vs "artifactType"/"artifactKey" decides
// which concrete type to build.
type wireEnvelope struct {
	// service fields
	ArtifactType *string             `json:"artifactType,omitempty"`
	ArtifactKey  *string             `json:"artifactKey,omitempty"`
	Filters      map[string][]string `json:"filters,omitempty"`
	Endpoint     *int                `json:"endpoint,omitempty"`

	// url fields
	URL      *string `json:"url,omitempty"`
	Filename *string `json:"filename,omitempty"`
	CertPath *string `json:"certPath,omitempty"`

	// common
	Unpack        bool   `json:"unpack,omitempty"`
	ResourceID    string `json:"resourceId,omitempty"`
	UsedTimestamp int64  `json:"usedTimestamp,omitempty"`
}

// Parse implements the Request Factory (C5): it turns a JSON descriptor
// into a typed Request plus whatever sidecar fields (resourceId,
// usedTimestamp) accompanied it.
func Parse(data []byte) (req Request, resourceID string, usedTimestampMs int64, err error) {
	var env wireEnvelope
	if err = json.Unmarshal(data, &env); err != nil {
		return nil, "", 0, errors.Wrap(err, "request: malformed json")
	}

	switch {
	case env.URL != nil:
		u := &UrlRequest{Unpack_: env.Unpack}
		u.URL = *env.URL
		if env.Filename != nil {
			u.Filename = *env.Filename
		}
		if env.CertPath != nil {
			u.CertPath = *env.CertPath
		}
		if err = u.Validate(); err != nil {
			return nil, "", 0, err
		}
		req = u
	case env.ArtifactType != nil || env.ArtifactKey != nil:
		s := &ServiceRequest{Unpack_: env.Unpack, Filters: env.Filters}
		if env.ArtifactType != nil {
			s.Type = *env.ArtifactType
		}
		if env.ArtifactKey != nil {
			s.Key = *env.ArtifactKey
		}
		if env.Endpoint != nil {
			s.Region = Region(*env.Endpoint)
		}
		if err = s.Validate(); err != nil {
			return nil, "", 0, err
		}
		req = s
	default:
		return nil, "", 0, errors.New("request: neither service nor url fields present")
	}
	return req, env.ResourceID, env.UsedTimestamp, nil
}

// Marshal renders the flattened sidecar/wire JSON shape from spec.md §6.
func Marshal(req Request, resourceID string, usedTimestampMs int64) ([]byte, error) {
	fields := req.wireFields()
	fields["resourceId"] = resourceID
	fields["usedTimestamp"] = usedTimestampMs
	return json.Marshal(fields)
}
