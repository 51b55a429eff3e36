// Package urlpolicy implements the URL allow-list (C8, spec.md §4.2): a
// prefix-match policy over URL downloads, with an explicit "allow all"
// escape hatch that product policy should disable in production (spec.md
// §9, Open Question).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package urlpolicy

import "strings"

// AllowList holds a set of allowed URL prefixes. AllowAll, when set via
// NewAllowAll, bypasses prefix matching entirely — callers must choose
// that constructor explicitly; it is never the default.
type AllowList struct {
	prefixes []string
	allowAll bool
}

func New(prefixes ...string) *AllowList {
	return &AllowList{prefixes: append([]string(nil), prefixes...)}
}

// NewAllowAll builds an allow-list that permits every URL. This is a
// test/back-door switch (spec.md §9); production wiring must not use it.
func NewAllowAll() *AllowList {
	return &AllowList{allowAll: true}
}

// Allowed reports whether url matches any configured prefix exactly, or
// whether the allow-list is in allow-all mode.
func (a *AllowList) Allowed(url string) bool {
	if a.allowAll {
		return true
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}
