/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package urlpolicy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voiceos/assetcore/urlpolicy"
)

func TestAllowListPrefixMatch(t *testing.T) {
	al := urlpolicy.New("https://cdn.example.com/", "https://assets.example.com/")
	require.True(t, al.Allowed("https://cdn.example.com/a.tar"))
	require.True(t, al.Allowed("https://assets.example.com/b.tar"))
	require.False(t, al.Allowed("https://evil.example.com/a.tar"))
}

func TestAllowListEmptyDeniesEverything(t *testing.T) {
	al := urlpolicy.New()
	require.False(t, al.Allowed("https://cdn.example.com/a.tar"))
}

func TestAllowAllBypassesPrefixes(t *testing.T) {
	al := urlpolicy.NewAllowAll()
	require.True(t, al.Allowed("http://anything"))
}
