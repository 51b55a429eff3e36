/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package assetmgr_test

import (
	"bytes"
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/voiceos/assetcore/assetmgr"
	"github.com/voiceos/assetcore/config"
	"github.com/voiceos/assetcore/external"
	"github.com/voiceos/assetcore/notifbus"
	"github.com/voiceos/assetcore/request"
	"github.com/voiceos/assetcore/requester"
	"github.com/voiceos/assetcore/urlpolicy"
)

func TestEvictionSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Eviction Suite")
}

// newManagerForSpec mirrors newManager, but fails the running spec
// through Gomega instead of taking a *testing.T.
func newManagerForSpec(http external.HTTPClient) (mgr *assetmgr.Manager, bus *notifbus.Bus, base string) {
	base, err := os.MkdirTemp("", "assetmgr-eviction-spec-")
	Expect(err).NotTo(HaveOccurred())
	bus = notifbus.New()
	deps := requester.Deps{
		HTTP:      http,
		FS:        fsReal{},
		Bus:       bus,
		AllowList: urlpolicy.New("https://cdn.example.com/"),
		Timing:    config.Test(),
	}
	mgr = assetmgr.New(base, deps)
	Expect(mgr.Start()).NotTo(HaveOccurred())
	return mgr, bus, base
}

// waitForResourceIDSpec is waitForResourceID's Gomega-flavored twin: it
// fails the running spec if the sidecar never reaches a loaded state.
func waitForResourceIDSpec(path string) string {
	var resourceID string
	Eventually(func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		_, rid, _, perr := request.Parse(data)
		if perr != nil {
			return ""
		}
		resourceID = rid
		return rid
	}, "2s", "5ms").Should(Not(BeEmpty()))
	return resourceID
}

var _ = Describe("FreeUpSpace", func() {
	var (
		http *fakeHTTP
		mgr  *assetmgr.Manager
		bus  *notifbus.Bus
		base string
	)

	BeforeEach(func() {
		http = newFakeHTTP()
	})

	AfterEach(func() {
		if base != "" {
			_ = os.RemoveAll(base)
		}
	})

	Describe("among requesters of equal priority", func() {
		It("should evict the least-recently-used artifact first", func() {
			http.queue("https://cdn.example.com/a.tar", 200, bytes.Repeat([]byte("a"), 10))
			http.queue("https://cdn.example.com/b.tar", 200, bytes.Repeat([]byte("b"), 10))
			http.queue("https://cdn.example.com/c.tar", 200, bytes.Repeat([]byte("c"), 10))

			mgr, _, base = newManagerForSpec(http)

			aReq := &request.UrlRequest{URL: "https://cdn.example.com/a.tar", Filename: "a.tar"}
			bReq := &request.UrlRequest{URL: "https://cdn.example.com/b.tar", Filename: "b.tar"}
			cReq := &request.UrlRequest{URL: "https://cdn.example.com/c.tar", Filename: "c.tar"}

			Expect(mgr.DownloadArtifact(aReq)).NotTo(HaveOccurred())
			waitForResourceIDSpec(sidecarPath(base, aReq))
			Expect(mgr.DownloadArtifact(bReq)).NotTo(HaveOccurred())
			waitForResourceIDSpec(sidecarPath(base, bReq))
			Expect(mgr.DownloadArtifact(cReq)).NotTo(HaveOccurred())
			waitForResourceIDSpec(sidecarPath(base, cReq))

			Expect(mgr.FreeUpSpace(5)).To(BeTrue())

			_, aErr := os.Stat(sidecarPath(base, aReq))
			Expect(os.IsNotExist(aErr)).To(BeTrue(), "oldest artifact should have been evicted first")
			_, bErr := os.Stat(sidecarPath(base, bReq))
			Expect(bErr).NotTo(HaveOccurred())
			_, cErr := os.Stat(sidecarPath(base, cReq))
			Expect(cErr).NotTo(HaveOccurred())
		})
	})

	Describe("when a requester is ACTIVE", func() {
		It("should not evict it even as the least-valuable candidate by size", func() {
			http.queue("https://cdn.example.com/low.tar", 200, bytes.Repeat([]byte("l"), 100))
			http.queue("https://cdn.example.com/high.tar", 200, bytes.Repeat([]byte("h"), 100))

			mgr, bus, base = newManagerForSpec(http)

			lowReq := &request.UrlRequest{URL: "https://cdn.example.com/low.tar", Filename: "low.tar"}
			highReq := &request.UrlRequest{URL: "https://cdn.example.com/high.tar", Filename: "high.tar"}
			Expect(mgr.DownloadArtifact(lowReq)).NotTo(HaveOccurred())
			Expect(mgr.DownloadArtifact(highReq)).NotTo(HaveOccurred())
			waitForResourceIDSpec(sidecarPath(base, lowReq))
			waitForResourceIDSpec(sidecarPath(base, highReq))

			Expect(bus.WriteProperty(highReq.Summary()+notifbus.SuffixPriority, int(requester.PriorityActive))).To(BeTrue())

			mgr.FreeUpSpace(50)

			_, lowErr := os.Stat(sidecarPath(base, lowReq))
			Expect(os.IsNotExist(lowErr)).To(BeTrue())
			_, highErr := os.Stat(sidecarPath(base, highReq))
			Expect(highErr).NotTo(HaveOccurred())
		})

		It("should report the requested amount as unmet when only protected candidates remain", func() {
			http.queue("https://cdn.example.com/only.tar", 200, bytes.Repeat([]byte("o"), 100))

			mgr, bus, base = newManagerForSpec(http)

			onlyReq := &request.UrlRequest{URL: "https://cdn.example.com/only.tar", Filename: "only.tar"}
			Expect(mgr.DownloadArtifact(onlyReq)).NotTo(HaveOccurred())
			waitForResourceIDSpec(sidecarPath(base, onlyReq))

			Expect(bus.WriteProperty(onlyReq.Summary()+notifbus.SuffixPriority, int(requester.PriorityActive))).To(BeTrue())

			Expect(mgr.FreeUpSpace(50)).To(BeFalse())
			_, err := os.Stat(sidecarPath(base, onlyReq))
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
