package hub_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/opencode-hub/citest/testutil"
)

var _ = Describe("Event Aggregation", func() {
	var backendA, backendB *testutil.FakeBackend

	BeforeEach(func() {
		var err error
		backendA, err = testutil.StartFakeBackend("/work/project-a")
		Expect(err).NotTo(HaveOccurred())
		backendB, err = testutil.StartFakeBackend("/work/project-b")
		Expect(err).NotTo(HaveOccurred())

		testHub.Discovery.Set(backendA.Server(), backendB.Server())

		Eventually(func() bool {
			return len(testHub.Manager.ConnectionStates()) == 2 && testHub.Manager.IsConnected()
		}, 10*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	AfterEach(func() {
		testHub.Discovery.Set()
		backendA.Stop()
		backendB.Stop()
		Eventually(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 10*time.Second, 20*time.Millisecond).Should(BeZero())
	})

	It("merges events from every backend into one stream", func() {
		sse := testHub.SSEClient()
		Expect(sse.Connect(ctx, "/event")).To(Succeed())
		defer sse.Close()

		evt, err := sse.WaitForAnyEvent(10 * time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.IsHubConnected()).To(BeTrue())

		Expect(backendA.EmitEvent("message.updated", map[string]string{"sessionID": "ses_a"})).To(Succeed())
		Expect(backendB.EmitEvent("session.idle", map[string]string{"sessionID": "ses_b"})).To(Succeed())

		itemA, err := sse.WaitForFeedItem("message.updated", 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(itemA.Port).To(Equal(backendA.Port))
		Expect(itemA.Directory).To(Equal("/work/project-a"))

		itemB, err := sse.WaitForFeedItem("session.idle", 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(itemB.Port).To(Equal(backendB.Port))
		Expect(itemB.Directory).To(Equal("/work/project-b"))
	})

	It("suppresses events from the global pseudo-directory", func() {
		globalBackend, err := testutil.StartFakeBackend("global")
		Expect(err).NotTo(HaveOccurred())
		defer globalBackend.Stop()

		testHub.Discovery.Set(backendA.Server(), backendB.Server(), globalBackend.Server())
		Eventually(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 10*time.Second, 20*time.Millisecond).Should(Equal(3))

		sse := testHub.SSEClient()
		Expect(sse.Connect(ctx, "/event")).To(Succeed())
		defer sse.Close()

		Expect(globalBackend.EmitEvent("message.updated", map[string]string{"sessionID": "ses_global"})).To(Succeed())
		Expect(backendA.EmitEvent("message.updated", map[string]string{"sessionID": "ses_a"})).To(Succeed())

		// The non-global event arrives; the global one never does.
		item, err := sse.WaitForFeedItem("message.updated", 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(item.Port).To(Equal(backendA.Port))

		extra := sse.CollectEvents(500 * time.Millisecond)
		for _, evt := range extra {
			feedItem, err := evt.ParseFeedItem()
			if err != nil {
				continue
			}
			Expect(feedItem.Directory).NotTo(Equal("global"))
		}

		// Sessions seen on the global stream still become routable.
		Eventually(func() bool {
			_, ok := testHub.Manager.PortForSession("ses_global")
			return ok
		}, 10*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	It("exposes per-port connection state over /state", func() {
		sse := testHub.SSEClient()
		Expect(sse.Connect(ctx, "/event")).To(Succeed())
		defer sse.Close()

		snap := testHub.Manager.CurrentState()
		Expect(snap.Connected).To(BeTrue())
		Expect(snap.Servers).To(HaveLen(2))
		Expect(snap.Connections).To(HaveLen(2))
	})
})
