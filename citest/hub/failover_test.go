package hub_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/opencode-hub/citest/testutil"
	"github.com/opencode-ai/opencode-hub/pkg/types"
)

var _ = Describe("Failover", func() {
	var backend *testutil.FakeBackend

	BeforeEach(func() {
		var err error
		backend, err = testutil.StartFakeBackend("/work/failover")
		Expect(err).NotTo(HaveOccurred())

		testHub.Discovery.Set(backend.Server())
		Eventually(testHub.Manager.IsConnected, 10*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	AfterEach(func() {
		testHub.Discovery.Set()
		backend.Stop()
		Eventually(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 10*time.Second, 20*time.Millisecond).Should(BeZero())
	})

	portState := func(port int) types.ConnectionState {
		for _, ps := range testHub.Manager.ConnectionStates() {
			if ps.Port == port {
				return ps.State
			}
		}
		return ""
	}

	It("keeps retrying while discovery still lists the server", func() {
		backend.Stop()

		Eventually(func() types.ConnectionState {
			return portState(backend.Port)
		}, 10*time.Second, 20*time.Millisecond).ShouldNot(Equal(types.Connected))

		// The port stays in the registry; the connector is cycling.
		Consistently(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 500*time.Millisecond, 50*time.Millisecond).Should(Equal(1))
	})

	It("reconnects when the server comes back on the same port", func() {
		backend.Stop()
		Eventually(func() types.ConnectionState {
			return portState(backend.Port)
		}, 10*time.Second, 20*time.Millisecond).ShouldNot(Equal(types.Connected))

		Expect(backend.Start()).To(Succeed())

		Eventually(func() types.ConnectionState {
			return portState(backend.Port)
		}, 10*time.Second, 20*time.Millisecond).Should(Equal(types.Connected))

		// And the feed flows again.
		sse := testHub.SSEClient()
		Expect(sse.Connect(ctx, "/event")).To(Succeed())
		defer sse.Close()

		Expect(backend.EmitEvent("message.updated", map[string]string{"sessionID": "ses_back"})).To(Succeed())

		item, err := sse.WaitForFeedItem("message.updated", 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(item.Port).To(Equal(backend.Port))
	})

	It("drops the connection when discovery stops listing the server", func() {
		testHub.Discovery.Set()

		Eventually(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 10*time.Second, 20*time.Millisecond).Should(BeZero())
		Expect(testHub.Manager.IsConnected()).To(BeFalse())
	})
})
