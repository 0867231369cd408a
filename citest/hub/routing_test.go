package hub_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/opencode-hub/citest/testutil"
)

var _ = Describe("Session Routing", func() {
	var backend *testutil.FakeBackend

	getRoute := func(path string) (int, map[string]any) {
		resp, err := http.Get(testHub.BaseURL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return resp.StatusCode, body
	}

	BeforeEach(func() {
		var err error
		backend, err = testutil.StartFakeBackend("/work/routed")
		Expect(err).NotTo(HaveOccurred())

		testHub.Discovery.Set(backend.Server("ses_listed"))
		Eventually(testHub.Manager.IsConnected, 10*time.Second, 20*time.Millisecond).Should(BeTrue())
	})

	AfterEach(func() {
		testHub.Discovery.Set()
		backend.Stop()
		Eventually(func() int {
			return len(testHub.Manager.ConnectionStates())
		}, 10*time.Second, 20*time.Millisecond).Should(BeZero())
	})

	It("routes sessions advertised by discovery", func() {
		Eventually(func() bool {
			_, ok := testHub.Manager.PortForSession("ses_listed")
			return ok
		}, 10*time.Second, 20*time.Millisecond).Should(BeTrue())

		status, body := getRoute("/route/session/ses_listed")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["baseUrl"]).To(Equal(fmt.Sprintf("/api/opencode/%d", backend.Port)))
	})

	It("learns routes from session events on the stream", func() {
		Expect(backend.EmitEvent("session.created", map[string]any{
			"info": map[string]string{"id": "ses_streamed"},
		})).To(Succeed())

		Eventually(func() bool {
			_, ok := testHub.Manager.PortForSession("ses_streamed")
			return ok
		}, 10*time.Second, 20*time.Millisecond).Should(BeTrue())

		status, body := getRoute("/route/session/ses_streamed")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["port"]).To(BeNumerically("==", backend.Port))
	})

	It("falls back to directory routing for unknown sessions", func() {
		status, body := getRoute("/route/session/ses_unknown?directory=/work/routed")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["baseUrl"]).To(Equal(fmt.Sprintf("/api/opencode/%d", backend.Port)))
	})

	It("returns 404 when nothing matches", func() {
		status, body := getRoute("/route/session/ses_unknown")
		Expect(status).To(Equal(http.StatusNotFound))
		errObj, ok := body["error"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(errObj["code"]).To(Equal("NOT_FOUND"))
	})

	It("resolves directories directly", func() {
		status, body := getRoute("/route/directory?directory=/work/routed")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["baseUrl"]).To(Equal(fmt.Sprintf("/api/opencode/%d", backend.Port)))
	})
})
