package eventbus_test

import (
	"context"
	"io"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/eventbus"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

func TestEventBus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventBus Suite")
}

func newTestBus() *eventbus.Bus {
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)
	breakers := breaker.NewManager(entry)
	sink := metrics.NewSink(metrics.NewPrometheusForwarder(prometheus.NewRegistry()), breakers, entry)
	return eventbus.New(breakers, sink, entry)
}

var _ = Describe("Bus", func() {
	var bus *eventbus.Bus

	BeforeEach(func() {
		bus = newTestBus()
	})

	AfterEach(func() {
		bus.Shutdown()
	})

	Describe("Publish/Subscribe", func() {
		It("delivers a published event to a subscriber of the same type", func() {
			sub, err := bus.Subscribe("threat_detected")
			Expect(err).NotTo(HaveOccurred())

			evt := types.NewEvent("threat_detected", []byte("payload"), types.PriorityHigh, nil)
			Expect(bus.Publish(context.Background(), evt)).To(Succeed())

			Eventually(sub.C()).Should(Receive(Equal(evt)))
		})

		It("succeeds with zero subscribers", func() {
			evt := types.NewEvent("nobody_listens", nil, types.PriorityLow, nil)
			Expect(bus.Publish(context.Background(), evt)).To(Succeed())
		})

		It("rejects an event with an empty type", func() {
			evt := types.NewEvent("", nil, types.PriorityLow, nil)
			err := bus.Publish(context.Background(), evt)
			Expect(err).To(HaveOccurred())
		})

		It("does not deliver to a subscriber of a different type", func() {
			sub, err := bus.Subscribe("type_a")
			Expect(err).NotTo(HaveOccurred())

			evt := types.NewEvent("type_b", nil, types.PriorityLow, nil)
			Expect(bus.Publish(context.Background(), evt)).To(Succeed())

			Consistently(sub.C(), 50*time.Millisecond).ShouldNot(Receive())
		})

		// Ordering guarantee (§5): events for one (type, subscriber) pair
		// arrive in publish order.
		It("preserves FIFO order per subscriber", func() {
			sub, err := bus.Subscribe("ordered")
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 5; i++ {
				evt := types.NewEvent("ordered", []byte{byte(i)}, types.PriorityLow, nil)
				Expect(bus.Publish(context.Background(), evt)).To(Succeed())
			}

			for i := 0; i < 5; i++ {
				var got types.Event
				Eventually(sub.C()).Should(Receive(&got))
				Expect(got.Payload).To(Equal([]byte{byte(i)}))
			}
		})
	})

	Describe("Unsubscribe", func() {
		It("lets a publish after unsubscribe succeed without blocking", func() {
			sub, err := bus.Subscribe("cleanup_me")
			Expect(err).NotTo(HaveOccurred())
			sub.Unsubscribe()

			// Publishing to a type whose only subscriber has unsubscribed
			// skips that subscriber: the bus should not panic or block.
			evt := types.NewEvent("cleanup_me", nil, types.PriorityLow, nil)
			Expect(bus.Publish(context.Background(), evt)).To(Succeed())
		})
	})

	Describe("Drain", func() {
		It("returns immediately available events without blocking", func() {
			sub, err := bus.Subscribe("batch")
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 3; i++ {
				evt := types.NewEvent("batch", nil, types.PriorityLow, nil)
				Expect(bus.Publish(context.Background(), evt)).To(Succeed())
			}
			Eventually(func() int {
				return len(sub.C())
			}).Should(Equal(3))

			out := sub.Drain(context.Background(), 10)
			Expect(out).To(HaveLen(3))
		})

		It("returns an empty slice when nothing is queued", func() {
			sub, err := bus.Subscribe("empty")
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Drain(context.Background(), 10)).To(BeEmpty())
		})
	})

	Describe("Shutdown", func() {
		It("rejects new subscriptions and publishes after shutdown", func() {
			bus.Shutdown()
			_, err := bus.Subscribe("too_late")
			Expect(err).To(HaveOccurred())

			evt := types.NewEvent("too_late", nil, types.PriorityLow, nil)
			Expect(bus.Publish(context.Background(), evt)).To(HaveOccurred())
		})
	})
})
