package pikamq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	ginkgo "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newTestPoller() *poller {
	e := testEngine(&Config{Hosts: []string{"amqp://localhost"}, DefaultExchange: "myapp"})
	p := newPoller(e, false, 0, func(ctx context.Context, ch *amqp.Channel) (string, error) {
		return "unused", nil
	})
	p.state = pollerRunning
	return p
}

var _ = ginkgo.Describe("poller buffering", func() {

	ginkgo.It("delivers buffered messages in FIFO order", func() {
		p := newTestPoller()
		p.buffer = append(p.buffer, amqp.Delivery{MessageId: "1"}, amqp.Delivery{MessageId: "2"})

		d1, err := p.Poll(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(d1.MessageId).To(Equal("1"))

		d2, err := p.Poll(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(d2.MessageId).To(Equal("2"))
	})

	ginkgo.It("blocks until a delivery is pushed in from another goroutine", func() {
		p := newTestPoller()

		done := make(chan *amqp.Delivery, 1)
		go func() {
			d, err := p.Poll(context.Background())
			Expect(err).NotTo(HaveOccurred())
			done <- d
		}()

		time.Sleep(10 * time.Millisecond)
		p.mu.Lock()
		p.buffer = append(p.buffer, amqp.Delivery{MessageId: "async"})
		p.cond.Broadcast()
		p.mu.Unlock()

		select {
		case d := <-done:
			Expect(d.MessageId).To(Equal("async"))
		case <-time.After(time.Second):
			ginkgo.Fail("Poll never woke up for the pushed delivery")
		}
	})

	ginkgo.It("fails Poll once ctx is done and nothing is buffered", func() {
		p := newTestPoller()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := p.Poll(ctx)
		Expect(err).To(BeAssignableToTypeOf(&MessagingTimeout{}))
	})

	ginkgo.It("fails Poll once the poller is stopped, even with an empty buffer", func() {
		p := newTestPoller()
		p.Stop()

		_, err := p.Poll(context.Background())
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("still drains a buffered delivery after Stop, then fails", func() {
		p := newTestPoller()
		p.buffer = append(p.buffer, amqp.Delivery{MessageId: "last"})
		p.Stop()

		d, err := p.Poll(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(d.MessageId).To(Equal("last"))

		_, err = p.Poll(context.Background())
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("Cleanup discards any buffered deliveries", func() {
		p := newTestPoller()
		p.buffer = append(p.buffer, amqp.Delivery{MessageId: "dropped"})
		p.Cleanup()

		_, err := p.Poll(context.Background())
		Expect(err).To(HaveOccurred())
	})
})

var _ = ginkgo.Describe("readLoop on a stopped poller", func() {

	ginkgo.It("drops deliveries that arrive after Stop instead of buffering them", func() {
		p := newTestPoller()
		// noAck avoids exercising Delivery.Reject, which needs a real
		// broker-supplied Acknowledger this unit test does not have.
		p.noAck = true
		p.state = pollerStopped

		deliveries := make(chan amqp.Delivery, 1)
		deliveries <- amqp.Delivery{MessageId: "late"}
		close(deliveries)

		p.readLoop(deliveries)

		Expect(p.buffer).To(BeEmpty())
	})
})
