package pikamq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	ginkgo "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeAcknowledger is a minimal amqp.Acknowledger that lets tests
// drive end-to-end delivery scenarios without a live broker:
// amqp091-go's *amqp.Channel has no broker-free fake (its methods dial
// real connection internals), but amqp.Delivery.Acknowledger is a plain
// interface, so the ack/nack/requeue half of a scenario is fakeable on
// its own.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    int
	rejected int
	requeued int
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
	if requeue {
		f.requeued++
	}
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

var _ = ginkgo.Describe("cast roundtrip", func() {

	ginkgo.It("round-trips context+payload through the wire body and acks exactly once", func() {
		env := Envelope{
			Context: Context{"request_id": 555, "token": "it is a token"},
			Payload: Payload{"msg_str": "hello", "msg_type": 1},
		}
		body, err := env.Marshal()
		Expect(err).NotTo(HaveOccurred())

		ack := &fakeAcknowledger{}
		delivery := amqp.Delivery{Body: body, Acknowledger: ack, DeliveryTag: 1}

		decoded, err := DecodeRequest(delivery)
		Expect(err).NotTo(HaveOccurred())
		// JSON numbers decode into float64 once round-tripped through
		// UnmarshalEnvelope, same as everywhere else these maps are
		// compared in this package's tests.
		Expect(decoded.Context["request_id"]).To(Equal(float64(555)))
		Expect(decoded.Context["token"]).To(Equal("it is a token"))
		Expect(decoded.Payload["msg_str"]).To(Equal("hello"))
		Expect(decoded.Payload["msg_type"]).To(Equal(float64(1)))

		Expect(delivery.Ack(false)).To(Succeed())
		Expect(ack.acked).To(Equal(1))
		Expect(ack.rejected).To(Equal(0))
	})
})

var _ = ginkgo.Describe("call success and failure", func() {

	var rl *ReplyListener

	ginkgo.BeforeEach(func() {
		e := testEngine(&Config{Hosts: []string{"amqp://localhost"}, DefaultExchange: "myapp"})
		rl = NewReplyListener(e)
	})

	ginkgo.It("returns the reply's result and empties the waiter map", func() {
		w := rl.RegisterWaiter("call-1", time.Now().Add(time.Second))

		body, err := marshalReplySuccess("all fine")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"s":"all fine"}`))

		rl.dispatch(amqp.Delivery{CorrelationId: "call-1", Body: body})

		raw, waitErr := w.wait(context.Background())
		Expect(waitErr).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal(`"all fine"`))

		rl.mu.Lock()
		remaining := len(rl.waiters)
		rl.mu.Unlock()
		Expect(remaining).To(Equal(0))
	})

	ginkgo.It("raises the reconstructed failure kind with its trace attached", func() {
		w := rl.RegisterWaiter("call-2", time.Now().Add(time.Second))

		body, err := marshalReplyFailure(
			&RemoteError{Message: "Error message", Class: "MessagingException", Module: "oslo_messaging.exceptions"},
			[]string{"TRACE HERE"},
		)
		Expect(err).NotTo(HaveOccurred())

		rl.dispatch(amqp.Delivery{CorrelationId: "call-2", Body: body})

		_, waitErr := w.wait(context.Background())
		Expect(waitErr).To(HaveOccurred())
		remote, ok := waitErr.(*RemoteError)
		Expect(ok).To(BeTrue())
		Expect(remote.Message).To(Equal("Error message"))
		Expect(remote.Trace).To(Equal([]string{"TRACE HERE"}))
	})
})

var _ = ginkgo.Describe("notification requeue", func() {

	ginkgo.It("counts one handled delivery after a first-pass requeue and a redelivery", func() {
		ack := &fakeAcknowledger{}
		delivered := 0
		handled := 0

		deliver := func() amqp.Delivery {
			delivered++
			return amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(delivered)}
		}

		// First delivery: the endpoint requeues it.
		d := deliver()
		Expect(d.Nack(false, true)).To(Succeed())

		// Broker redelivers the same logical message; this time the
		// endpoint accepts it.
		d = deliver()
		Expect(d.Ack(false)).To(Succeed())
		handled++

		Expect(handled).To(Equal(1))
		Expect(delivered).To(Equal(2))
		Expect(ack.requeued).To(Equal(1))
		Expect(ack.acked).To(Equal(1))
	})
})

var _ = ginkgo.Describe("retry exhaustion", func() {

	ginkgo.It("raises MessageDeliveryFailure after exactly 3 attempts with rpc_retry_delay between them", func() {
		const delay = 10 * time.Millisecond
		policy := Policy{MaxAttempts: 3, WaitFixed: delay, ShouldRetry: rpcSendRetryPredicate}

		attempts := 0
		start := time.Now()
		err := policy.Run(context.Background(), func() error {
			attempts++
			return &MessageDeliveryFailure{Reason: "broker nacked publish"}
		}, nil)
		elapsed := time.Since(start)

		Expect(err).To(BeAssignableToTypeOf(&MessageDeliveryFailure{}))
		Expect(attempts).To(Equal(3))
		Expect(elapsed).To(BeNumerically(">=", 2*delay))
	})
})

// Connection loss during poll is not exercised here: amqp091-go's
// *amqp.Channel has no broker-free fake (ExchangeDeclare/QueueDeclare/
// Consume all dial real connection internals), so poller.connect
// cannot run against anything but a live broker. poller_test.go
// instead exercises the reachable half of that scenario directly
// against poller state: FIFO buffering, Poll's context/deadline
// handling, and Stop/Cleanup discarding buffered deliveries.
