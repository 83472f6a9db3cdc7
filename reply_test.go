package pikamq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	ginkgo "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("waiter", func() {

	ginkgo.It("returns the result once it is delivered", func() {
		w := &waiter{msgID: "m1", resultCh: make(chan waiterResult, 1)}
		w.resultCh <- waiterResult{body: json.RawMessage(`{"ok":true}`)}

		body, err := w.wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"ok":true}`))
	})

	ginkgo.It("times out once its own deadline passes", func() {
		w := &waiter{msgID: "m2", deadline: time.Now().Add(20 * time.Millisecond), resultCh: make(chan waiterResult, 1)}

		_, err := w.wait(context.Background())
		Expect(err).To(BeAssignableToTypeOf(&MessagingTimeout{}))
	})

	ginkgo.It("fails immediately when its deadline has already passed", func() {
		w := &waiter{msgID: "m3", deadline: time.Now().Add(-time.Second), resultCh: make(chan waiterResult, 1)}

		_, err := w.wait(context.Background())
		Expect(err).To(BeAssignableToTypeOf(&MessagingTimeout{}))
	})

	ginkgo.It("fails when the caller's context is done first", func() {
		ctx, cancel := context.WithCancel(context.Background())
		w := &waiter{msgID: "m4", resultCh: make(chan waiterResult, 1)}

		cancel()
		_, err := w.wait(ctx)
		Expect(err).To(BeAssignableToTypeOf(&MessagingTimeout{}))
	})
})

var _ = ginkgo.Describe("ReplyListener correlation", func() {

	var rl *ReplyListener

	ginkgo.BeforeEach(func() {
		e := testEngine(&Config{Hosts: []string{"amqp://localhost"}, DefaultExchange: "myapp"})
		rl = NewReplyListener(e)
	})

	ginkgo.It("delivers a success reply to the waiter with the matching correlation id", func() {
		w := rl.RegisterWaiter("corr-1", time.Time{})

		body, _ := marshalReplySuccess(map[string]any{"answer": 42})
		rl.dispatch(amqp.Delivery{CorrelationId: "corr-1", Body: body})

		result, err := w.wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		var decoded map[string]any
		Expect(json.Unmarshal(result, &decoded)).To(Succeed())
		Expect(decoded["answer"]).To(Equal(float64(42)))
	})

	ginkgo.It("delivers a failure reply as an error", func() {
		w := rl.RegisterWaiter("corr-2", time.Time{})

		body, _ := marshalReplyFailure(&MessageRejectedException{Reason: "nope"}, nil)
		rl.dispatch(amqp.Delivery{CorrelationId: "corr-2", Body: body})

		_, err := w.wait(context.Background())
		Expect(err).To(BeAssignableToTypeOf(&MessageRejectedException{}))
	})

	ginkgo.It("drops a reply with no registered waiter without panicking", func() {
		body, _ := marshalReplySuccess("ignored")
		Expect(func() {
			rl.dispatch(amqp.Delivery{CorrelationId: "no-such-waiter", Body: body})
		}).NotTo(Panic())
	})

	ginkgo.It("deregister removes a waiter so a late reply is dropped", func() {
		w := rl.RegisterWaiter("corr-3", time.Time{})
		rl.deregister("corr-3")

		body, _ := marshalReplySuccess("late")
		rl.dispatch(amqp.Delivery{CorrelationId: "corr-3", Body: body})

		select {
		case <-w.resultCh:
			ginkgo.Fail("deregistered waiter should never receive a result")
		default:
		}
	})

	ginkgo.It("Cleanup fails every outstanding waiter", func() {
		w1 := rl.RegisterWaiter("corr-4", time.Time{})
		w2 := rl.RegisterWaiter("corr-5", time.Time{})

		rl.Cleanup()

		_, err1 := w1.wait(context.Background())
		_, err2 := w2.wait(context.Background())
		Expect(err1).To(HaveOccurred())
		Expect(err2).To(HaveOccurred())
	})
})
