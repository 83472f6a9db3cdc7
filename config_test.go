package pikamq

import (
	"time"

	ginkgo "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("Config", func() {

	ginkgo.It("fills in every documented default", func() {
		c := &Config{Hosts: []string{"amqp://localhost"}, DefaultExchange: "myapp"}
		c.ApplyDefaults()

		Expect(c.HeartbeatInterval).To(Equal(time.Second))
		Expect(c.SocketTimeout).To(Equal(250 * time.Millisecond))
		Expect(c.PoolMaxSize).To(Equal(10))
		Expect(c.PoolTimeout).To(Equal(30 * time.Second))
		Expect(c.PoolRecycle).To(Equal(600 * time.Second))
		Expect(c.PoolStale).To(Equal(60 * time.Second))
		Expect(c.RPCQueueExpiration).To(Equal(60 * time.Second))
		Expect(c.DefaultRPCRetryAttempts).To(Equal(-1))
		Expect(c.DefaultNotificationRetryAttempts).To(Equal(-1))
		Expect(c.DefaultRPCExchange).To(Equal("myapp_rpc"))
		Expect(c.RPCReplyExchange).To(Equal("myapp_rpc_reply"))
		Expect(c.DefaultNotificationExchange).To(Equal("myapp_notification"))
	})

	ginkgo.It("falls back to a default base exchange name", func() {
		c := &Config{Hosts: []string{"amqp://localhost"}}
		c.ApplyDefaults()
		Expect(c.DefaultExchange).To(Equal("pikamq"))
		Expect(c.DefaultRPCExchange).To(Equal("pikamq_rpc"))
	})

	ginkgo.It("does not override an explicitly set value", func() {
		c := &Config{
			Hosts:              []string{"amqp://localhost"},
			PoolMaxSize:        42,
			DefaultRPCExchange: "custom_rpc",
		}
		c.ApplyDefaults()

		Expect(c.PoolMaxSize).To(Equal(42))
		Expect(c.DefaultRPCExchange).To(Equal("custom_rpc"))
	})

	ginkgo.It("rejects a nil config", func() {
		var c *Config
		Expect(c.Validate()).To(HaveOccurred())
	})

	ginkgo.It("rejects a config with only blank hosts", func() {
		c := &Config{Hosts: []string{"", ""}}
		Expect(c.Validate()).To(HaveOccurred())
	})

	ginkgo.It("rejects a negative pool size", func() {
		c := &Config{Hosts: []string{"amqp://localhost"}, PoolMaxSize: -1}
		Expect(c.Validate()).To(HaveOccurred())
	})

	ginkgo.It("accepts a minimal valid config", func() {
		c := &Config{Hosts: []string{"amqp://localhost"}}
		Expect(c.Validate()).NotTo(HaveOccurred())
	})
})
