package coordination_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/coordination"
)

var _ = Describe("RedisStore", func() {
	var (
		mr    *miniredis.Miniredis
		store *coordination.RedisStore
		ctx   context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		store = coordination.NewRedisStore(client)
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = store.Close()
		mr.Close()
	})

	Describe("TokenBucket", func() {
		It("allows requests while capacity remains", func() {
			res, err := store.TokenBucket(ctx, "ratelimit:u1:infer", 5, 1, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeTrue())
			Expect(res.Remaining).To(Equal(4))
		})

		It("denies once capacity is exhausted", func() {
			for i := 0; i < 5; i++ {
				_, err := store.TokenBucket(ctx, "ratelimit:u2:infer", 5, 0.0001, 1)
				Expect(err).NotTo(HaveOccurred())
			}
			res, err := store.TokenBucket(ctx, "ratelimit:u2:infer", 5, 0.0001, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Allowed).To(BeFalse())
		})
	})

	Describe("Suspend / IsSuspended", func() {
		It("reports suspended after Suspend", func() {
			Expect(store.Suspend(ctx, "u3", "HIGH_RISK_WEAPON", "audit-1", 86400)).To(Succeed())

			suspended, reason, err := store.IsSuspended(ctx, "u3")
			Expect(err).NotTo(HaveOccurred())
			Expect(suspended).To(BeTrue())
			Expect(reason).To(Equal("HIGH_RISK_WEAPON:audit-1"))
		})

		It("reports not suspended for an unknown user", func() {
			suspended, _, err := store.IsSuspended(ctx, "unknown")
			Expect(err).NotTo(HaveOccurred())
			Expect(suspended).To(BeFalse())
		})
	})

	Describe("MisuseWindow", func() {
		It("counts entries within the window", func() {
			now := float64(time.Now().Unix())
			var count int64
			var err error
			for i := 0; i < 5; i++ {
				count, err = store.MisuseWindow(ctx, "u4", now+float64(i), 3600)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(count).To(Equal(int64(5)))
		})
	})

	Describe("Blocklist", func() {
		It("round-trips an added entry", func() {
			Expect(store.BlocklistAdd(ctx, "forbidden phrase")).To(Succeed())

			entries, err := store.BlocklistSnapshot(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(ContainElement("forbidden phrase"))
		})
	})

	Describe("Streams", func() {
		It("enqueues and reads back via a consumer group", func() {
			id, err := store.StreamEnqueue(ctx, coordination.StreamInference, map[string]string{
				"request_id": "r1",
				"input":      "hello",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			msgs, err := store.StreamReadGroup(ctx, coordination.StreamInference, coordination.ConsumerGroup, "worker-1", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Fields["request_id"]).To(Equal("r1"))

			Expect(store.StreamAck(ctx, coordination.StreamInference, coordination.ConsumerGroup, msgs[0].ID)).To(Succeed())
		})
	})
})
