package webhook

import (
	"sync"
	"testing"

	"github.com/durable-streams/server-go/store"
)

func TestCreateSubscriptionIdempotent(t *testing.T) {
	r := NewRegistry()

	sub, created, err := r.CreateSubscription("s1", "/logs/**", "https://example.com/hook", "logs")
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if !created {
		t.Error("expected fresh create")
	}
	if sub.WebhookSecret == "" {
		t.Error("secret not generated")
	}

	// Identical config is idempotent and keeps the original secret.
	again, created, err := r.CreateSubscription("s1", "/logs/**", "https://example.com/hook", "logs")
	if err != nil {
		t.Fatalf("repeat CreateSubscription failed: %v", err)
	}
	if created {
		t.Error("repeat create should not report created")
	}
	if again.WebhookSecret != sub.WebhookSecret {
		t.Error("secret changed on idempotent create")
	}

	// Different config conflicts.
	if _, _, err := r.CreateSubscription("s1", "/other/**", "https://example.com/hook", ""); err == nil {
		t.Error("expected conflict for different pattern")
	}
}

func TestFindMatchingSubscriptions(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("logs", "/logs/**", "https://example.com/a", "")
	r.CreateSubscription("all", "/**", "https://example.com/b", "")
	r.CreateSubscription("metrics", "/metrics/*", "https://example.com/c", "")

	matches := r.FindMatchingSubscriptions("/logs/app")
	ids := map[string]bool{}
	for _, sub := range matches {
		ids[sub.SubscriptionID] = true
	}
	if len(ids) != 2 || !ids["logs"] || !ids["all"] {
		t.Errorf("unexpected matches: %v", ids)
	}
}

func TestDeleteSubscriptionRemovesConsumers(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/logs/app")

	if !r.DeleteSubscription("s1") {
		t.Fatal("DeleteSubscription returned false")
	}
	if r.GetConsumer(c.ConsumerID) != nil {
		t.Error("consumer survived subscription delete")
	}
	if r.DeleteSubscription("s1") {
		t.Error("double delete should return false")
	}
}

func TestGetOrCreateConsumer(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")

	c := r.GetOrCreateConsumer("s1", "/logs/app")
	if c.ConsumerID != ConsumerID("s1", "/logs/app") {
		t.Errorf("unexpected consumer ID: %q", c.ConsumerID)
	}
	if c.State != StateIdle {
		t.Errorf("new consumer should be IDLE, got %v", c.State)
	}
	if got := c.Streams["/logs/app"]; got != store.BeginningSentinel {
		t.Errorf("new consumer should start at the sentinel, got %q", got)
	}

	if again := r.GetOrCreateConsumer("s1", "/logs/app"); again != c {
		t.Error("expected the same consumer instance")
	}
}

func TestConsumerWakeLifecycle(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/logs/app")

	epoch, wakeID := r.TransitionToWaking(c)
	if epoch != 1 {
		t.Errorf("expected epoch 1, got %d", epoch)
	}
	if wakeID == "" || c.State != StateWaking {
		t.Errorf("bad waking state: id=%q state=%v", wakeID, c.State)
	}

	// Wrong wake ID cannot claim.
	if r.ClaimWakeID(c, "w_bogus") {
		t.Error("claim with wrong wake ID should fail")
	}

	if !r.ClaimWakeID(c, wakeID) {
		t.Fatal("claim failed")
	}
	if c.State != StateLive {
		t.Errorf("expected LIVE after claim, got %v", c.State)
	}

	// Claiming the same ID again is a no-op success.
	if !r.ClaimWakeID(c, wakeID) {
		t.Error("repeat claim of the same wake ID should succeed")
	}

	r.TransitionToIdle(c)
	if c.State != StateIdle || c.WakeID != "" {
		t.Errorf("bad idle state: %+v", c)
	}

	// A fresh wake bumps the epoch.
	epoch, _ = r.TransitionToWaking(c)
	if epoch != 2 {
		t.Errorf("expected epoch 2, got %d", epoch)
	}
}

func TestUpdateAcks(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/a")

	r.UpdateAcks(c, []AckEntry{
		{Path: "/a", Offset: "0000000000000000_0000000000000005"},
		{Path: "/not-attached", Offset: "0000000000000000_0000000000000001"},
	})

	if got := c.Streams["/a"]; got != "0000000000000000_0000000000000005" {
		t.Errorf("ack not recorded: %q", got)
	}
	if _, ok := c.Streams["/not-attached"]; ok {
		t.Error("ack for unattached stream must be ignored")
	}
}

func TestHasPendingWork(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/a")

	tails := map[string]string{"/a": store.BeginningSentinel}
	tail := func(path string) string { return tails[path] }

	// Empty stream, nothing acked: no work.
	if r.HasPendingWork(c, tail) {
		t.Error("empty stream should have no pending work")
	}

	// Data arrives past the sentinel.
	tails["/a"] = "0000000000000000_0000000000000003"
	if !r.HasPendingWork(c, tail) {
		t.Error("unacked data should be pending work")
	}

	// Consumer catches up.
	r.UpdateAcks(c, []AckEntry{{Path: "/a", Offset: "0000000000000000_0000000000000003"}})
	if r.HasPendingWork(c, tail) {
		t.Error("acked to the tail should have no pending work")
	}

	// More data past the ack.
	tails["/a"] = "0000000000000000_0000000000000007"
	if !r.HasPendingWork(c, tail) {
		t.Error("new data past the ack should be pending work")
	}
}

func TestSubscribeAndUnsubscribeStreams(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/a")

	r.SubscribeStreams(c, []string{"/b", "/c"}, func(path string) string {
		return "0000000000000000_0000000000000009"
	})
	if len(c.Streams) != 3 {
		t.Fatalf("expected 3 streams, got %d", len(c.Streams))
	}
	// Newly attached streams start at the current tail, not the sentinel.
	if got := c.Streams["/b"]; got != "0000000000000000_0000000000000009" {
		t.Errorf("subscribed stream should start at the tail, got %q", got)
	}

	if r.UnsubscribeStreams(c, []string{"/b"}) {
		t.Error("consumer with remaining streams should not be removable")
	}
	if r.UnsubscribeStreams(c, []string{"/a", "/c"}) != true {
		t.Error("consumer with no streams left should be removable")
	}
}

func TestConsumersForStream(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/a", "")
	r.CreateSubscription("s2", "/**", "https://example.com/b", "")

	c1 := r.GetOrCreateConsumer("s1", "/x")
	r.GetOrCreateConsumer("s2", "/y")

	ids := r.ConsumersForStream("/x")
	if len(ids) != 1 || ids[0] != c1.ConsumerID {
		t.Errorf("unexpected consumers for /x: %v", ids)
	}
}

func TestDetachStream(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")

	single := r.GetOrCreateConsumer("s1", "/only")
	multi := r.GetOrCreateConsumer("s1", "/keep")
	r.SubscribeStreams(multi, []string{"/only"}, func(string) string { return store.BeginningSentinel })

	r.DetachStream("/only")

	// The consumer whose only stream vanished is gone entirely.
	if r.GetConsumer(single.ConsumerID) != nil {
		t.Error("orphaned consumer should be removed")
	}
	// The other consumer just loses the stream.
	if r.GetConsumer(multi.ConsumerID) == nil {
		t.Fatal("consumer with remaining streams was removed")
	}
	if _, ok := multi.Streams["/only"]; ok {
		t.Error("detached stream still attached")
	}
	if len(r.ConsumersForStream("/only")) != 0 {
		t.Error("stream index not cleared")
	}
}

func TestConsumerConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	c := r.GetOrCreateConsumer("s1", "/a")

	tail := func(string) string { return "0000000000000000_0000000000000009" }

	// Callbacks, append events, and timer goroutines all touch the same
	// consumer; run them together so the race detector can watch.
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				r.UpdateAcks(c, []AckEntry{{Path: "/a", Offset: "0000000000000000_0000000000000003"}})
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 200; j++ {
			r.HasPendingWork(c, tail)
			r.StreamsData(c)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 200; j++ {
			_, wakeID := r.TransitionToWaking(c)
			r.ClaimWakeID(c, wakeID)
			r.TransitionToIdle(c)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 200; j++ {
			c.armRetry()
			c.CancelRetry()
			c.armLiveness()
			c.CancelLiveness()
		}
	}()

	close(start)
	wg.Wait()

	if got := len(r.StreamsData(c)); got != 1 {
		t.Errorf("expected 1 stream after concurrent access, got %d", got)
	}
}

func TestCancelRetryIdempotent(t *testing.T) {
	c := &Consumer{ConsumerID: "c", Streams: map[string]string{}}

	c.armRetry()
	c.CancelRetry()
	c.CancelRetry()

	c.armLiveness()
	c.CancelLiveness()
	c.CancelLiveness()
}

func TestShutdownClearsState(t *testing.T) {
	r := NewRegistry()
	r.CreateSubscription("s1", "/**", "https://example.com/hook", "")
	r.GetOrCreateConsumer("s1", "/a")

	r.Shutdown()

	if r.GetSubscription("s1") != nil {
		t.Error("subscription survived shutdown")
	}
	if len(r.ListSubscriptions("")) != 0 {
		t.Error("subscriptions listed after shutdown")
	}
}
