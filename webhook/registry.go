package webhook

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durable-streams/server-go/store"
)

// Registry holds in-memory webhook state: subscriptions, consumers, and
// the indexes between them. Consumer state is rebuilt from scratch on
// restart; durable progress lives in the streams themselves.
type Registry struct {
	mu sync.RWMutex

	subscriptions map[string]*Subscription
	consumers     map[string]*Consumer
	bySubscription map[string]map[string]bool // subscription_id -> consumer ids
	byStream       map[string]map[string]bool // stream path -> consumer ids
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subscriptions:  make(map[string]*Subscription),
		consumers:      make(map[string]*Consumer),
		bySubscription: make(map[string]map[string]bool),
		byStream:       make(map[string]map[string]bool),
	}
}

// CreateSubscription creates a subscription, or idempotently returns an
// existing one with identical configuration.
func (r *Registry) CreateSubscription(subscriptionID, pattern, webhookURL, description string) (*Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subscriptions[subscriptionID]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhookURL {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("subscription already exists with different configuration")
	}

	sub := &Subscription{
		SubscriptionID: subscriptionID,
		Pattern:        pattern,
		Webhook:        webhookURL,
		WebhookSecret:  GenerateWebhookSecret(),
		Description:    description,
	}
	r.subscriptions[subscriptionID] = sub
	r.bySubscription[subscriptionID] = make(map[string]bool)
	return sub, true, nil
}

// GetSubscription returns a subscription, or nil.
func (r *Registry) GetSubscription(subscriptionID string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptions[subscriptionID]
}

// ListSubscriptions returns all subscriptions, optionally filtered to an
// exact pattern.
func (r *Registry) ListSubscriptions(pattern string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Subscription
	for _, sub := range r.subscriptions {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			result = append(result, sub)
		}
	}
	return result
}

// DeleteSubscription removes a subscription and its consumers.
func (r *Registry) DeleteSubscription(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptions[subscriptionID]; !ok {
		return false
	}
	for cid := range r.bySubscription[subscriptionID] {
		r.removeConsumerLocked(cid)
	}
	delete(r.bySubscription, subscriptionID)
	delete(r.subscriptions, subscriptionID)
	return true
}

// FindMatchingSubscriptions returns subscriptions whose pattern matches
// a stream path.
func (r *Registry) FindMatchingSubscriptions(streamPath string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Subscription
	for _, sub := range r.subscriptions {
		if MatchPattern(sub.Pattern, streamPath) {
			result = append(result, sub)
		}
	}
	return result
}

// ConsumerID derives the consumer ID for a subscription + stream pair.
func ConsumerID(subscriptionID, streamPath string) string {
	return subscriptionID + ":" + url.PathEscape(streamPath)
}

// GetConsumer returns a consumer, or nil.
func (r *Registry) GetConsumer(consumerID string) *Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[consumerID]
}

// GetOrCreateConsumer returns the consumer for a subscription + stream
// pair, creating it at the beginning sentinel if absent.
func (r *Registry) GetOrCreateConsumer(subscriptionID, streamPath string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	consumerID := ConsumerID(subscriptionID, streamPath)
	if c, ok := r.consumers[consumerID]; ok {
		return c
	}

	c := &Consumer{
		ConsumerID:     consumerID,
		SubscriptionID: subscriptionID,
		PrimaryStream:  streamPath,
		State:          StateIdle,
		Streams:        map[string]string{streamPath: store.BeginningSentinel},
	}
	r.consumers[consumerID] = c

	if set, ok := r.bySubscription[subscriptionID]; ok {
		set[consumerID] = true
	}
	r.addStreamIndex(streamPath, consumerID)
	return c
}

// TransitionToWaking moves a consumer into WAKING with a fresh epoch and
// wake ID.
func (r *Registry) TransitionToWaking(c *Consumer) (epoch int, wakeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Epoch++
	c.WakeID = "w_" + uuid.NewString()
	c.WakeIDClaimed = false
	c.State = StateWaking
	return c.Epoch, c.WakeID
}

// ClaimWakeID claims a wake ID. A repeat claim of the same ID succeeds.
func (r *Registry) ClaimWakeID(c *Consumer, wakeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.WakeID != wakeID {
		return false
	}
	if c.WakeIDClaimed {
		return true
	}
	c.WakeIDClaimed = true
	c.State = StateLive
	c.LastCallbackAt = time.Now()
	return true
}

// TransitionToIdle parks a consumer and cancels its liveness timer.
func (r *Registry) TransitionToIdle(c *Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.State = StateIdle
	c.WakeID = ""
	c.WakeIDClaimed = false
	c.cancelLivenessLocked()
}

// UpdateAcks records acknowledged offsets for streams the consumer holds.
func (r *Registry) UpdateAcks(c *Consumer, acks []AckEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ack := range acks {
		if _, ok := c.Streams[ack.Path]; ok {
			c.Streams[ack.Path] = ack.Offset
		}
	}
}

// SubscribeStreams attaches additional streams to a consumer, starting
// each at its current tail.
func (r *Registry) SubscribeStreams(c *Consumer, paths []string, tail func(string) string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range paths {
		if _, ok := c.Streams[path]; !ok {
			c.Streams[path] = tail(path)
			r.addStreamIndex(path, c.ConsumerID)
		}
	}
}

// UnsubscribeStreams detaches streams. Returns true when the consumer
// has none left and should be removed.
func (r *Registry) UnsubscribeStreams(c *Consumer, paths []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range paths {
		delete(c.Streams, path)
		r.removeStreamIndex(path, c.ConsumerID)
	}
	return len(c.Streams) == 0
}

// HasPendingWork reports whether any attached stream's tail is past the
// consumer's acked offset.
func (r *Registry) HasPendingWork(c *Consumer, tail func(string) string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, acked := range c.Streams {
		if offsetAfter(tail(path), acked) {
			return true
		}
	}
	return false
}

// offsetAfter reports whether tail is strictly past acked. The
// beginning sentinel is before every real offset.
func offsetAfter(tail, acked string) bool {
	t, err := store.ParseOffset(tail)
	if err != nil {
		return false
	}
	a, err := store.ParseOffset(acked)
	if err != nil {
		return true
	}
	return a.LessThan(t)
}

// StreamsData snapshots the consumer's streams for callback responses.
func (r *Registry) StreamsData(c *Consumer) []StreamEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]StreamEntry, 0, len(c.Streams))
	for path, offset := range c.Streams {
		result = append(result, StreamEntry{Path: path, Offset: offset})
	}
	return result
}

// ConsumersForStream returns the IDs of consumers attached to a stream.
func (r *Registry) ConsumersForStream(streamPath string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byStream[streamPath]
	result := make([]string, 0, len(set))
	for cid := range set {
		result = append(result, cid)
	}
	return result
}

// RemoveConsumer removes a consumer and its index entries.
func (r *Registry) RemoveConsumer(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeConsumerLocked(consumerID)
}

func (r *Registry) removeConsumerLocked(consumerID string) {
	c, ok := r.consumers[consumerID]
	if !ok {
		return
	}

	c.mu.Lock()
	c.cancelRetryLocked()
	c.cancelLivenessLocked()
	for path := range c.Streams {
		r.removeStreamIndex(path, consumerID)
	}
	c.mu.Unlock()

	if set, ok := r.bySubscription[c.SubscriptionID]; ok {
		delete(set, consumerID)
	}
	delete(r.consumers, consumerID)
}

// DetachStream removes a deleted stream from all consumers; consumers
// left with no streams are removed.
func (r *Registry) DetachStream(streamPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []string
	for cid := range r.byStream[streamPath] {
		c, ok := r.consumers[cid]
		if !ok {
			continue
		}
		c.mu.Lock()
		delete(c.Streams, streamPath)
		empty := len(c.Streams) == 0
		c.mu.Unlock()
		if empty {
			orphaned = append(orphaned, cid)
		}
	}
	delete(r.byStream, streamPath)

	for _, cid := range orphaned {
		r.removeConsumerLocked(cid)
	}
}

// Shutdown cancels all timers and clears all state.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.consumers {
		c.CancelRetry()
		c.CancelLiveness()
	}
	r.consumers = make(map[string]*Consumer)
	r.subscriptions = make(map[string]*Subscription)
	r.bySubscription = make(map[string]map[string]bool)
	r.byStream = make(map[string]map[string]bool)
}

func (r *Registry) addStreamIndex(streamPath, consumerID string) {
	set, ok := r.byStream[streamPath]
	if !ok {
		set = make(map[string]bool)
		r.byStream[streamPath] = set
	}
	set[consumerID] = true
}

func (r *Registry) removeStreamIndex(streamPath, consumerID string) {
	set, ok := r.byStream[streamPath]
	if !ok {
		return
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(r.byStream, streamPath)
	}
}
