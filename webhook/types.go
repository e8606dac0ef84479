// Package webhook implements push-based stream consumers: a
// subscription matches stream paths by glob pattern, and appends wake
// the subscriber's webhook. Consumers acknowledge progress through a
// signed callback channel.
package webhook

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConsumerState is the lifecycle state of a consumer instance.
type ConsumerState string

const (
	// StateIdle means no wake is in flight; appends trigger a new wake.
	StateIdle ConsumerState = "IDLE"
	// StateWaking means a wake webhook was sent but not yet claimed.
	StateWaking ConsumerState = "WAKING"
	// StateLive means the consumer claimed the wake and is processing.
	StateLive ConsumerState = "LIVE"
)

// Subscription binds a glob pattern to a webhook endpoint.
type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Webhook        string `json:"webhook"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Consumer tracks one subscription+stream pair through the wake cycle.
// Mutable fields are touched from engine append events, callback
// handlers, the delivery goroutine, and retry/liveness timers; mu guards
// all of them. When a registry lock is also needed it is taken first.
type Consumer struct {
	mu sync.Mutex

	ConsumerID     string
	SubscriptionID string
	PrimaryStream  string
	State          ConsumerState
	Epoch          int
	WakeID         string
	WakeIDClaimed  bool
	Streams        map[string]string // path -> last acked offset
	LastCallbackAt time.Time

	FirstFailureAt *time.Time
	retryBackoff   *backoff.ExponentialBackOff

	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

// CancelRetry stops any pending redelivery timer.
func (c *Consumer) CancelRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRetryLocked()
}

// CancelLiveness stops any pending liveness timer.
func (c *Consumer) CancelLiveness() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLivenessLocked()
}

func (c *Consumer) cancelRetryLocked() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

func (c *Consumer) cancelLivenessLocked() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

func (c *Consumer) currentState() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

func (c *Consumer) currentEpoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Epoch
}

// wakePending reports whether a wake is in flight and still unclaimed.
func (c *Consumer) wakePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State == StateWaking && !c.WakeIDClaimed
}

func (c *Consumer) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State == StateLive
}

// markLive promotes a WAKING consumer to LIVE after the webhook accepted
// the wake. Reports whether a transition happened.
func (c *Consumer) markLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != StateWaking {
		return false
	}
	c.WakeIDClaimed = true
	c.State = StateLive
	c.LastCallbackAt = time.Now()
	return true
}

func (c *Consumer) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastCallbackAt = time.Now()
}

// ackAllTo records every attached stream as processed up to its current
// tail, for webhooks that finish synchronously.
func (c *Consumer) ackAllTo(tail func(string) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WakeIDClaimed = true
	for path := range c.Streams {
		c.Streams[path] = tail(path)
	}
}

func (c *Consumer) clearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FirstFailureAt = nil
	c.retryBackoff = nil
}

// recordFailure notes a delivery failure and returns when failures began.
func (c *Consumer) recordFailure(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FirstFailureAt == nil {
		c.FirstFailureAt = &now
	}
	return *c.FirstFailureAt
}

func (c *Consumer) nextRetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryBackoff == nil {
		c.retryBackoff = newRetryBackoff()
	}
	return c.retryBackoff.NextBackOff()
}

// armRetry replaces the redelivery timer's cancel channel.
func (c *Consumer) armRetry() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRetryLocked()
	cancel := make(chan struct{})
	c.retryCancel = cancel
	return cancel
}

// armLiveness replaces the liveness timer's cancel channel.
func (c *Consumer) armLiveness() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLivenessLocked()
	cancel := make(chan struct{})
	c.livenessCancel = cancel
	return cancel
}

// CallbackRequest is the JSON body consumers POST to the callback endpoint.
type CallbackRequest struct {
	Epoch       int        `json:"epoch"`
	WakeID      string     `json:"wake_id,omitempty"`
	Acks        []AckEntry `json:"acks,omitempty"`
	Subscribe   []string   `json:"subscribe,omitempty"`
	Unsubscribe []string   `json:"unsubscribe,omitempty"`
	Done        *bool      `json:"done,omitempty"`
}

// AckEntry acknowledges progress on one stream.
type AckEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// StreamEntry reports a stream and the consumer's acked offset in it.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// CallbackSuccess is the response to an accepted callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackError is the response to a rejected callback.
type CallbackError struct {
	OK    bool           `json:"ok"`
	Error CallbackErrObj `json:"error"`
	Token string         `json:"token,omitempty"`
}

// CallbackErrObj carries the machine-readable error code.
type CallbackErrObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Callback error codes.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeInvalidOffset  = "INVALID_OFFSET"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

// errorCodeStatus maps callback error codes to HTTP statuses.
var errorCodeStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenExpired:   401,
	ErrCodeTokenInvalid:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeInvalidOffset:  409,
	ErrCodeStaleEpoch:     409,
	ErrCodeConsumerGone:   410,
}
