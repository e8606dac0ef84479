package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	livenessTimeout       = 45 * time.Second
	webhookRequestTimeout = 30 * time.Second
	retryInitialInterval  = 200 * time.Millisecond
	retryMaxInterval      = 60 * time.Second
	gcFailureDuration     = 3 * 24 * time.Hour
)

// Config configures a Manager.
type Config struct {
	// CallbackBaseURL prefixes the callback URLs handed to consumers.
	CallbackBaseURL string

	// Tail reports a stream's tail offset; missing streams report the
	// beginning sentinel.
	Tail func(path string) string

	Logger *zap.Logger
}

// Manager orchestrates webhook delivery and the consumer wake cycle. It
// receives stream lifecycle events from the protocol engine.
type Manager struct {
	Registry *Registry

	callbackBaseURL string
	tail            func(string) string
	client          *http.Client
	logger          *zap.Logger

	mu           sync.Mutex
	shuttingDown bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Registry:        NewRegistry(),
		callbackBaseURL: cfg.CallbackBaseURL,
		tail:            cfg.Tail,
		client:          &http.Client{Timeout: webhookRequestTimeout},
		logger:          logger,
	}
}

// StreamCreated attaches matching subscriptions to the new stream.
func (m *Manager) StreamCreated(path string) {
	if m.isShuttingDown() {
		return
	}
	for _, sub := range m.Registry.FindMatchingSubscriptions(path) {
		m.Registry.GetOrCreateConsumer(sub.SubscriptionID, path)
	}
}

// StreamAppended wakes idle consumers that have fallen behind the tail.
func (m *Manager) StreamAppended(path string) {
	if m.isShuttingDown() {
		return
	}
	for _, cid := range m.Registry.ConsumersForStream(path) {
		consumer := m.Registry.GetConsumer(cid)
		if consumer == nil || consumer.currentState() != StateIdle {
			continue
		}
		if m.Registry.HasPendingWork(consumer, m.tail) {
			m.wakeConsumer(consumer, []string{path})
		}
	}
}

// StreamDeleted detaches the stream from all consumers.
func (m *Manager) StreamDeleted(path string) {
	m.Registry.DetachStream(path)
}

func (m *Manager) wakeConsumer(consumer *Consumer, triggeredBy []string) {
	sub := m.Registry.GetSubscription(consumer.SubscriptionID)
	if sub == nil {
		m.Registry.RemoveConsumer(consumer.ConsumerID)
		return
	}

	epoch, wakeID := m.Registry.TransitionToWaking(consumer)

	payload := map[string]interface{}{
		"consumer_id":    consumer.ConsumerID,
		"epoch":          epoch,
		"wake_id":        wakeID,
		"primary_stream": consumer.PrimaryStream,
		"streams":        m.Registry.StreamsData(consumer),
		"triggered_by":   triggeredBy,
		"callback":       m.callbackBaseURL + "/callback/" + consumer.ConsumerID,
		"token":          GenerateCallbackToken(consumer.ConsumerID, epoch),
	}

	go m.deliver(consumer, sub, payload)
}

func (m *Manager) deliver(consumer *Consumer, sub *Subscription, payload map[string]interface{}) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, sub.Webhook, bytes.NewReader(body))
	if err != nil {
		m.handleDeliveryFailure(consumer, sub, payload, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(string(body), sub.WebhookSecret))

	resp, err := m.client.Do(req)
	if err != nil {
		m.handleDeliveryFailure(consumer, sub, payload, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if consumer.wakePending() {
			m.scheduleRetry(consumer, sub, payload)
		}
		return
	}

	consumer.clearFailures()

	var result struct {
		Done *bool `json:"done"`
	}
	respBytes, _ := io.ReadAll(resp.Body)
	json.Unmarshal(respBytes, &result)

	// A synchronous done means the consumer processed everything inside
	// the webhook call itself; ack to the tail and park it.
	if result.Done != nil && *result.Done {
		consumer.ackAllTo(m.tail)
		m.Registry.TransitionToIdle(consumer)
		return
	}

	if consumer.markLive() {
		m.resetLivenessTimeout(consumer)
	}
}

func (m *Manager) handleDeliveryFailure(consumer *Consumer, sub *Subscription, payload map[string]interface{}, err error) {
	m.logger.Debug("webhook delivery failed",
		zap.String("consumer_id", consumer.ConsumerID),
		zap.Error(err))

	firstFailure := consumer.recordFailure(time.Now())

	// An endpoint that has been failing for days is abandoned.
	if time.Since(firstFailure) > gcFailureDuration {
		m.Registry.RemoveConsumer(consumer.ConsumerID)
		return
	}

	if consumer.wakePending() {
		m.scheduleRetry(consumer, sub, payload)
	}
}

func (m *Manager) scheduleRetry(consumer *Consumer, sub *Subscription, payload map[string]interface{}) {
	if m.isShuttingDown() {
		return
	}

	delay := consumer.nextRetryDelay()
	cancel := consumer.armRetry()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if consumer.wakePending() && !m.isShuttingDown() {
				m.deliver(consumer, sub, payload)
			}
		case <-cancel:
		}
	}()
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	return b
}

// HandleCallback processes a consumer callback: token and epoch checks,
// wake claim, acks, subscribe/unsubscribe, and done.
func (m *Manager) HandleCallback(consumerID, token string, request CallbackRequest) interface{} {
	consumer := m.Registry.GetConsumer(consumerID)
	if consumer == nil {
		return CallbackError{
			Error: CallbackErrObj{Code: ErrCodeConsumerGone, Message: "Consumer instance not found"},
		}
	}

	epoch := consumer.currentEpoch()

	tokenResult := ValidateCallbackToken(token, consumerID)
	if !tokenResult.Valid {
		resp := CallbackError{
			Error: CallbackErrObj{Code: tokenResult.Code, Message: "Callback token is invalid"},
		}
		if tokenResult.Code == ErrCodeTokenExpired {
			resp.Error.Message = "Callback token has expired"
			resp.Token = GenerateCallbackToken(consumerID, epoch)
		}
		return resp
	}

	if request.Epoch != epoch {
		return CallbackError{
			Error: CallbackErrObj{Code: ErrCodeStaleEpoch, Message: "Consumer epoch does not match current epoch"},
			Token: GenerateCallbackToken(consumerID, epoch),
		}
	}

	if request.WakeID != "" {
		if !m.Registry.ClaimWakeID(consumer, request.WakeID) {
			return CallbackError{
				Error: CallbackErrObj{Code: ErrCodeAlreadyClaimed, Message: "Wake ID is invalid or already claimed"},
				Token: GenerateCallbackToken(consumerID, epoch),
			}
		}
	}

	consumer.touch()
	m.resetLivenessTimeout(consumer)

	if len(request.Acks) > 0 {
		m.Registry.UpdateAcks(consumer, request.Acks)
	}
	if len(request.Subscribe) > 0 {
		m.Registry.SubscribeStreams(consumer, request.Subscribe, m.tail)
	}
	if len(request.Unsubscribe) > 0 {
		if m.Registry.UnsubscribeStreams(consumer, request.Unsubscribe) {
			m.Registry.RemoveConsumer(consumerID)
			return CallbackError{
				Error: CallbackErrObj{Code: ErrCodeConsumerGone, Message: "Consumer removed after unsubscribing from all streams"},
			}
		}
	}

	if request.Done != nil && *request.Done {
		m.Registry.TransitionToIdle(consumer)
		// Appends may have landed while the consumer was processing.
		if m.Registry.HasPendingWork(consumer, m.tail) {
			m.wakeConsumer(consumer, []string{consumer.PrimaryStream})
		}
	}

	responseToken := token
	if TokenNeedsRefresh(tokenResult.Exp) {
		responseToken = GenerateCallbackToken(consumerID, consumer.currentEpoch())
	}

	return CallbackSuccess{
		OK:      true,
		Token:   responseToken,
		Streams: m.Registry.StreamsData(consumer),
	}
}

func (m *Manager) resetLivenessTimeout(consumer *Consumer) {
	cancel := consumer.armLiveness()

	go func() {
		timer := time.NewTimer(livenessTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			if consumer.isLive() && !m.isShuttingDown() {
				m.Registry.TransitionToIdle(consumer)
				if m.Registry.HasPendingWork(consumer, m.tail) {
					m.wakeConsumer(consumer, []string{consumer.PrimaryStream})
				}
			}
		case <-cancel:
		}
	}()
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown stops delivery and cancels all timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.Registry.Shutdown()
}
