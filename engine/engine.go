package engine

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/durable-streams/server-go/store"
)

// Defaults for engine options.
const (
	DefaultLongPollTimeout = 25 * time.Second
	DefaultSSEMaxLifetime  = 60 * time.Second
	DefaultMaxChunkSize    = 4 * 1024 * 1024
	DefaultMaxBodyBytes    = 64 * 1024 * 1024
)

// RateLimiter gates requests before dispatch. Implementations live
// outside the engine; a nil limiter admits everything.
type RateLimiter interface {
	// Allow reports whether the request may proceed. When it may not,
	// retryAfter is surfaced to the client via Retry-After.
	Allow(r *Request) (retryAfter time.Duration, ok bool)
}

// Events receives store lifecycle notifications after the corresponding
// operation has committed. Used by the webhook subsystem.
type Events interface {
	StreamCreated(path string)
	StreamAppended(path string)
	StreamDeleted(path string)
}

// Options configures an Engine.
type Options struct {
	Store  store.Store `validate:"required"`
	Logger *zap.Logger

	// LongPollTimeout bounds how long a long-poll request blocks before
	// answering 204 up-to-date.
	LongPollTimeout time.Duration `validate:"min=0"`

	// SSEMaxLifetime caps SSE connection duration so edge caches can
	// collapse reconnects.
	SSEMaxLifetime time.Duration `validate:"min=0"`

	// MaxChunkSize bounds one catch-up response: bytes for byte
	// streams, entries for JSON streams.
	MaxChunkSize int `validate:"min=0"`

	// MaxBodyBytes bounds PUT/POST bodies; larger bodies get 413.
	MaxBodyBytes int64 `validate:"min=0"`

	// PublicCache switches catch-up Cache-Control to the public variant.
	PublicCache bool

	// Cursor overrides the default cursor policy; mainly for tests.
	Cursor *CursorPolicy

	RateLimiter RateLimiter
	Events      Events
}

// Engine is the protocol engine. One instance serves all streams backed
// by its store; adapters call ServeStream per request.
type Engine struct {
	store           store.Store
	logger          *zap.Logger
	cursor          *CursorPolicy
	longPollTimeout time.Duration
	sseMaxLifetime  time.Duration
	maxChunkSize    int
	maxBodyBytes    int64
	publicCache     bool
	limiter         RateLimiter
	events          Events
}

var optionsValidator = validator.New()

// New builds an Engine, applying defaults for unset options.
func New(opts Options) (*Engine, error) {
	if err := optionsValidator.Struct(opts); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LongPollTimeout == 0 {
		opts.LongPollTimeout = DefaultLongPollTimeout
	}
	if opts.SSEMaxLifetime == 0 {
		opts.SSEMaxLifetime = DefaultSSEMaxLifetime
	}
	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Cursor == nil {
		opts.Cursor = NewCursorPolicy(0, 0)
	}

	return &Engine{
		store:           opts.Store,
		logger:          opts.Logger,
		cursor:          opts.Cursor,
		longPollTimeout: opts.LongPollTimeout,
		sseMaxLifetime:  opts.SSEMaxLifetime,
		maxChunkSize:    opts.MaxChunkSize,
		maxBodyBytes:    opts.MaxBodyBytes,
		publicCache:     opts.PublicCache,
		limiter:         opts.RateLimiter,
		events:          opts.Events,
	}, nil
}

// ServeStream dispatches one protocol request. Exactly one handler
// exists per (method, live) combination; anything else is 405.
func (e *Engine) ServeStream(w ResponseWriter, r *Request) {
	if e.limiter != nil {
		if retryAfter, ok := e.limiter.Allow(r); !ok {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter/time.Second), 10))
			e.writeError(w, &protocolError{status: http.StatusTooManyRequests, hint: "rate limited"})
			return
		}
	}

	e.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.String("query", r.RawQuery))

	var perr *protocolError
	switch r.Method {
	case http.MethodPut:
		perr = e.handleCreate(w, r)
	case http.MethodPost:
		perr = e.handleAppend(w, r)
	case http.MethodHead:
		perr = e.handleHead(w, r)
	case http.MethodDelete:
		perr = e.handleDelete(w, r)
	case http.MethodGet:
		perr = e.handleGet(w, r)
	default:
		perr = &protocolError{status: http.StatusMethodNotAllowed, hint: "method not allowed"}
	}

	if perr != nil {
		e.writeError(w, perr)
	}
}

// handleGet routes catch-up, long-poll, and SSE reads.
func (e *Engine) handleGet(w ResponseWriter, r *Request) *protocolError {
	q, perr := parseReadQuery(r.RawQuery)
	if perr != nil {
		return perr
	}

	switch q.Live {
	case LiveLongPoll:
		return e.handleLongPoll(w, r, q)
	case LiveSSE:
		return e.handleSSE(w, r, q)
	default:
		return e.handleCatchUp(w, r, q)
	}
}

// writeError shapes the error response: status, X-Error hint, no-store.
// Bodies stay empty.
func (e *Engine) writeError(w ResponseWriter, perr *protocolError) {
	if perr.status >= http.StatusInternalServerError {
		e.logger.Error("request failed", zap.String("hint", perr.hint))
	}
	w.Header().Set("Cache-Control", cacheControlNoStore)
	w.Header().Set(HeaderXError, perr.hint)
	w.WriteHeader(perr.status)
}

func (e *Engine) notifyCreated(path string) {
	if e.events != nil {
		e.events.StreamCreated(path)
	}
}

func (e *Engine) notifyAppended(path string) {
	if e.events != nil {
		e.events.StreamAppended(path)
	}
}

func (e *Engine) notifyDeleted(path string) {
	if e.events != nil {
		e.events.StreamDeleted(path)
	}
}
