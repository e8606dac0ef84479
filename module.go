// Package durablestreams exposes the stream server as a Caddy HTTP
// handler. The protocol engine and storage live in subpackages; this
// package only wires configuration to them.
package durablestreams

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/server-go/engine"
	"github.com/durable-streams/server-go/store"
	"github.com/durable-streams/server-go/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the durable streams protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for stream data. Empty means in-memory
	// storage, which is only suitable for testing.
	DataDir string `json:"data_dir,omitempty"`

	// MetadataBackend selects the metadata store for file-backed mode:
	// "bbolt" (default), "lmdb", or "duckdb".
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// MaxFileHandles caps the number of cached open data files.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout bounds blocking long-poll reads.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEMaxLifetime caps SSE connection duration.
	SSEMaxLifetime caddy.Duration `json:"sse_max_lifetime,omitempty"`

	// MaxChunkSize bounds a single catch-up response.
	MaxChunkSize int `json:"max_chunk_size,omitempty"`

	// MaxBodyBytes bounds PUT/POST request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// PublicCache switches catch-up responses to publicly cacheable.
	PublicCache bool `json:"public_cache,omitempty"`

	// CleanupInterval is how often expired streams are swept.
	CleanupInterval caddy.Duration `json:"cleanup_interval,omitempty"`

	// WebhookBaseURL enables the webhook consumer subsystem; callbacks
	// are addressed relative to it.
	WebhookBaseURL string `json:"webhook_base_url,omitempty"`

	store         store.Store
	engine        *engine.Engine
	webhooks      *webhook.Manager
	webhookRoutes *webhook.Routes
	logger        *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up storage, the protocol engine, and optionally the
// webhook subsystem.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.MetadataBackend == "" {
		h.MetadataBackend = "bbolt"
	}

	sweep := time.Duration(h.CleanupInterval)

	if h.DataDir == "" {
		h.store = store.NewMemoryStore(store.MemoryStoreConfig{
			Logger:        h.logger,
			SweepInterval: sweep,
		})
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		meta, err := h.openMetadataStore()
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:        h.DataDir,
			Metadata:       meta,
			MaxFileHandles: h.MaxFileHandles,
			SweepInterval:  sweep,
			Logger:         h.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.MetadataBackend))
	}

	var events engine.Events
	if h.WebhookBaseURL != "" {
		h.webhooks = webhook.NewManager(webhook.Config{
			CallbackBaseURL: h.WebhookBaseURL,
			Tail:            h.tailOffset,
			Logger:          h.logger,
		})
		h.webhookRoutes = webhook.NewRoutes(h.webhooks)
		events = h.webhooks
	}

	eng, err := engine.New(engine.Options{
		Store:           h.store,
		Logger:          h.logger,
		LongPollTimeout: time.Duration(h.LongPollTimeout),
		SSEMaxLifetime:  time.Duration(h.SSEMaxLifetime),
		MaxChunkSize:    h.MaxChunkSize,
		MaxBodyBytes:    h.MaxBodyBytes,
		PublicCache:     h.PublicCache,
		Events:          events,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	h.engine = eng

	return nil
}

func (h *Handler) openMetadataStore() (store.MetadataStore, error) {
	switch h.MetadataBackend {
	case "bbolt":
		return store.NewBboltMetadataStore(h.DataDir)
	case "lmdb":
		return store.NewLMDBMetadataStore(h.DataDir)
	case "duckdb":
		return store.NewDuckDBMetadataStore(h.DataDir)
	default:
		return nil, fmt.Errorf("unknown metadata backend: %s", h.MetadataBackend)
	}
}

// tailOffset reports a stream's tail for webhook pending-work checks.
// Missing streams report the beginning sentinel.
func (h *Handler) tailOffset(path string) string {
	meta, err := h.store.Head(path)
	if err != nil {
		return store.BeginningSentinel
	}
	return meta.NextOffset.String()
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	switch h.MetadataBackend {
	case "", "bbolt", "lmdb", "duckdb":
		return nil
	default:
		return fmt.Errorf("unknown metadata backend: %s", h.MetadataBackend)
	}
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.webhooks != nil {
		h.webhooks.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    metadata_backend bbolt
//	    max_file_handles 100
//	    long_poll_timeout 25s
//	    sse_max_lifetime 60s
//	    max_chunk_size 4194304
//	    max_body_bytes 67108864
//	    cleanup_interval 1m
//	    public_cache
//	    webhook_base_url https://streams.example.com
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
				h.MaxFileHandles = n
			case "max_chunk_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(val)
				if err != nil {
					return d.Errf("invalid max_chunk_size: %v", err)
				}
				h.MaxChunkSize = n
			case "max_body_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return d.Errf("invalid max_body_bytes: %v", err)
				}
				h.MaxBodyBytes = n
			case "long_poll_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = dur
			case "sse_max_lifetime":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SSEMaxLifetime = dur
			case "cleanup_interval":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.CleanupInterval = dur
			case "public_cache":
				h.PublicCache = true
			case "webhook_base_url":
				if !d.Args(&h.WebhookBaseURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseDurationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return caddy.Duration(dur), nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
