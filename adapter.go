package durablestreams

import (
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/durable-streams/server-go/engine"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler. Webhook management
// routes are tried first; everything else is a stream request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-TTL, Stream-Expires-At, ETag, Location, X-Error")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if h.webhookRoutes != nil && h.webhookRoutes.HandleRequest(w, r) {
		return nil
	}

	h.engine.ServeStream(newResponseWriter(w), &engine.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Header:      r.Header,
		Body:        r.Body,
		AbsoluteURL: absoluteURL(r),
		RemoteAddr:  r.RemoteAddr,
		Context:     r.Context(),
	})
	return nil
}

// absoluteURL reconstructs the externally visible stream URL, honoring
// X-Forwarded-Proto for reverse proxies.
func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// responseWriter adapts http.ResponseWriter to engine.ResponseWriter.
type responseWriter struct {
	http.ResponseWriter
	flusher http.Flusher
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	f, _ := w.(http.Flusher)
	return &responseWriter{ResponseWriter: w, flusher: f}
}

func (rw *responseWriter) Flush() {
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
}

var _ engine.ResponseWriter = (*responseWriter)(nil)
