package engine

import (
	"fmt"

	"github.com/durable-streams/server-go/store"
)

// Cache-Control values chosen per response class. Live and error
// responses are never cacheable; catch-up reads are, so identical
// concurrent requests collapse at edge proxies.
const (
	cacheControlPrivate = "private, max-age=60, stale-while-revalidate=300"
	cacheControlPublic  = "public, max-age=60, stale-while-revalidate=300"
	cacheControlNoStore = "no-store"
)

// readCacheControl returns the Cache-Control for catch-up reads.
func (e *Engine) readCacheControl() string {
	if e.publicCache {
		return cacheControlPublic
	}
	return cacheControlPrivate
}

// etagFor builds the read-response ETag: "streamId:startOffset:endOffset".
func etagFor(streamID string, start, end store.Offset) string {
	return fmt.Sprintf(`"%s:%s:%s"`, streamID, start, end)
}
