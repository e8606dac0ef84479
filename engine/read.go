package engine

import (
	"net/http"

	"github.com/durable-streams/server-go/store"
)

// handleCatchUp implements a non-live GET: return committed data at the
// requested offset with ETag and cache policy, or 304 when the client
// already holds the tail.
func (e *Engine) handleCatchUp(w ResponseWriter, r *Request, q *readQuery) *protocolError {
	meta, err := e.store.Head(r.Path)
	if err != nil {
		return mapStoreError(err)
	}

	start, parseErr := store.ParseOffset(q.Offset)
	if parseErr != nil {
		return badRequest("invalid offset")
	}

	res, err := e.store.Read(r.Path, start, e.maxChunkSize)
	if err != nil {
		return mapStoreError(err)
	}

	etag := etagFor(meta.StreamID, start, res.NextOffset)

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", e.readCacheControl())
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, UpToDateValue)
	}

	// 304 only when the client's ETag is current and the response would
	// have reached the tail anyway.
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag && res.UpToDate {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
	return nil
}
