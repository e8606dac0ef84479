package engine

import (
	"net/http"

	"github.com/durable-streams/server-go/store"
)

// handleLongPoll implements GET ?live=long-poll: answer immediately if
// data exists past the offset, otherwise block on the wait/wake
// subsystem until data arrives or the timeout elapses.
func (e *Engine) handleLongPoll(w ResponseWriter, r *Request, q *readQuery) *protocolError {
	if !q.offsetProvided {
		return badRequest("offset required for long-poll mode")
	}

	start, err := store.ParseOffset(q.Offset)
	if err != nil {
		return badRequest("invalid offset")
	}

	meta, serr := e.store.Head(r.Path)
	if serr != nil {
		return mapStoreError(serr)
	}

	if start.LessThan(meta.NextOffset) {
		return e.answerLongPoll(w, r, q, meta, start)
	}
	if meta.NextOffset.LessThan(start) {
		return badRequest("offset beyond stream")
	}

	outcome, werr := e.store.Await(r.ctx(), r.Path, start, e.longPollTimeout)
	if werr != nil {
		// Client went away; nothing left to answer.
		return nil
	}

	switch outcome {
	case store.AwaitData:
		return e.answerLongPoll(w, r, q, meta, start)
	case store.AwaitNotFound:
		return notFound()
	default:
		// Timed out at the tail: explicit up-to-date signal, cacheable
		// only by cursor partition.
		w.Header().Set(HeaderStreamNextOffset, start.String())
		w.Header().Set(HeaderStreamUpToDate, UpToDateValue)
		w.Header().Set(HeaderStreamCursor, e.cursor.Next(q.Cursor))
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

// answerLongPoll performs the catch-up read and shapes the 200 response.
func (e *Engine) answerLongPoll(w ResponseWriter, r *Request, q *readQuery, meta *store.StreamMetadata, start store.Offset) *protocolError {
	res, err := e.store.Read(r.Path, start, e.maxChunkSize)
	if err != nil {
		return mapStoreError(err)
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set(HeaderStreamCursor, e.cursor.Next(q.Cursor))
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, UpToDateValue)
	}

	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
	return nil
}
