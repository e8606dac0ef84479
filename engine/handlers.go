package engine

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/durable-streams/server-go/store"
)

// readBody reads a request body, enforcing the configured size limit.
func (e *Engine) readBody(r *Request) ([]byte, *protocolError) {
	if r.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("failed to read body")
	}
	if int64(len(body)) > e.maxBodyBytes {
		return nil, &protocolError{status: http.StatusRequestEntityTooLarge, hint: "body too large"}
	}
	return body, nil
}

// handleCreate implements PUT: create the stream, or confirm an
// idempotent create when the config matches.
func (e *Engine) handleCreate(w ResponseWriter, r *Request) *protocolError {
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresStr := r.Header.Get(HeaderStreamExpiresAt)
	if ttlStr != "" && expiresStr != "" {
		return badRequest("cannot specify both Stream-TTL and Stream-Expires-At")
	}

	opts := store.CreateOptions{ContentType: r.Header.Get("Content-Type")}

	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return badRequest(err.Error())
		}
		opts.TTLSeconds = &ttl
	}
	if expiresStr != "" {
		t, err := parseExpiresAt(expiresStr)
		if err != nil {
			return badRequest(err.Error())
		}
		opts.ExpiresAt = &t
	}

	body, perr := e.readBody(r)
	if perr != nil {
		return perr
	}
	opts.InitialData = body

	meta, created, err := e.store.Create(r.Path, opts)
	if err != nil {
		return mapStoreError(err)
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.NextOffset.String())

	if created {
		if r.AbsoluteURL != "" {
			w.Header().Set("Location", r.AbsoluteURL)
		}
		w.WriteHeader(http.StatusCreated)
		e.notifyCreated(r.Path)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleAppend implements POST: append a non-empty payload, guarded by
// the stream's content type and the optional Stream-Seq ordering token.
func (e *Engine) handleAppend(w ResponseWriter, r *Request) *protocolError {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return badRequest("Content-Type header is required")
	}

	seq := r.Header.Get(HeaderStreamSeq)

	body, perr := e.readBody(r)
	if perr != nil {
		return perr
	}
	if len(body) == 0 {
		return badRequest("empty body not allowed")
	}

	newTail, err := e.store.Append(r.Path, body, store.AppendOptions{
		ContentType: contentType,
		Seq:         seq,
	})
	if err != nil {
		return mapStoreError(err)
	}

	w.Header().Set(HeaderStreamNextOffset, newTail.String())
	w.WriteHeader(http.StatusNoContent)

	e.notifyAppended(r.Path)
	return nil
}

// handleHead implements HEAD: metadata only.
func (e *Engine) handleHead(w ResponseWriter, r *Request) *protocolError {
	meta, err := e.store.Head(r.Path)
	if err != nil {
		return mapStoreError(err)
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.NextOffset.String())
	w.Header().Set("Cache-Control", cacheControlNoStore)

	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete implements DELETE: tear down the stream and release any
// live waiters.
func (e *Engine) handleDelete(w ResponseWriter, r *Request) *protocolError {
	if err := e.store.Delete(r.Path); err != nil {
		return mapStoreError(err)
	}

	w.WriteHeader(http.StatusNoContent)
	e.notifyDeleted(r.Path)
	return nil
}
