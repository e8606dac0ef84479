package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/durable-streams/server-go/store"
)

// controlFrame is the payload of an SSE control event. StreamNextOffset
// is required by the protocol; the rest is advisory.
type controlFrame struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
}

// handleSSE implements GET ?live=sse: stream catch-up data as SSE
// frames, then follow the tail live until the connection lifetime cap.
// Clients reconnect with the last control frame's streamNextOffset.
func (e *Engine) handleSSE(w ResponseWriter, r *Request, q *readQuery) *protocolError {
	if !q.offsetProvided {
		return badRequest("offset required for sse mode")
	}

	start, err := store.ParseOffset(q.Offset)
	if err != nil {
		return badRequest("invalid offset")
	}

	meta, serr := e.store.Head(r.Path)
	if serr != nil {
		return mapStoreError(serr)
	}

	// SSE frames are text: the stream itself must be text-shaped.
	ct := strings.ToLower(store.MediaType(meta.ContentType))
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return badRequest("sse mode requires text/* or application/json content type")
	}

	if meta.NextOffset.LessThan(start) {
		return badRequest("offset beyond stream")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", cacheControlNoStore)
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx, cancel := context.WithTimeout(r.ctx(), e.sseMaxLifetime)
	defer cancel()
	deadline, _ := ctx.Deadline()

	// Catch-up phase: drain committed data to the tail, then announce it.
	current, ok := e.sseCatchUp(w, r.Path, start, q.Cursor)
	if !ok {
		return nil
	}

	// Live phase: wake on append, emit the delta, repeat until the
	// lifetime cap. The cap is the point: reconnects collapse at CDNs.
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		outcome, werr := e.store.Await(ctx, r.Path, current, remaining)
		if werr != nil || outcome != store.AwaitData {
			// Lifetime reached, client gone, or stream gone: clean close.
			return nil
		}

		current, ok = e.sseCatchUp(w, r.Path, current, q.Cursor)
		if !ok {
			return nil
		}
	}
}

// sseCatchUp emits data frames until the reader reaches the tail, then
// one control frame carrying the tail offset and a fresh cursor.
// Returns the new position and whether the connection is still usable.
func (e *Engine) sseCatchUp(w ResponseWriter, path string, from store.Offset, clientCursor string) (store.Offset, bool) {
	current := from
	for {
		res, err := e.store.Read(path, current, e.maxChunkSize)
		if err != nil {
			return current, false
		}

		if len(res.Data) > 0 && !current.Equal(res.NextOffset) {
			if err := writeSSEData(w, res.Data); err != nil {
				return current, false
			}
		}
		current = res.NextOffset

		if res.UpToDate {
			break
		}
	}

	if err := writeSSEControl(w, controlFrame{
		StreamNextOffset: current.String(),
		StreamCursor:     e.cursor.Next(clientCursor),
		UpToDate:         true,
	}); err != nil {
		return current, false
	}
	w.Flush()
	return current, true
}

// writeSSEData emits one data event. Multi-line payloads become
// successive data: lines per the SSE grammar.
func writeSSEData(w ResponseWriter, payload []byte) error {
	if _, err := fmt.Fprintf(w, "event: data\n"); err != nil {
		return err
	}
	for _, line := range strings.Split(string(payload), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n")
	return err
}

// writeSSEControl emits one control event.
func writeSSEControl(w ResponseWriter, frame controlFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
	return err
}
