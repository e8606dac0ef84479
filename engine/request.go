package engine

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/schema"
)

// Request is the transport-neutral request an adapter hands to the
// engine. The Path doubles as the stream key: a stream is a URL.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader

	// AbsoluteURL is the externally visible stream URL, used for the
	// Location header on 201 responses.
	AbsoluteURL string

	// RemoteAddr identifies the client for rate limiting.
	RemoteAddr string

	// Context carries transport cancellation; live reads abort when it
	// is done.
	Context context.Context
}

func (r *Request) ctx() context.Context {
	if r.Context != nil {
		return r.Context
	}
	return context.Background()
}

// ResponseWriter is the transport-neutral response sink. Flush must
// push buffered bytes to the client promptly; SSE depends on it.
type ResponseWriter interface {
	Header() http.Header
	WriteHeader(status int)
	Write(p []byte) (int, error)
	Flush()
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// readQuery is the decoded GET query string.
type readQuery struct {
	Offset string `schema:"offset"`
	Live   string `schema:"live"`
	Cursor string `schema:"cursor"`

	offsetProvided bool `schema:"-"`
}

// parseReadQuery validates and decodes a GET query string. Duplicate
// keys are rejected outright, as is an explicitly empty offset.
func parseReadQuery(rawQuery string) (*readQuery, *protocolError) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, badRequest("malformed query string")
	}

	for key, vals := range values {
		if len(vals) > 1 {
			return nil, badRequest("duplicate query parameter: " + key)
		}
	}

	var q readQuery
	if err := queryDecoder.Decode(&q, values); err != nil {
		return nil, badRequest("malformed query string")
	}

	if vals, ok := values[QueryOffset]; ok {
		q.offsetProvided = true
		if vals[0] == "" {
			return nil, badRequest("offset must not be empty")
		}
		if err := validateOffsetToken(vals[0]); err != nil {
			return nil, badRequest(err.Error())
		}
	}

	switch q.Live {
	case "", LiveLongPoll, LiveSSE:
	default:
		return nil, badRequest("unknown live mode")
	}

	return &q, nil
}
