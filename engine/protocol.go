// Package engine implements the framework-neutral Durable Streams
// protocol engine: request parsing and validation, method dispatch,
// response shaping with cache/ETag/cursor policy, and the live read
// orchestration for long-poll and SSE. Transport adapters construct a
// Request and a ResponseWriter; everything protocol-shaped happens here.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Canonical protocol header names.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderXError           = "X-Error"
)

// Canonical query parameter names and live modes.
const (
	QueryOffset = "offset"
	QueryLive   = "live"
	QueryCursor = "cursor"

	LiveLongPoll = "long-poll"
	LiveSSE      = "sse"
)

// UpToDateValue is the canonical true value for Stream-Up-To-Date.
const UpToDateValue = "true"

// offsetForbidden holds characters an offset token may never contain.
const offsetForbidden = ",&=?"

// validateOffsetToken enforces the protocol-level offset shape: a
// non-empty string free of the forbidden characters. The store performs
// the stricter structural parse.
func validateOffsetToken(s string) error {
	if s == "" {
		return fmt.Errorf("offset must not be empty")
	}
	if strings.ContainsAny(s, offsetForbidden) {
		return fmt.Errorf("offset contains forbidden character")
	}
	return nil
}

// ttlShape: digits only, no leading zeros unless the value is "0".
var ttlShape = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// parseTTL validates and parses a Stream-TTL header value in seconds.
func parseTTL(s string) (int64, error) {
	if !ttlShape.MatchString(s) {
		return 0, fmt.Errorf("invalid Stream-TTL: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Stream-TTL: %w", err)
	}
	return ttl, nil
}

// parseExpiresAt validates and parses a Stream-Expires-At header value
// as an RFC 3339 instant.
func parseExpiresAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid Stream-Expires-At: must be RFC 3339")
	}
	return t, nil
}
