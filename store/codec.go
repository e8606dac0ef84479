package store

import (
	"bytes"
	"encoding/json"
)

// Codec maps payload bytes onto a stream's offset space. A codec is
// selected by content type at create time and fixed for the stream's
// lifetime: JSON streams (application/json) address entries, every
// other stream addresses raw payload bytes.
//
// The in-memory store owns a codec instance per stream; the file store
// implements the same semantic contract over segment files.
type Codec interface {
	// ApplyInitial applies a create body. A JSON array is flattened one
	// level into entries; an empty array yields an empty stream.
	ApplyInitial(body []byte) error

	// Append applies an append body. Same rules as ApplyInitial except
	// an empty JSON array is rejected with ErrEmptyJSONArray.
	Append(body []byte) error

	// Read returns data in [start, min(size, start+limit)). limit <= 0
	// means unlimited. upToDate is set iff the returned region reaches
	// the current size.
	Read(start Offset, limit int) (data []byte, next Offset, upToDate bool, err error)

	// Size returns the current tail offset.
	Size() Offset
}

// NewCodec returns the codec for the given content type.
func NewCodec(contentType string) Codec {
	if IsJSONContentType(contentType) {
		return &jsonCodec{}
	}
	return &byteCodec{}
}

// byteCodec accumulates raw bytes; offsets count payload bytes.
type byteCodec struct {
	buf []byte
}

func (c *byteCodec) ApplyInitial(body []byte) error {
	c.buf = append(c.buf, body...)
	return nil
}

func (c *byteCodec) Append(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	c.buf = append(c.buf, body...)
	return nil
}

func (c *byteCodec) Read(start Offset, limit int) ([]byte, Offset, bool, error) {
	size := uint64(len(c.buf))
	if start.Position > size {
		return nil, Offset{}, false, ErrOffsetBeyondTail
	}
	end := size
	if limit > 0 && start.Position+uint64(limit) < end {
		end = start.Position + uint64(limit)
	}
	data := c.buf[start.Position:end]
	next := Offset{Seq: start.Seq, Position: end}
	return data, next, end == size, nil
}

func (c *byteCodec) Size() Offset {
	return Offset{Position: uint64(len(c.buf))}
}

// jsonCodec stores parsed JSON values as discrete entries; offsets count
// entries, and reads always produce a JSON array.
type jsonCodec struct {
	entries [][]byte
}

func (c *jsonCodec) ApplyInitial(body []byte) error {
	entries, err := SplitJSONBody(body, true)
	if err != nil {
		return err
	}
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *jsonCodec) Append(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	entries, err := SplitJSONBody(body, false)
	if err != nil {
		return err
	}
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *jsonCodec) Read(start Offset, limit int) ([]byte, Offset, bool, error) {
	count := uint64(len(c.entries))
	if start.Position > count {
		return nil, Offset{}, false, ErrOffsetBeyondTail
	}
	end := count
	if limit > 0 && start.Position+uint64(limit) < end {
		end = start.Position + uint64(limit)
	}
	data := EncodeJSONArray(c.entries[start.Position:end])
	next := Offset{Seq: start.Seq, Position: end}
	return data, next, end == count, nil
}

func (c *jsonCodec) Size() Offset {
	return Offset{Position: uint64(len(c.entries))}
}

// SplitJSONBody validates a JSON body and splits it into entries. A
// top-level array is flattened exactly one level; any other JSON value
// becomes a single entry. Empty arrays are accepted only when
// allowEmpty is set (PUT initial bodies).
func SplitJSONBody(body []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		entries := make([][]byte, len(arr))
		for i, elem := range arr {
			entries[i] = []byte(elem)
		}
		return entries, nil
	}

	return [][]byte{trimmed}, nil
}

// EncodeJSONArray joins entries into a JSON array without re-encoding
// the individual values.
func EncodeJSONArray(entries [][]byte) []byte {
	if len(entries) == 0 {
		return []byte("[]")
	}

	total := 2
	for i, e := range entries {
		if i > 0 {
			total++
		}
		total += len(e)
	}

	out := make([]byte, 0, total)
	out = append(out, '[')
	for i, e := range entries {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, e...)
	}
	out = append(out, ']')
	return out
}
