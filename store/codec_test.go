package store

import (
	"bytes"
	"testing"
)

func TestSplitJSONBody(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		allowEmpty  bool
		expected    []string
		expectedErr error
	}{
		{
			name:     "single object",
			body:     `{"a":1}`,
			expected: []string{`{"a":1}`},
		},
		{
			name:     "array flattens one level",
			body:     `[{"a":1},{"b":2}]`,
			expected: []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:     "nested array stays intact",
			body:     `[[1,2],[3]]`,
			expected: []string{`[1,2]`, `[3]`},
		},
		{
			name:     "scalar value",
			body:     `42`,
			expected: []string{`42`},
		},
		{
			name:       "empty array allowed on create",
			body:       `[]`,
			allowEmpty: true,
			expected:   nil,
		},
		{
			name:        "empty array rejected on append",
			body:        `[]`,
			expectedErr: ErrEmptyJSONArray,
		},
		{
			name:        "invalid JSON",
			body:        `{"a":`,
			expectedErr: ErrInvalidJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := SplitJSONBody([]byte(tt.body), tt.allowEmpty)
			if tt.expectedErr != nil {
				if err != tt.expectedErr {
					t.Errorf("expected %v, got %v", tt.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(entries) != len(tt.expected) {
				t.Fatalf("expected %d entries, got %d", len(tt.expected), len(entries))
			}
			for i, e := range entries {
				if string(e) != tt.expected[i] {
					t.Errorf("entry %d: expected %q, got %q", i, tt.expected[i], e)
				}
			}
		})
	}
}

func TestEncodeJSONArray(t *testing.T) {
	if got := EncodeJSONArray(nil); string(got) != "[]" {
		t.Errorf("empty: expected [], got %s", got)
	}

	entries := [][]byte{[]byte(`{"a":1}`), []byte(`2`), []byte(`"x"`)}
	want := `[{"a":1},2,"x"]`
	if got := EncodeJSONArray(entries); string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestByteCodecReadLimits(t *testing.T) {
	c := NewCodec("text/plain")
	if err := c.Append([]byte("hello world")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Limited read stops short of the tail.
	data, next, upToDate, err := c.Read(ZeroOffset, 5)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}
	if next.Position != 5 {
		t.Errorf("expected next position 5, got %d", next.Position)
	}
	if upToDate {
		t.Error("limited read should not be up to date")
	}

	// Continue to the tail.
	data, next, upToDate, err = c.Read(next, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != " world" {
		t.Errorf("expected %q, got %q", " world", data)
	}
	if !upToDate {
		t.Error("read to tail should be up to date")
	}
	if !next.Equal(c.Size()) {
		t.Errorf("next %v != size %v", next, c.Size())
	}

	// Reading past the tail is an error.
	if _, _, _, err := c.Read(Offset{Position: 100}, 0); err != ErrOffsetBeyondTail {
		t.Errorf("expected ErrOffsetBeyondTail, got %v", err)
	}
}

func TestJSONCodecEntryOffsets(t *testing.T) {
	c := NewCodec("application/json")

	if err := c.ApplyInitial([]byte(`[{"a":1},{"b":2}]`)); err != nil {
		t.Fatalf("initial failed: %v", err)
	}
	if err := c.Append([]byte(`{"c":3}`)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Offsets count entries, not bytes.
	if size := c.Size(); size.Position != 3 {
		t.Fatalf("expected size 3, got %d", size.Position)
	}

	data, next, upToDate, err := c.Read(Offset{Position: 1}, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(data, []byte(`[{"b":2},{"c":3}]`)) {
		t.Errorf("unexpected data: %s", data)
	}
	if next.Position != 3 || !upToDate {
		t.Errorf("expected next 3 up-to-date, got %d %v", next.Position, upToDate)
	}

	// Entry limit.
	data, next, upToDate, err = c.Read(ZeroOffset, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(data, []byte(`[{"a":1},{"b":2}]`)) {
		t.Errorf("unexpected data: %s", data)
	}
	if next.Position != 2 || upToDate {
		t.Errorf("expected next 2 not up-to-date, got %d %v", next.Position, upToDate)
	}

	// Reading exactly at the tail returns an empty array.
	data, _, upToDate, err = c.Read(Offset{Position: 3}, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "[]" || !upToDate {
		t.Errorf("expected empty up-to-date array, got %s %v", data, upToDate)
	}
}

func TestJSONCodecRejectsEmptyAppend(t *testing.T) {
	c := NewCodec("application/json")
	if err := c.Append([]byte(`[]`)); err != ErrEmptyJSONArray {
		t.Errorf("expected ErrEmptyJSONArray, got %v", err)
	}
	if err := c.Append(nil); err != ErrEmptyBody {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

func TestContentTypeMatches(t *testing.T) {
	tests := []struct {
		a, b  string
		match bool
	}{
		{"application/json", "application/json", true},
		{"application/json", "application/json; charset=utf-8", true},
		{"Application/JSON", "application/json", true},
		{"", "application/octet-stream", true},
		{"text/plain", "application/json", false},
	}

	for _, tt := range tests {
		if got := ContentTypeMatches(tt.a, tt.b); got != tt.match {
			t.Errorf("ContentTypeMatches(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.match)
		}
	}
}
