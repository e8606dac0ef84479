package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// On-disk layout per stream directory:
//
//	data.bin: the payload file, written by serial appends only.
//
// Byte streams store raw payload bytes with no framing; the file size is
// the tail offset and is authoritative on recovery. JSON streams store
// one record per entry as [4-byte big-endian length][entry bytes]; the
// entry index (cumulative record ends) is rebuilt by scanning.

const (
	// DataFileName is the payload file within a stream directory.
	DataFileName = "data.bin"

	recordHeaderSize = 4

	// MaxEntrySize bounds a single JSON entry record (64MB).
	MaxEntrySize = 64 * 1024 * 1024
)

var (
	// ErrEntryTooLarge is returned when a JSON entry exceeds MaxEntrySize.
	ErrEntryTooLarge = errors.New("entry too large")

	// ErrCorruptedData is returned when a data file fails framing checks.
	ErrCorruptedData = errors.New("corrupted data file")
)

// writeRecord writes one length-prefixed JSON entry record and returns
// the bytes written including the header.
func writeRecord(w io.Writer, entry []byte) (int, error) {
	if len(entry) > MaxEntrySize {
		return 0, ErrEntryTooLarge
	}

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(entry)))

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(entry)
	return n + n2, err
}

// readRecord reads one length-prefixed record.
func readRecord(r io.Reader) ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxEntrySize {
		return nil, ErrCorruptedData
	}

	entry := make([]byte, length)
	if _, err := io.ReadFull(r, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// readEntries reads JSON entry records [startEntry, startEntry+count)
// given the byte position of the first wanted record. count <= 0 reads
// to EOF.
func readEntries(path string, startByte uint64, count int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(startByte), io.SeekStart); err != nil {
		return nil, err
	}

	r := bufio.NewReaderSize(f, 64*1024)
	var entries [][]byte
	for count <= 0 || len(entries) < count {
		entry, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// readRange reads raw payload bytes [start, end) from a byte-mode file.
func readRange(path string, start, end uint64) ([]byte, error) {
	if end <= start {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, int64(start)); err != nil {
		return nil, err
	}
	return buf, nil
}

// scanEntryIndex rebuilds the JSON entry index from a data file: the
// returned slice holds the cumulative byte position after each complete
// record. A trailing partial record (crash mid-append) is ignored; the
// caller truncates awareness to the last complete record.
func scanEntryIndex(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var index []uint64
	var pos uint64

	for {
		var hdr [recordHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > MaxEntrySize {
			break
		}
		skipped, err := r.Discard(int(length))
		if err != nil || uint32(skipped) != length {
			break
		}
		pos += recordHeaderSize + uint64(length)
		index = append(index, pos)
	}

	return index, nil
}

// dataFileSize returns the current size of a data file, zero if absent.
func dataFileSize(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(info.Size()), nil
}

// createDataFile creates an empty payload file.
func createDataFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}
	return f.Close()
}
