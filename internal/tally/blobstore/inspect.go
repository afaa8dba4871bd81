package blobstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// JournalStats describes what a journal replay found.
type JournalStats struct {
	// Preamble is true when the file starts with a TLY1 snapshot.
	Preamble     bool
	PreambleKeys int

	// Records counts the set records replayed after the preamble.
	Records int

	// Truncated is true when the last record stops mid-way. Everything
	// before it was replayed.
	Truncated bool
}

// replayJournal loads the preamble and records of r into mem.
func replayJournal(r *bufio.Reader, mem *Memory) (JournalStats, error) {
	//
	// DESIGN
	// ------
	//
	// The first 4 bytes decide the layout. "TLY1" means a snapshot preamble,
	// which LoadSnapshotFromReader consumes up to and including its
	// checksum. Because it reads through the same *bufio.Reader, the bytes it
	// buffered but did not consume remain available for the record loop.
	//
	// Anything else is a journal with no preamble (never compacted) or an
	// empty file, and goes straight to the record loop.
	//
	var stats JournalStats

	magic, _ := r.Peek(len(snapshotMagic))
	if string(magic) == snapshotMagic {
		if err := mem.LoadSnapshotFromReader(r); err != nil {
			return stats, fmt.Errorf("blobstore: corrupt journal preamble: %w", err)
		}
		stats.Preamble = true
		stats.PreambleKeys = mem.Len()
	}

	for {
		key, value, err := readRecord(r)
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			// A crash mid-append leaves one partial record at the end. Any
			// other error (bad opcode, checksum mismatch) is corruption.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				stats.Truncated = true
				return stats, nil
			}
			return stats, fmt.Errorf("blobstore: corrupt journal after %d records: %w", stats.Records, err)
		}

		mem.set(key, value)
		stats.Records++
	}
}

// InspectJournal replays the journal at path into a fresh Memory store
// without opening it for writing. Compressed values are stored as written;
// wrap the result with NewCompressed to read them.
func InspectJournal(path string) (*Memory, JournalStats, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, JournalStats{}, err
	}
	defer func() { _ = fh.Close() }()

	mem := NewMemory()

	stats, err := replayJournal(bufio.NewReader(fh), mem)
	if err != nil {
		return nil, stats, err
	}

	return mem, stats, nil
}
