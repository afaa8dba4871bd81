// journal.go provides the file handle wrapper for the append-only journal
// and the encoding of the records appended after the snapshot preamble.
//
// Writes go to an in-memory buffer first (bufio.Writer) and reach the OS when
// the buffer fills or when the File backend's maintenance loop calls Fsync,
// which also forces the OS to commit them to disk.
//
// Record Format
// =============
//
//	+--------+-------+-------+-------+-------+-----------+
//	| OpCode | KLen  | VLen  | Key   | Value | CRC32     |
//	+--------+-------+-------+-------+-------+-----------+
//	  1 byte  4 bytes 4 bytes  var     var     4 bytes
//
//	OpCode: 0x01, set key to value.
//	CRC32:  Castagnoli, over every preceding byte of the record.
//
// A crash can leave the last record half-written; the loader detects that
// as an unexpected EOF and can drop it.

package blobstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

const opCodeSet = 0x01

const recordHeaderSize = 9

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errRecordChecksum = errors.New("journal record checksum mismatch")

type journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool

	// rewriteBuf collects records appended while a compaction is running, so
	// they can be replayed onto the new file before it replaces this one.
	rewriteBuf *bytes.Buffer
}

func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &journal{
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// write appends data to the buffer. The caller must hold j.mu.
func (j *journal) write(data []byte) error {
	if j.closed {
		return ErrClosed
	}

	if j.rewriteBuf != nil {
		j.rewriteBuf.Write(data)
	}

	_, err := j.writer.Write(data)

	return err
}

// Fsync flushes the buffer to the OS and forces the OS to write to disk.
func (j *journal) Fsync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	if err := j.writer.Flush(); err != nil {
		return err
	}

	return j.file.Sync()
}

// Size returns the current file size.
func (j *journal) Size() (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	stat, err := j.file.Stat()
	if err != nil {
		return 0, err
	}

	return stat.Size() + int64(j.writer.Buffered()), nil
}

func (j *journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}

	return j.file.Close()
}

// encodeRecord builds a set record for key and value.
func encodeRecord(key string, value []byte) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(key)+len(value)+4)

	buf[0] = opCodeSet
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(value)))

	buf = append(buf, key...)
	buf = append(buf, value...)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, castagnoli))

	return buf
}

// readRecord decodes the next record from r. It returns io.EOF at a clean end
// of stream and io.ErrUnexpectedEOF when the stream stops mid-record.
func readRecord(r io.Reader) (string, []byte, error) {
	header := make([]byte, recordHeaderSize)

	if _, err := io.ReadFull(r, header); err != nil {
		return "", nil, err
	}

	if header[0] != opCodeSet {
		return "", nil, fmt.Errorf("journal corruption: unexpected opcode %x", header[0])
	}

	kLen := binary.LittleEndian.Uint32(header[1:5])
	vLen := binary.LittleEndian.Uint32(header[5:9])
	if kLen > maxChunk || vLen > maxChunk {
		return "", nil, fmt.Errorf("journal corruption: record length %d/%d", kLen, vLen)
	}

	body := make([]byte, int(kLen)+int(vLen)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, unexpected(err)
	}

	crc := crc32.New(castagnoli)
	crc.Write(header)
	crc.Write(body[:len(body)-4])

	if crc.Sum32() != binary.LittleEndian.Uint32(body[len(body)-4:]) {
		return "", nil, errRecordChecksum
	}

	key := string(body[:kLen])
	value := body[kLen : kLen+vLen : kLen+vLen]

	return key, value, nil
}
