// memory.go implements the sharded in-memory store and its binary snapshot
// format. The File backend layers a journal on top of it.
//
// Sharding Strategy
// =================
//
// Data is partitioned across 256 independent shards, each with its own
// RWMutex, so two writes to different keys almost never contend. Keys are
// assigned to shards by xxHash64 modulo 256.
//
// The Binary Format (TLY1)
// ========================
//
//	+--------+-----------+-----------+---------+     +-----+-----------+
//	| Header | Shard 0   | Shard 1   | Shard 2 | ... | EOF | Checksum  |
//	+--------+-----------+-----------+---------+     +-----+-----------+
//	 4 bytes   variable    variable    variable       1 B    8 bytes
//
// Header: the 4-byte magic string "TLY1".
//
// Shard Blocks: every non-empty shard is written as
//
//	+--------+----------+-------+-------+-------+-------+-------+-------+
//	| OpCode | Shard ID | Count | KLen  | Key   | VLen  | Value | ...   |
//	+--------+----------+-------+-------+-------+-------+-------+-------+
//	  1 byte   1 byte    4 bytes 4 bytes  var    4 bytes  var
//
//	OpCode:    0xFE, a shard block follows.
//	Shard ID:  the index (0-255), used for direct placement on load.
//	KLen/VLen: little-endian uint32 length prefixes.
//
// EOF Marker: a single 0xFF byte ends the binary section. Journal records
// may follow the checksum.
//
// Checksum: CRC-64 (ISO polynomial) over every preceding byte.
//
// Clone-then-Write
// ================
//
// SaveSnapshotToWriter copies one shard at a time into a RAM buffer under
// that shard's read lock, then writes the buffer with no lock held. Writers
// are only ever blocked on the one shard being copied.

package blobstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const snapshotMagic = "TLY1"

const shardCount = 256

// Opcodes for the binary snapshot format.
const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

var crcTable = crc64.MakeTable(crc64.ISO)

type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// Memory is the sharded in-memory Store.
type Memory struct {
	shards [shardCount]*shard
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard{data: make(map[string][]byte)}
	}
	return m
}

func (m *Memory) getShard(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// Load returns a copy of the value stored under key.
func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	sh := m.getShard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := sh.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return bytes.Clone(v), nil
}

// Save stores a copy of value under key.
func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.set(key, bytes.Clone(value))
	return nil
}

// set stores value without copying it.
func (m *Memory) set(key string, value []byte) {
	sh := m.getShard(key)

	sh.mu.Lock()
	sh.data[key] = value
	sh.mu.Unlock()
}

// Keys returns every key starting with prefix, sorted.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	for _, sh := range m.shards {
		sh.mu.RLock()
		for k := range sh.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Strings(keys)

	return keys, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// SaveSnapshotToWriter serializes every key to w in the TLY1 format.
func (m *Memory) SaveSnapshotToWriter(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// For each shard (0 to 255):
	//   - Acquire a read lock on just that shard.
	//   - Copy its key-value pairs into a RAM buffer.
	//   - Release the lock.
	//   - Write the buffer out, with no lock held.
	//
	// The destination is wrapped in a MultiWriter that also feeds a CRC-64
	// hasher, so the checksum needs no second pass.
	//
	checksum := crc64.New(crcTable)
	bw := bufio.NewWriter(io.MultiWriter(w, checksum))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	shardBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)

	for i, sh := range m.shards {
		sh.mu.RLock()
		count := len(sh.data)
		if count == 0 {
			sh.mu.RUnlock()
			continue
		}

		shardBuf.Reset()
		shardBuf.WriteByte(OpCodeShardData)
		shardBuf.WriteByte(byte(i))

		binary.LittleEndian.PutUint32(lenBuf, uint32(count))
		shardBuf.Write(lenBuf)

		for k, v := range sh.data {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(k)))
			shardBuf.Write(lenBuf)
			shardBuf.WriteString(k)

			binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
			shardBuf.Write(lenBuf)
			shardBuf.Write(v)
		}
		sh.mu.RUnlock()

		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum itself is written around the hasher.
	return binary.Write(w, binary.LittleEndian, checksum.Sum64())
}

// LoadSnapshotFromReader restores keys from a TLY1 snapshot. It consumes
// exactly the binary section and its checksum, leaving r positioned at the
// first journal record (or EOF).
func (m *Memory) LoadSnapshotFromReader(r *bufio.Reader) error {
	//
	// DESIGN
	// ------
	//
	// The loader trusts the shard ID stored with each block and inserts
	// straight into that shard, skipping the key hash ("zero-rehash"). This
	// is only safe because the writer used the same shard function; file
	// corruption is caught by the checksum.
	//
	// Nothing is inserted until the checksum has been verified, so a corrupt
	// snapshot leaves the store untouched.
	//
	header := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if string(header) != snapshotMagic {
		return errors.New("invalid snapshot header")
	}

	hasher := crc64.New(crcTable)
	hasher.Write(header)

	type entry struct {
		key   string
		value []byte
	}
	pending := make(map[int][]entry)

	lenBuf := make([]byte, 4)

	for {
		opcode, err := r.ReadByte()
		if err != nil {
			return unexpected(err)
		}
		hasher.Write([]byte{opcode})

		if opcode == OpCodeEOF {
			break
		}
		if opcode != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcode)
		}

		shardID, err := r.ReadByte()
		if err != nil {
			return unexpected(err)
		}
		hasher.Write([]byte{shardID})

		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return unexpected(err)
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		for i := uint32(0); i < count; i++ {
			key, err := readChunk(r, lenBuf, hasher)
			if err != nil {
				return err
			}
			value, err := readChunk(r, lenBuf, hasher)
			if err != nil {
				return err
			}

			pending[int(shardID)] = append(pending[int(shardID)], entry{key: string(key), value: value})
		}
	}

	stored := make([]byte, 8)
	if _, err := io.ReadFull(r, stored); err != nil {
		return unexpected(err)
	}

	if binary.LittleEndian.Uint64(stored) != hasher.Sum64() {
		return errors.New("snapshot corruption: checksum mismatch")
	}

	for id, entries := range pending {
		sh := m.shards[id]
		sh.mu.Lock()
		for _, e := range entries {
			sh.data[e.key] = e.value
		}
		sh.mu.Unlock()
	}

	return nil
}

// maxChunk bounds a single length-prefixed key or value so that a corrupt
// length cannot trigger a huge allocation.
const maxChunk = 1 << 30

// readChunk reads one uint32 length-prefixed byte string, feeding every byte
// to hasher.
func readChunk(r io.Reader, lenBuf []byte, hasher io.Writer) ([]byte, error) {
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, unexpected(err)
	}
	hasher.Write(lenBuf)

	n := binary.LittleEndian.Uint32(lenBuf)
	if n > maxChunk {
		return nil, fmt.Errorf("snapshot corruption: chunk length %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpected(err)
	}
	hasher.Write(buf)

	return buf, nil
}

// unexpected turns a clean EOF in the middle of a structure into
// io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
