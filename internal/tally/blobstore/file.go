// file.go implements the File backend: the sharded Memory store made durable
// by a single journal file on local disk.
//
// The journal uses a hybrid layout. A binary TLY1 snapshot forms the
// preamble, and every Save after the last compaction is appended as a
// checksummed record:
//
//	+-----------------------+---------------------------+
//	| Binary Preamble       | Record Tail               |
//	| (TLY1 Snapshot)       | (set records)             |
//	+-----------------------+---------------------------+
//
// On open, the preamble restores the bulk of the data in one pass and only
// the short tail needs replaying.
//
// Durability Policy
// =================
//
// Save does not fsync. Records sit in a buffered writer until the
// maintenance loop flushes and syncs them every FsyncInterval, so a power
// failure loses at most that much recent history.
//
// Compaction
// ==========
//
// The maintenance loop also watches the journal size. Once it passes
// RewriteMinSize and has grown by RewritePercent over the size left by the
// last compaction, the journal is rewritten as a fresh snapshot. Records
// appended while the snapshot is being written are collected in a rewrite
// buffer and copied onto the new file before the swap, so nothing is lost
// between the snapshot and the rename.

package blobstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for FileOptions.
const (
	DefaultFilePath       = "tally.journal"
	DefaultFsyncInterval  = time.Second
	DefaultRewriteMinSize = 64 * 1024 * 1024
	DefaultRewritePercent = 100
)

// FileOptions configures the File backend.
type FileOptions struct {
	Path           string
	FsyncInterval  time.Duration
	RewriteMinSize int64
	RewritePercent int

	// LoadTruncated accepts a journal whose last record was cut short by a
	// crash. The partial record is dropped and the file is compacted
	// immediately. When false, such a journal fails to open.
	LoadTruncated bool

	Logger *slog.Logger
}

func (o *FileOptions) sanitize() {
	if o.Path == "" {
		o.Path = DefaultFilePath
	}
	if o.FsyncInterval <= 0 {
		o.FsyncInterval = DefaultFsyncInterval
	}
	if o.RewriteMinSize <= 0 {
		o.RewriteMinSize = DefaultRewriteMinSize
	}
	if o.RewritePercent <= 0 {
		o.RewritePercent = DefaultRewritePercent
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// File is a Store backed by memory and a local journal.
type File struct {
	opts   FileOptions
	logger *slog.Logger

	mem     *Memory
	journal *journal

	baseSize    atomic.Int64
	isRewriting atomic.Bool
	compactMu   sync.Mutex

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Store = (*File)(nil)

// OpenFile loads the journal at opts.Path (if any) and opens it for
// appending. It starts the background fsync and compaction loop, which runs
// until Close.
func OpenFile(opts FileOptions) (*File, error) {
	opts.sanitize()

	f := &File{
		opts:   opts,
		logger: opts.Logger,
		mem:    NewMemory(),
		stop:   make(chan struct{}),
	}

	truncated, err := f.load()
	if err != nil {
		return nil, err
	}

	j, err := openJournal(opts.Path)
	if err != nil {
		return nil, err
	}
	f.journal = j

	if size, err := j.Size(); err == nil {
		f.baseSize.Store(size)
	}

	// A partial record at the tail would otherwise sit in front of every
	// record appended from now on.
	if truncated {
		f.logger.Info("journal was truncated on load, compacting to heal the file", "path", opts.Path)
		if err := f.Compact(); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("blobstore: heal truncated journal: %w", err)
		}
	}

	f.wg.Add(1)
	go f.maintain()

	return f, nil
}

// load restores the journal into memory. It reports whether a truncated
// final record was dropped.
func (f *File) load() (bool, error) {
	fh, err := os.Open(f.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = fh.Close() }()

	stats, err := replayJournal(bufio.NewReader(fh), f.mem)
	if err != nil {
		return false, err
	}

	if stats.Truncated {
		if !f.opts.LoadTruncated {
			return false, errors.New("blobstore: journal truncated (enable load-truncated to recover)")
		}
		f.logger.Warn("journal truncated at end, dropping partial record",
			"path", f.opts.Path, "replayed", stats.Records)
		return true, nil
	}

	f.logger.Info("journal loaded", "path", f.opts.Path, "keys", f.mem.Len(), "replayed", stats.Records)

	return false, nil
}

// Load returns a copy of the value stored under key.
func (f *File) Load(ctx context.Context, key string) ([]byte, error) {
	return f.mem.Load(ctx, key)
}

// Save stores value under key and appends it to the journal.
func (f *File) Save(_ context.Context, key string, value []byte) error {
	v := bytes.Clone(value)
	record := encodeRecord(key, v)

	// The memory write and the append happen under the journal lock so the
	// journal order always matches the order in which values became visible.
	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()

	if f.journal.closed {
		return ErrClosed
	}

	f.mem.set(key, v)

	return f.journal.write(record)
}

// Keys returns every key starting with prefix, sorted.
func (f *File) Keys(ctx context.Context, prefix string) ([]string, error) {
	return f.mem.Keys(ctx, prefix)
}

// Ping reports ErrClosed once the store has been closed.
func (f *File) Ping(context.Context) error {
	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()

	if f.journal.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the maintenance loop, compacts the journal and closes it.
func (f *File) Close() error {
	var err error

	f.closeOnce.Do(func() {
		close(f.stop)
		f.wg.Wait()

		f.logger.Info("closing journal, compacting", "path", f.opts.Path)
		if cerr := f.Compact(); cerr != nil {
			// The journal is still valid, just longer than it needs to be.
			f.logger.Error("failed to compact journal on close", "error", cerr)
		}

		err = f.journal.Close()
	})

	return err
}

// Compact rewrites the journal as a single snapshot of the current data.
func (f *File) Compact() error {
	//
	// DESIGN
	// ------
	//
	// Phase 1 (Snapshot to Temp File): the rewrite buffer is switched on, then
	// the snapshot streams to a temp file with per-shard read locks only, so
	// Saves continue throughout. Every Save from that point on is copied into
	// the rewrite buffer as well as the live journal.
	//
	// Phase 2 (Swap): under the journal lock, the rewrite buffer is appended
	// to the temp file, which is synced and renamed over the journal. A Save
	// that raced the snapshot may appear both in the preamble and in the
	// buffered tail; replaying it twice is harmless.
	//
	// A crash in phase 1 leaves the old journal untouched. The rename is
	// atomic on POSIX systems, so a crash in phase 2 leaves either the old
	// file or the new one.
	//
	f.compactMu.Lock()
	defer f.compactMu.Unlock()

	f.journal.mu.Lock()
	if f.journal.closed {
		f.journal.mu.Unlock()
		return ErrClosed
	}
	f.journal.rewriteBuf = new(bytes.Buffer)
	f.journal.mu.Unlock()

	resetBuffer := func() {
		f.journal.mu.Lock()
		f.journal.rewriteBuf = nil
		f.journal.mu.Unlock()
	}

	tmpName := f.opts.Path + ".tmp"
	tmp, err := os.Create(tmpName)
	if err != nil {
		resetBuffer()
		return err
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)

	defer func() {
		if !fileClosed {
			_ = tmp.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := f.mem.SaveSnapshotToWriter(bw); err != nil {
		resetBuffer()
		return err
	}

	j := f.journal
	j.mu.Lock()
	defer j.mu.Unlock()

	tail := j.rewriteBuf
	j.rewriteBuf = nil

	if tail != nil {
		if _, err := tail.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	fileClosed = true

	if err := j.writer.Flush(); err != nil {
		// The new file already holds everything the buffer did.
		f.logger.Error("failed to flush journal before rewrite", "error", err)
	}
	_ = j.file.Close()

	if err := os.Rename(tmpName, f.opts.Path); err != nil {
		j.closed = true
		return err
	}
	renameSuccess = true

	newFile, err := os.OpenFile(f.opts.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		j.closed = true
		return err
	}

	j.file = newFile
	j.writer.Reset(newFile)

	if stat, err := newFile.Stat(); err == nil {
		f.baseSize.Store(stat.Size())
	}

	return nil
}

// maintain fsyncs the journal and triggers compaction when it has grown
// enough.
func (f *File) maintain() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.opts.FsyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return

		case <-ticker.C:
			if err := f.journal.Fsync(); err != nil {
				f.logger.Error("background journal sync failed", "error", err)
			}

			current, err := f.journal.Size()
			if err != nil {
				continue
			}

			if !f.shouldRewrite(current, f.baseSize.Load()) {
				continue
			}

			if f.isRewriting.CompareAndSwap(false, true) {
				f.logger.Info("journal rewrite triggered",
					"current_bytes", current,
					"base_bytes", f.baseSize.Load(),
					"threshold_percent", f.opts.RewritePercent)

				f.wg.Add(1)
				go func() {
					defer f.wg.Done()
					defer f.isRewriting.Store(false)

					start := time.Now()
					if err := f.Compact(); err != nil {
						f.logger.Error("journal rewrite failed", "error", err)
					} else {
						f.logger.Info("journal rewrite completed", "duration", time.Since(start))
					}
				}()
			}
		}
	}
}

// shouldRewrite applies the size policy: never below RewriteMinSize, and
// otherwise once the journal exceeds base grown by RewritePercent.
func (f *File) shouldRewrite(current, base int64) bool {
	if current < f.opts.RewriteMinSize {
		return false
	}

	return current > base+base*int64(f.opts.RewritePercent)/100
}
