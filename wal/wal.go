package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends records to one WAL file, batching concurrent commit
// fsyncs into a single syscall per coalesce window (spec §5: "an
// appender buffers writes; a per-process coalescing registry fsyncs at
// most every coalesce_window_ms; late arrivals within the window share
// the same fsync call").
type Writer struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	closed bool

	coalesceWindow time.Duration
	syncQueue      *syncQueue
	syncInProgress bool
}

// Options configures a new Writer.
type Options struct {
	// Path is the WAL file's full path. It is created if missing.
	Path string

	// CoalesceWindow bounds how long Sync waits after the first
	// concurrent request arrives before issuing the fsync. Zero means
	// "fsync immediately, no coalescing."
	CoalesceWindow time.Duration
}

// Create opens (creating if needed) a WAL file and writes its global
// header if the file is new.
func Create(opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	existing, statErr := os.Stat(opts.Path)
	isNew := statErr != nil || existing.Size() == 0

	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", opts.Path, err)
	}

	w := &Writer{
		path:           opts.Path,
		file:           file,
		writer:         bufio.NewWriter(file),
		coalesceWindow: opts.CoalesceWindow,
		syncQueue:      &syncQueue{},
	}

	if isNew {
		var hdr [GlobalHeaderSize]byte
		copy(hdr[:8], GlobalMagic)
		if _, err := file.Write(hdr[:]); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: write global header: %w", err)
		}
	}

	return w, nil
}

// Path returns the WAL file's full path.
func (w *Writer) Path() string { return w.path }

// Append writes one record (header + payload) to the buffered writer.
// h.Len and h.CRC32C are computed from payload and need not be set by
// the caller. Append does not fsync; call Sync to make the write
// durable.
func (w *Writer) Append(h RecordHeader, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	h.Len = uint32(len(payload))
	h.CRC32C = ChecksumRecord(h, payload)

	var hdrBuf [RecordHeaderSize]byte
	EncodeRecordHeader(hdrBuf[:], h)
	if _, err := w.writer.Write(hdrBuf[:]); err != nil {
		return fmt.Errorf("wal: write record header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.writer.Write(payload); err != nil {
			return fmt.Errorf("wal: write record payload: %w", err)
		}
	}
	return nil
}

// Sync requests a group-commit fsync and blocks until it (or a
// concurrent sync that subsumes it) completes.
func (w *Writer) Sync() error {
	return <-w.SyncAsync()
}

// SyncAsync requests a group-commit fsync and returns immediately with
// a channel that receives the result.
func (w *Writer) SyncAsync() <-chan error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrClosed
		return done
	}

	req := &syncRequest{done: make(chan error, 1)}
	w.syncQueue.put(req)

	if w.syncInProgress {
		w.mu.Unlock()
		return req.done
	}
	w.syncInProgress = true
	w.mu.Unlock()

	go w.runCoalescedSync()
	return req.done
}

// runCoalescedSync waits out the coalesce window (letting concurrent
// SyncAsync callers join the same queue), then performs one fsync and
// fans the result out to every queued request.
func (w *Writer) runCoalescedSync() {
	if w.coalesceWindow > 0 {
		time.Sleep(w.coalesceWindow)
	}

	w.mu.Lock()
	if w.syncQueue.len() == 0 {
		w.syncInProgress = false
		w.mu.Unlock()
		return
	}
	err := w.doSyncLocked()
	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- err
	}
	if w.syncQueue.len() > 0 {
		w.mu.Unlock()
		w.runCoalescedSync()
		return
	}
	w.syncInProgress = false
	w.mu.Unlock()
}

// doSyncLocked flushes the buffered writer and fsyncs the file. Caller
// must hold w.mu.
func (w *Writer) doSyncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// TruncateToHeader truncates the WAL file back to just the global
// header, used after a clean shutdown or a full replay (spec §5).
func (w *Writer) TruncateToHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	if err := w.file.Truncate(GlobalHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(GlobalHeaderSize, os.SEEK_SET); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	w.writer.Reset(w.file)
	return nil
}

// Close flushes, fsyncs, and closes the WAL file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- ErrClosed
	}

	if err := w.doSyncLocked(); err != nil {
		return err
	}
	return w.file.Close()
}
