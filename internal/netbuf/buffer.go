// Package netbuf implements the append-oriented byte buffer backing both the
// read and write paths of a connection: a growable FIFO of bytes with a
// read index and a write index, compacted or resized in place instead of
// allocating a fresh slice on every append.
package netbuf

import (
	"golang.org/x/sys/unix"
)

const (
	// initialSize mirrors the original Buffer's default constructor argument.
	initialSize = 1024
	// extraBufSize is the size of the on-stack scratch area used by ReadFd
	// to absorb a read larger than the buffer's current writable tail,
	// avoiding a resize on the common case of a single small request.
	extraBufSize = 64 * 1024
)

// Buffer is a growable FIFO of bytes: buf[r:w] is the readable span,
// buf[w:] is the writable span, buf[:r] is the prependable span.
// A Buffer is not safe for concurrent use; callers hand it from the reactor
// to a worker and back, never sharing it across two goroutines at once.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New returns a Buffer with the default initial capacity.
func New() *Buffer {
	return &Buffer{buf: make([]byte, initialSize)}
}

// NewSize returns a Buffer with the given initial capacity.
func NewSize(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{buf: make([]byte, n)}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.w - b.r }

// WritableBytes returns the number of bytes that can be appended without resizing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.w }

// PrependableBytes returns the number of bytes already retrieved, reusable by compaction.
func (b *Buffer) PrependableBytes() int { return b.r }

// Peek returns the readable span without consuming it.
func (b *Buffer) Peek() []byte { return b.buf[b.r:b.w] }

// BeginWrite returns the writable tail, for callers that write into it directly
// (e.g. ReadFd) before calling HasWritten.
func (b *Buffer) BeginWrite() []byte { return b.buf[b.w:] }

// HasWritten advances the write index after data was written directly into
// the slice returned by BeginWrite.
func (b *Buffer) HasWritten(n int) { b.w += n }

// EnsureWritable grows or compacts the buffer so that at least n bytes are
// writable without overrunning the backing array.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// makeSpace resizes the backing array, unless compacting the already-read
// prefix out of the way frees up enough room on its own.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n {
		grown := make([]byte, b.w+n)
		copy(grown, b.buf[:b.w])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = readable
}

// Append copies data onto the writable tail, growing the buffer if needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.w:], data)
	b.w += len(data)
}

// AppendString is a convenience wrapper for the common case of appending
// header text built with string concatenation or fmt.Sprintf.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Write implements io.Writer over the append path, so header-building code
// may use fmt.Fprintf(buf, ...) the way it would with a bytes.Buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Retrieve consumes n bytes from the readable span, resetting both indices
// to zero once the buffer drains completely.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// RetrieveUntil consumes bytes up to (but not including) the given offset
// into Peek(), expressed as an absolute index into the backing array.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end - b.r)
}

// RetrieveAll resets the buffer to empty without copying.
func (b *Buffer) RetrieveAll() {
	b.r, b.w = 0, 0
}

// Reset is an alias for RetrieveAll, used when a connection is recycled
// between Keep-Alive requests.
func (b *Buffer) Reset() { b.RetrieveAll() }

// RetrieveAllToString snapshots the readable span as a string and resets the buffer.
func (b *Buffer) RetrieveAllToString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// ReadFd performs a vectored read from fd into the buffer's writable tail
// plus a 64KiB on-stack scratch area, so a read larger than the current
// writable span doesn't force a resize before the data can land somewhere.
// It returns the total number of bytes read, or -1 and the errno on failure.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extraBuf [extraBufSize]byte
	writable := b.BeginWrite()

	n, err := unix.Readv(fd, [][]byte{writable, extraBuf[:]})
	if n <= 0 {
		return n, err
	}
	if n <= len(writable) {
		b.HasWritten(n)
	} else {
		b.w = len(b.buf)
		b.Append(extraBuf[:n-len(writable)])
	}
	return n, err
}

// WriteFd writes the readable span to fd and advances the read index by
// however much was written.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if n > 0 {
		b.Retrieve(n)
	}
	return n, err
}
