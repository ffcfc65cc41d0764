package httpd

import (
	"database/sql"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/tinyhttpd/internal/netbuf"
)

// UserCount is the atomic count of live connections, incremented on Init
// and decremented on Close. It stands in for the original's global
// std::atomic<int> userCount.
var UserCount atomic.Int64

// outstandingWriteLimit is the threshold (bytes still queued across both
// iovec segments) past which a level-triggered connection keeps looping
// writev instead of returning to wait for another write-ready event; an
// edge-triggered connection always keeps looping.
const outstandingWriteLimit = 10 * 1024

// Conn owns one peer connection's buffers, parsed request, response, and
// the two-segment iovec describing what Write still has left to send.
type Conn struct {
	Fd     int
	Addr   unix.Sockaddr
	closed bool

	iov [2][]byte

	ReadBuf  *netbuf.Buffer
	WriteBuf *netbuf.Buffer

	Request  Request
	Response Response

	IsET   bool
	srcDir string
	// DB and Verify back the POST /login.html and /register.html paths;
	// Verify may be nil if no auth collaborator is wired in.
	DB     *sql.DB
	Verify Verifier
}

// Init (re)initializes a Conn for a freshly accepted fd and bumps
// UserCount. Use Reset, not Init, to recycle a Conn across a Keep-Alive
// exchange on the same fd.
func (c *Conn) Init(fd int, addr unix.Sockaddr) {
	if c.ReadBuf == nil {
		c.ReadBuf = netbuf.New()
	} else {
		c.ReadBuf.Reset()
	}
	if c.WriteBuf == nil {
		c.WriteBuf = netbuf.New()
	} else {
		c.WriteBuf.Reset()
	}
	c.Fd = fd
	c.Addr = addr
	c.closed = false
	c.iov[0], c.iov[1] = nil, nil
	UserCount.Add(1)
}

// Reset clears buffers and the iovec for the next pipelined request on
// the same Keep-Alive connection, without touching UserCount.
func (c *Conn) Reset() {
	c.ReadBuf.Reset()
	c.WriteBuf.Reset()
	c.iov[0], c.iov[1] = nil, nil
}

// ToWriteBytes reports how many bytes remain queued across both iovec
// segments.
func (c *Conn) ToWriteBytes() int {
	return len(c.iov[0]) + len(c.iov[1])
}

// Read drains the socket into ReadBuf. In edge-triggered mode it loops
// until ReadFd reports EAGAIN or an error; in level-triggered mode it
// reads once, since the reactor will be re-notified while data remains.
func (c *Conn) Read() (int, error) {
	total := 0
	for {
		n, err := c.ReadBuf.ReadFd(c.Fd)
		if n > 0 {
			total += n
		}
		if n <= 0 {
			if total > 0 {
				return total, nil
			}
			return n, err
		}
		if !c.IsET {
			return total, nil
		}
	}
}

// Write flushes the iovec via writev, looping in edge-triggered mode (or
// while more than outstandingWriteLimit bytes remain) until the socket
// would block or everything has drained.
func (c *Conn) Write() (int, error) {
	total := 0
	for {
		n, err := c.writevOnce()
		if n > 0 {
			total += n
		}
		if n <= 0 {
			return total, err
		}
		if c.ToWriteBytes() == 0 {
			return total, nil
		}
		if !c.IsET && c.ToWriteBytes() <= outstandingWriteLimit {
			return total, nil
		}
	}
}

func (c *Conn) writevOnce() (int, error) {
	bufs := c.iovecs()
	if len(bufs) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(c.Fd, bufs)
	if n <= 0 {
		return n, err
	}
	c.advance(n)
	return n, nil
}

func (c *Conn) iovecs() [][]byte {
	var bufs [][]byte
	if len(c.iov[0]) > 0 {
		bufs = append(bufs, c.iov[0])
	}
	if len(c.iov[1]) > 0 {
		bufs = append(bufs, c.iov[1])
	}
	return bufs
}

// advance retires n written bytes from the iovec, matching the original's
// partial-write bookkeeping exactly: bytes beyond iov[0]'s length spill
// into retiring iov[1]; otherwise only iov[0] (and WriteBuf) advance.
func (c *Conn) advance(n int) {
	if n > len(c.iov[0]) {
		consumed := n - len(c.iov[0])
		if len(c.iov[0]) > 0 {
			c.WriteBuf.RetrieveAll()
			c.iov[0] = nil
		}
		c.iov[1] = c.iov[1][consumed:]
	} else {
		c.iov[0] = c.iov[0][n:]
		c.WriteBuf.Retrieve(n)
	}
}

// Process parses whatever is in ReadBuf, builds a response, and arms the
// iovec for Write. It returns false if ReadBuf was empty (caller should
// wait for more data or close).
func (c *Conn) Process() bool {
	if c.ReadBuf.ReadableBytes() <= 0 {
		return false
	}

	c.Request.Init()
	ok := c.Request.Parse(c.ReadBuf, c.DB, c.Verify)
	if ok {
		c.Response.Init(srcDirOf(c), c.Request.Path, c.Request.IsKeepAlive(), 200)
	} else {
		c.Response.Init(srcDirOf(c), c.Request.Path, false, 400)
	}

	c.Response.MakeResponse(c.WriteBuf)

	c.iov[0] = c.WriteBuf.Peek()
	c.iov[1] = nil
	if c.Response.FileLen() > 0 && c.Response.File() != nil {
		c.iov[1] = c.Response.File()
	}
	return true
}

// srcDir is configured once per Conn by the reactor via SetSrcDir.
func srcDirOf(c *Conn) string { return c.srcDir }

// SetSrcDir records the document root Process resolves paths against.
func (c *Conn) SetSrcDir(dir string) { c.srcDir = dir }

// Close releases the file mapping, closes fd, and decrements UserCount.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.Response.UnmapFile()
	if c.closed {
		return nil
	}
	c.closed = true
	UserCount.Add(-1)
	return unix.Close(c.Fd)
}

// Closed reports whether Close has already run.
func (c *Conn) Closed() bool { return c.closed }
