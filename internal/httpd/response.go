package httpd

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/kfcemployee/tinyhttpd/internal/netbuf"
)

// Response tracks the resolved status code and memory-mapped file backing
// one reply, reused across Keep-Alive exchanges on the same connection.
type Response struct {
	Code      int
	KeepAlive bool
	Path      string
	SrcDir    string

	mmap []byte
	size int64
}

// Init resets resp for a fresh response. If a previous file mapping is
// still held, it is released first.
func (resp *Response) Init(srcDir, reqPath string, keepAlive bool, code int) {
	resp.UnmapFile()
	resp.SrcDir = srcDir
	resp.Path = reqPath
	resp.KeepAlive = keepAlive
	resp.Code = code
	resp.size = 0
}

// File returns the memory-mapped body, or nil if none is mapped.
func (resp *Response) File() []byte { return resp.mmap }

// FileLen returns the size in bytes of the mapped body, 0 if none.
func (resp *Response) FileLen() int64 { return resp.size }

// resolvedPath cleans Path as if rooted at "/", so ".." elements cannot climb
// above SrcDir, and returns SrcDir joined with the cleaned path. It returns
// ok=false if the cleaned path still contains ".." (only possible inside a
// file name).
func (resp *Response) resolvedPath() (string, bool) {
	clean := path.Clean("/" + resp.Path)
	if strings.Contains(clean, "..") {
		return "", false
	}
	return resp.SrcDir + clean, true
}

// MakeResponse stats the resolved file, resolves the status code, and
// appends the status line and headers to buf. A file body is memory-mapped
// (see File) rather than copied; only a synthesized error body is appended
// to buf.
func (resp *Response) MakeResponse(buf *netbuf.Buffer) {
	full, ok := resp.resolvedPath()
	if ok {
		// addContent opens SrcDir+Path, so it must see the cleaned path
		// that is stat'ed here.
		resp.Path = full[len(resp.SrcDir):]
	}
	switch {
	case resp.Code == 400:
		// A request that failed to parse keeps its 400; its target is not
		// looked up.
	case !ok:
		resp.Code = 404
	default:
		if fi, err := os.Stat(full); err != nil || fi.IsDir() {
			resp.Code = 404
		} else if fi.Mode().Perm()&0o004 == 0 {
			resp.Code = 403
		} else if resp.Code == -1 || resp.Code == 0 {
			resp.Code = 200
		}
	}

	resp.rewriteErrorPath()
	resp.addStateLine(buf)
	resp.addHeader(buf)
	resp.addContent(buf)
}

// rewriteErrorPath swaps in the canonical error page for 400/403/404.
func (resp *Response) rewriteErrorPath() {
	if p, ok := codePath[resp.Code]; ok {
		resp.Path = p
	}
}

func (resp *Response) addStateLine(buf *netbuf.Buffer) {
	status, ok := codeStatus[resp.Code]
	if !ok {
		resp.Code = 400
		status = codeStatus[400]
	}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", resp.Code, status)
}

func (resp *Response) addHeader(buf *netbuf.Buffer) {
	if resp.KeepAlive {
		buf.AppendString("Connection: keep-alive\r\n")
		buf.AppendString("keep-alive: max=6, timeout=120\r\n")
	} else {
		buf.AppendString("Connection: close\r\n")
	}
	buf.AppendString("Content-type: " + resp.fileType() + "\r\n")
}

func (resp *Response) fileType() string {
	idx := strings.LastIndexByte(resp.Path, '.')
	if idx == -1 {
		return "text/plain"
	}
	if t, ok := suffixType[resp.Path[idx:]]; ok {
		return t
	}
	return "text/plain"
}

func (resp *Response) addContent(buf *netbuf.Buffer) {
	full := resp.SrcDir + resp.Path
	f, err := os.OpenFile(full, os.O_RDONLY, 0)
	if err != nil {
		resp.errorContent(buf, "File NotFound!")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		resp.errorContent(buf, "File NotFound!")
		return
	}
	size := fi.Size()
	if size == 0 {
		buf.AppendString("Content-length: 0\r\n\r\n")
		return
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		resp.errorContent(buf, "File NotFound!")
		return
	}
	resp.mmap = data
	resp.size = size
	fmt.Fprintf(buf, "Content-length: %d\r\n\r\n", size)
}

// errorContent synthesizes an inline HTML error body, used when the
// resolved file cannot be opened or mapped.
func (resp *Response) errorContent(buf *netbuf.Buffer, message string) {
	status, ok := codeStatus[resp.Code]
	if !ok {
		status = "Bad Request"
	}
	var b strings.Builder
	b.WriteString("<html><title>Error</title>")
	b.WriteString("<body bgcolor=\"ffffff\">")
	b.WriteString(strconv.Itoa(resp.Code))
	b.WriteString(" : ")
	b.WriteString(status)
	b.WriteString("\n<p>")
	b.WriteString(message)
	b.WriteString("</p><hr><em>tinyhttpd</em></body></html>")

	body := b.String()
	fmt.Fprintf(buf, "Content-length: %d\r\n\r\n", len(body))
	buf.AppendString(body)
}

// UnmapFile releases the current file mapping, if any. It is idempotent.
func (resp *Response) UnmapFile() error {
	if resp.mmap == nil {
		return nil
	}
	err := unix.Munmap(resp.mmap)
	resp.mmap = nil
	resp.size = 0
	return err
}
