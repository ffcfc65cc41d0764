package httpd

import (
	"bytes"
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/kfcemployee/tinyhttpd/internal/netbuf"
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateFinish
)

var crlf = []byte("\r\n")

// Request holds one parsed HTTP/1.1 request, reset and reused across
// Keep-Alive exchanges on the same connection.
type Request struct {
	Method      string
	Path        string
	VersionMaj  int
	VersionMin  int
	Headers     map[string]string
	Post        map[string]string
	Body        []byte
	state       parseState
}

// Init resets r for a fresh parse.
func (r *Request) Init() {
	r.Method = ""
	r.Path = ""
	r.VersionMaj, r.VersionMin = 0, 0
	r.Headers = make(map[string]string)
	r.Post = make(map[string]string)
	r.Body = nil
	r.state = stateRequestLine
}

// IsKeepAlive reports whether the request asked to keep the connection
// open: an explicit "Connection: keep-alive" header on an HTTP/1.1 request.
func (r *Request) IsKeepAlive() bool {
	return r.Headers["Connection"] == "keep-alive" && r.VersionMaj == 1 && r.VersionMin == 1
}

// Verifier authenticates or registers a user, plugging in internal/auth
// without this package importing database/sql directly.
type Verifier func(ctx context.Context, db *sql.DB, name, pwd string, isLogin bool) error

// Parse runs the REQUEST_LINE -> HEADERS -> BODY -> FINISH state machine
// over buf's readable span, consuming complete lines as it goes. It
// returns true once the request is fully parsed (state == FINISH), and
// false if more data is needed to make progress or the request line is
// malformed. A malformed header line moves the parse on to BODY (see
// parseHeader). When a POST targets
// /register.html or /login.html, it authenticates against db via verify
// and rewrites r.Path to /welcome.html or /error.html accordingly.
func (r *Request) Parse(buf *netbuf.Buffer, db *sql.DB, verify Verifier) bool {
	if buf.ReadableBytes() <= 0 {
		return false
	}

	for buf.ReadableBytes() > 0 && r.state != stateFinish {
		peek := buf.Peek()
		idx := bytes.Index(peek, crlf)
		var line []byte
		if idx == -1 {
			line = peek
		} else {
			line = peek[:idx]
		}

		switch r.state {
		case stateRequestLine:
			if idx == -1 {
				return false
			}
			if !r.parseRequestLine(line) {
				return false
			}
			r.resolvePath()
		case stateHeaders:
			if idx == -1 {
				return false
			}
			r.parseHeader(line)
			if buf.ReadableBytes()-(idx+2) <= 2 {
				if r.Method == "GET" || r.Method == "HEAD" {
					r.state = stateFinish
				} else {
					r.state = stateBody
				}
			}
		case stateBody:
			r.Body = append([]byte(nil), line...)
			r.parsePost(db, verify)
			r.state = stateFinish
		}

		if idx == -1 {
			break
		}
		buf.RetrieveUntil(buf.PrependableBytes() + idx + 2)
	}

	return r.state == stateFinish
}

// parseRequestLine matches "METHOD SP TARGET SP HTTP/MAJ.MIN".
func (r *Request) parseRequestLine(line []byte) bool {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return false
	}
	proto := string(parts[2])
	const prefix = "HTTP/"
	if !strings.HasPrefix(proto, prefix) {
		return false
	}
	ver := strings.SplitN(proto[len(prefix):], ".", 2)
	if len(ver) != 2 {
		return false
	}
	maj, err := strconv.Atoi(ver[0])
	if err != nil {
		return false
	}
	min, err := strconv.Atoi(ver[1])
	if err != nil {
		return false
	}

	r.Method = string(parts[0])
	r.Path = string(parts[1])
	r.VersionMaj, r.VersionMin = maj, min
	r.state = stateHeaders
	return true
}

// resolvePath rewrites / to /index.html and appends .html to the bare
// default-page names.
func (r *Request) resolvePath() {
	if r.Path == "/" {
		r.Path = "/index.html"
		return
	}
	name := strings.TrimSuffix(r.Path, ".html")
	if name != r.Path {
		return
	}
	if defaultHTML[strings.TrimPrefix(r.Path, "/")] {
		r.Path += ".html"
	}
}

// parseHeader matches "NAME: VALUE", falling through to BODY on a
// malformed line the way a blank separator line would.
func (r *Request) parseHeader(line []byte) {
	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		r.state = stateBody
		return
	}
	key := string(bytes.TrimSpace(line[:colon]))
	val := string(bytes.TrimSpace(line[colon+1:]))
	r.Headers[key] = val
}

func (r *Request) parsePost(db *sql.DB, verify Verifier) {
	if r.Method != "POST" || r.Headers["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	r.Post = decodeURLEncoded(r.Body)

	var isLogin bool
	switch r.Path {
	case "/login.html":
		isLogin = true
	case "/register.html":
		isLogin = false
	default:
		return
	}
	if verify == nil {
		return
	}

	err := verify(context.Background(), db, r.Post["username"], r.Post["password"], isLogin)
	if err == nil {
		r.Path = "/welcome.html"
	} else {
		r.Path = "/error.html"
	}
}

// decodeURLEncoded decodes an application/x-www-form-urlencoded body into
// a key/value map. '+' becomes a space, "%HH" decodes to the byte with
// value 16*hex(H1)+hex(H2); both key and value go through the same
// percent-decoding. A missing trailing '&' is tolerated.
func decodeURLEncoded(body []byte) map[string]string {
	out := make(map[string]string)
	if len(body) == 0 {
		return out
	}

	var key, val []byte
	inKey := true
	flush := func() {
		out[string(key)] = string(val)
		key, val = nil, nil
		inKey = true
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch c {
		case '=':
			inKey = false
		case '&':
			flush()
		case '+':
			appendDecoded(&key, &val, inKey, ' ')
		case '%':
			if i+2 < len(body) {
				if h1, ok1 := hexVal(body[i+1]); ok1 {
					if h2, ok2 := hexVal(body[i+2]); ok2 {
						appendDecoded(&key, &val, inKey, byte(h1*16+h2))
						i += 2
						continue
					}
				}
			}
			appendDecoded(&key, &val, inKey, c)
		default:
			appendDecoded(&key, &val, inKey, c)
		}
	}
	if len(key) > 0 || len(val) > 0 || inKey {
		flush()
	}
	return out
}

func appendDecoded(key, val *[]byte, inKey bool, b byte) {
	if inKey {
		*key = append(*key, b)
	} else {
		*val = append(*val, b)
	}
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	default:
		return 0, false
	}
}
