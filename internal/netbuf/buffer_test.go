package netbuf

import (
	"os"
	"testing"
)

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := New()
	data := []byte("hello, tinyhttpd")

	before := b.ReadableBytes()
	b.Append(data)
	b.Retrieve(len(data))

	if b.ReadableBytes() != before {
		t.Fatalf("expected buffer to return to prior readable size %d, got %d", before, b.ReadableBytes())
	}
	if b.r != 0 || b.w != 0 {
		t.Fatalf("expected r==w==0 after full retrieve, got r=%d w=%d", b.r, b.w)
	}
}

func TestAppendRetrieveAllToString(t *testing.T) {
	b := New()
	data := []byte("GET / HTTP/1.1\r\n\r\n")
	b.Append(data)

	if got := b.RetrieveAllToString(); got != string(data) {
		t.Fatalf("RetrieveAllToString() = %q, want %q", got, string(data))
	}
	if b.r != 0 || b.w != 0 {
		t.Fatalf("expected reset after RetrieveAllToString, got r=%d w=%d", b.r, b.w)
	}
}

func TestInvariants(t *testing.T) {
	b := New()
	check := func() {
		if !(0 <= b.r && b.r <= b.w && b.w <= len(b.buf)) {
			t.Fatalf("invariant violated: r=%d w=%d cap=%d", b.r, b.w, len(b.buf))
		}
	}
	check()
	b.Append([]byte("0123456789"))
	check()
	b.Retrieve(3)
	check()
	b.Append(make([]byte, 4096))
	check()
	b.RetrieveAll()
	check()
	if b.r != 0 || b.w != 0 {
		t.Fatalf("RetrieveAll should reset both indices")
	}
}

func TestMakeSpaceCompactsBeforeGrowing(t *testing.T) {
	b := NewSize(16)
	b.Append([]byte("0123456789")) // w=10
	b.Retrieve(8)                  // r=8, w=10, readable=2
	cap0 := len(b.buf)

	// Writable(6) < needed(10), but Writable(6) + Prependable(8) = 14 >= needed(10):
	// should compact, not grow.
	b.EnsureWritable(10)
	if len(b.buf) != cap0 {
		t.Fatalf("expected compaction in place, capacity changed from %d to %d", cap0, len(b.buf))
	}
	if b.r != 0 {
		t.Fatalf("expected compaction to reset r to 0, got %d", b.r)
	}
}

func TestMakeSpaceGrowsWhenCompactionInsufficient(t *testing.T) {
	b := NewSize(8)
	b.Append([]byte("01234567")) // fills buffer exactly, w=8
	b.EnsureWritable(100)
	if b.WritableBytes() < 100 {
		t.Fatalf("expected buffer to grow to satisfy EnsureWritable(100), writable=%d", b.WritableBytes())
	}
}

func TestRetrieveUntil(t *testing.T) {
	b := New()
	b.Append([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	line := b.Peek()
	idx := indexCRLF(line)
	if idx < 0 {
		t.Fatal("expected to find CRLF")
	}
	end := b.r + idx + 2
	b.RetrieveUntil(end)
	if string(b.Peek()[:4]) != "Host" {
		t.Fatalf("expected remaining buffer to start with Host, got %q", b.Peek())
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func TestReadFdSmallRead(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := []byte("small read fits in writable tail")
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}

	b := New()
	n, err := b.ReadFd(int(r.Fd()))
	if err != nil {
		t.Fatalf("ReadFd: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("ReadFd() = %d, want %d", n, len(payload))
	}
	if string(b.Peek()) != string(payload) {
		t.Fatalf("buffer contents = %q, want %q", b.Peek(), payload)
	}
}

func TestReadFdOverflowsIntoScratch(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		w.Write(payload)
		w.Close()
		close(done)
	}()

	b := NewSize(64) // writable tail much smaller than the payload
	total := 0
	for total < len(payload) {
		n, err := b.ReadFd(int(r.Fd()))
		if n <= 0 {
			if err != nil {
				t.Fatalf("ReadFd: %v", err)
			}
			break
		}
		total += n
	}
	<-done
	if total != len(payload) {
		t.Fatalf("read %d bytes total, want %d", total, len(payload))
	}
	if b.ReadableBytes() != len(payload) {
		t.Fatalf("ReadableBytes() = %d, want %d", b.ReadableBytes(), len(payload))
	}
}

func BenchmarkAppendRetrieve(b *testing.B) {
	buf := New()
	data := []byte("GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(data)
		buf.Retrieve(len(data))
	}
}
