package conn

import (
	"bufio"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/wbuf"
)

// socketPair returns two connected, non-blocking AF_UNIX SOCK_STREAM file
// descriptors, closing both on test cleanup.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func echoTable() *route.Table {
	return route.NewTable(route.Entry{
		Pattern: "/", Match: route.MatchPrefix,
		Handler: route.EmbeddedHandler{ContentType: "text/plain", Body: []byte("hi")},
	})
}

func TestConnReadsRequestAndEnqueuesResponse(t *testing.T) {
	serverFD, clientFD := socketPair(t)

	c := New(serverFD, "127.0.0.1:1234", parse.DefaultLimits(), true, 1<<20)
	table := echoTable()

	req := "GET / HTTP/1.1\r\nHost: h\r\n\r\n"
	if _, err := unix.Write(clientFD, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	dir, err := c.OnReadable(table)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if dir != wbuf.DirectiveReadOnly {
		t.Fatalf("directive = %v, want ReadOnly (keep-alive, response drained immediately)", dir)
	}

	resp := make([]byte, 4096)
	n, err := unix.Read(clientFD, resp)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(resp[:n])
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("bad response: %q", got)
	}
	if !strings.HasSuffix(got, "hi") {
		t.Fatalf("body missing: %q", got)
	}
}

func TestConnClosesAfterHTTP10(t *testing.T) {
	serverFD, clientFD := socketPair(t)
	c := New(serverFD, "127.0.0.1:1234", parse.DefaultLimits(), true, 1<<20)
	table := echoTable()

	req := "GET / HTTP/1.0\r\n\r\n"
	if _, err := unix.Write(clientFD, []byte(req)); err != nil {
		t.Fatal(err)
	}
	dir, err := c.OnReadable(table)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if !c.Chain().ShutdownPending {
		t.Fatalf("HTTP/1.0 should mark ShutdownPending")
	}
	_ = dir
}

func TestConnPipeliningServesBothRequests(t *testing.T) {
	serverFD, clientFD := socketPair(t)
	c := New(serverFD, "127.0.0.1:1234", parse.DefaultLimits(), true, 1<<20)
	table := echoTable()

	reqs := "GET / HTTP/1.1\r\nHost: h\r\n\r\nGET / HTTP/1.1\r\nHost: h\r\n\r\n"
	if _, err := unix.Write(clientFD, []byte(reqs)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.OnReadable(table); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}

	resp := make([]byte, 4096)
	n, err := unix.Read(clientFD, resp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(resp[:n])
	count := strings.Count(got, "HTTP/1.1 200 OK")
	if count != 2 {
		t.Fatalf("expected 2 responses from pipelined requests, got %d in %q", count, got)
	}
}

// fillToEAGAIN writes filler chunks into fd, without anyone draining the
// other end, until the kernel send buffer is full and a further write would
// block. Used to force Chain.EnqueueVectored onto its queuing path instead of
// its immediate-write fast path.
func fillToEAGAIN(t *testing.T, fd int) {
	t.Helper()
	filler := make([]byte, 65536)
	for i := 0; i < 64; i++ {
		_, err := unix.Write(fd, filler)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			t.Fatalf("fillToEAGAIN write: %v", err)
		}
	}
	t.Fatalf("fillToEAGAIN: socket never reached EAGAIN")
}

func TestConnPausesReadsPastMaxWBLen(t *testing.T) {
	serverFD, clientFD := socketPair(t)

	const maxWBLen = 300
	table := route.NewTable(route.Entry{
		Pattern: "/", Match: route.MatchPrefix,
		Handler: route.EmbeddedHandler{ContentType: "text/plain", Body: []byte(strings.Repeat("x", 250))},
	})
	c := New(serverFD, "127.0.0.1:1234", parse.DefaultLimits(), true, maxWBLen)

	req := "GET / HTTP/1.1\r\nHost: h\r\n\r\n"
	if _, err := unix.Write(clientFD, []byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Stall the response direction before the handler ever runs, so its
	// enqueue falls onto the queuing path rather than writing through.
	fillToEAGAIN(t, serverFD)

	dir, err := c.OnReadable(table)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if got := c.Chain().Pending(); got <= maxWBLen {
		t.Fatalf("Pending() = %d, want > %d (maxWBLen) for this test to be meaningful", got, maxWBLen)
	}
	if c.WantRead() {
		t.Fatalf("WantRead() = true once Pending() exceeds maxWBLen")
	}
	if dir != wbuf.DirectiveWriteOnly {
		t.Fatalf("directive = %v, want WriteOnly while the output backlog drains", dir)
	}
}

func TestConnBadRequestEnqueues400(t *testing.T) {
	serverFD, clientFD := socketPair(t)
	c := New(serverFD, "127.0.0.1:1234", parse.DefaultLimits(), true, 1<<20)
	table := echoTable()

	if _, err := unix.Write(clientFD, []byte("BOGUS\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.OnReadable(table); err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if !c.Chain().ShutdownPending {
		t.Fatalf("malformed request should set ShutdownPending")
	}

	resp := make([]byte, 4096)
	n, err := unix.Read(clientFD, resp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	br := bufio.NewReader(strings.NewReader(string(resp[:n])))
	line, _ := br.ReadString('\n')
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Fatalf("status line = %q", line)
	}
}

