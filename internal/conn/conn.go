// Package conn implements the per-connection state a supervisor drives:
// a growable input buffer, the request parser, the output chain, and the
// glue that turns a dispatched Exchange into enqueued response bytes.
package conn

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/abgandar/gophonic/internal/httpx"
	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/wbuf"
)

const initialBufCap = 4096

// Conn owns one accepted socket from accept through close.
type Conn struct {
	FD           int
	RemoteAddr   string
	LastActivity time.Time

	buf      []byte // buf[:len(buf)] holds unparsed + in-flight bytes for the current request
	parser   *parse.Parser
	chain    wbuf.Chain
	maxWBLen int64 // 0 means unbounded; mirrors chain.SetMaxWBLen's own threshold
}

// New builds a Conn ready to read from fd.
func New(fd int, remoteAddr string, limits parse.Limits, canonicalizeURL bool, maxWBLen int64) *Conn {
	c := &Conn{
		FD:           fd,
		RemoteAddr:   remoteAddr,
		LastActivity: time.Now(),
		buf:          make([]byte, 0, initialBufCap),
		parser:       parse.New(limits, canonicalizeURL),
		maxWBLen:     maxWBLen,
	}
	c.chain.SetMaxWBLen(maxWBLen)
	return c
}

// Chain exposes the output chain so the supervisor can Drain it directly.
func (c *Conn) Chain() *wbuf.Chain { return &c.chain }

// WantRead reports whether this connection should keep EPOLLIN armed. Once
// the output chain's pending size exceeds maxWBLen, reads pause until the
// peer drains enough of the backlog to fall back under the limit, so a slow
// reader can't make the server buffer an unbounded amount of response data.
func (c *Conn) WantRead() bool {
	if c.maxWBLen <= 0 {
		return true
	}
	return c.chain.Pending() <= c.maxWBLen
}

// OnReadable is called when the socket is readable: it reads as much as is
// available, then drives the parser/dispatcher as far as it can go.
func (c *Conn) OnReadable(table *route.Table) (wbuf.Directive, error) {
	if err := c.fill(); err != nil {
		if err == io.EOF {
			return wbuf.DirectiveClose, nil
		}
		return wbuf.DirectiveClose, err
	}
	return c.drive(table)
}

// OnWritable is called when the socket is writable: it drains the output
// chain as far as it can go without blocking.
func (c *Conn) OnWritable() wbuf.Directive {
	return c.chain.Drain(c.FD)
}

// Close releases the output chain and closes the underlying file descriptor.
func (c *Conn) Close() {
	c.chain.Close()
	_ = unix.Close(c.FD)
}

// HalfCloseWrite shuts down the write half only, used for graceful close
// (wait for the peer's own close/RDHUP rather than resetting the connection).
func (c *Conn) HalfCloseWrite() error {
	return unix.Shutdown(c.FD, unix.SHUT_WR)
}

func (c *Conn) fill() error {
	for {
		if len(c.buf) == cap(c.buf) {
			c.grow()
		}
		n, err := unix.Read(c.FD, c.buf[len(c.buf):cap(c.buf)])
		if n > 0 {
			c.buf = c.buf[:len(c.buf)+n]
			c.LastActivity = time.Now()
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
	}
}

func (c *Conn) grow() {
	newCap := cap(c.buf) * 2
	if newCap == 0 {
		newCap = initialBufCap
	}
	nb := make([]byte, len(c.buf), newCap)
	copy(nb, c.buf)
	c.buf = nb
}

// compact discards the leading `consumed` bytes of buf, sliding any
// pipelined bytes that follow down to offset 0.
func (c *Conn) compact(consumed int) {
	remaining := len(c.buf) - consumed
	copy(c.buf[:remaining], c.buf[consumed:])
	c.buf = c.buf[:remaining]
}

// drive runs the parse/dispatch loop until the connection needs more input,
// needs to write before it can read more (backpressure or a pending close),
// or has hit an unrecoverable condition.
func (c *Conn) drive(table *route.Table) (wbuf.Directive, error) {
	for {
		res, herr := c.parser.Advance(c.buf)
		switch res {
		case parse.ResultNeedMore:
			if !c.WantRead() {
				// Output backlog past the limit: stop reading until the peer
				// drains it, regardless of whether buf itself has more
				// pipelined bytes waiting.
				return wbuf.DirectiveWriteOnly, nil
			}
			if c.chain.Empty() {
				return wbuf.DirectiveReadOnly, nil
			}
			return wbuf.DirectiveReadWrite, nil

		case parse.ResultClose:
			c.enqueueError(herr.Code, herr.Message)
			c.chain.ShutdownPending = true
			return wbuf.DirectiveWriteOnly, nil

		case parse.ResultReady:
			ex := &route.Exchange{
				Request: c.parser.Request(),
				Buf:     c.buf,
				FD:      c.FD,
				Chain:   &c.chain,
			}
			table.Dispatch(ex)
			c.enqueueResponse(ex)

			consumed, closeAfter := c.parser.Finish()
			c.compact(consumed)

			if closeAfter {
				c.chain.ShutdownPending = true
				return wbuf.DirectiveWriteOnly, nil
			}
			// Loop: more pipelined bytes may already be sitting in buf.
		}
	}
}

func (c *Conn) enqueueResponse(ex *route.Exchange) {
	if ex.Response == nil {
		return
	}
	ex.Response.Header.Set("Date", httpx.FormatDate(time.Now()))

	var hdr bytes.Buffer
	bodyless := *ex.Response
	bodyless.Body = nil
	_ = httpx.WriteResponse(context.Background(), &hdr, &bodyless)

	if ex.Response.Body != nil {
		body, _ := io.ReadAll(ex.Response.Body)
		hdr.Write(body)
	}

	_, _ = c.chain.EnqueueVectored(c.FD, [][]byte{hdr.Bytes()}, []wbuf.MemPolicy{wbuf.PolicyOwned}, nil)

	if ex.FileToSend != nil {
		fr := ex.FileToSend
		_, _ = c.chain.EnqueueFile(c.FD, fr.File, fr.Offset, fr.Size, fr.CloseOnDone)
	}
}

func (c *Conn) enqueueError(code int, msg string) {
	body := msg + "\n"
	h := httpx.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Date", httpx.FormatDate(time.Now()))
	resp := &httpx.Response{StatusCode: code, Header: h}

	var buf bytes.Buffer
	_ = httpx.WriteResponse(context.Background(), &buf, resp)
	buf.WriteString(body)

	_, _ = c.chain.EnqueueVectored(c.FD, [][]byte{buf.Bytes()}, []wbuf.MemPolicy{wbuf.PolicyOwned}, nil)
}
