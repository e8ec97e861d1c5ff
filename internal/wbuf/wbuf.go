// Package wbuf implements the buffered-output engine: a per-connection FIFO
// of pending byte ranges and file regions, with opportunistic immediate send
// and a fallback enqueue path, draining via scatter writes and in-kernel
// file transfer.
package wbuf

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOverflow is returned by EnqueueVectored when queuing more bytes would
// push the pending write size above 2 x the configured MaxWBLen.
var ErrOverflow = errors.New("wbuf: output chain overflow")

// Directive tells the supervisor what readiness interest to arm next.
type Directive int

const (
	DirectiveReadOnly Directive = iota
	DirectiveWriteOnly
	DirectiveReadWrite
	DirectiveClose
)

// MemPolicy controls what happens to a byte-kind input once it has been
// fully written (or once it's been handed off to a queued segment — the
// policy travels with the bytes either way).
type MemPolicy int

const (
	// PolicyOwned: the bytes are a private heap buffer; nothing special is
	// required to release them (Go's GC does it), the variant exists only to
	// document that nobody else holds a reference to this slice.
	PolicyOwned MemPolicy = iota
	// PolicyBorrowed: the bytes are backed by caller-managed memory that
	// outlives the segment (e.g. an embedded content entry's body). Never
	// mutated, never assumed freed.
	PolicyBorrowed
	// PolicyCallerFree: release() is invoked exactly once, when the bytes
	// have been fully written (e.g. to return a pooled buffer).
	PolicyCallerFree
)

type segmentKind int

const (
	kindBytes segmentKind = iota
	kindFile
)

type segment struct {
	kind segmentKind

	// byte-kind fields
	data    []byte
	policy  MemPolicy
	release func()

	// file-kind fields
	file        *os.File
	closeOnDone bool

	offset    int64
	remaining int64
}

// Chain is a FIFO of output segments belonging to one connection.
type Chain struct {
	segments []segment
	// pending is the sum of `remaining` across byte-kind segments only,
	// per the data model: file regions are disk-resident, not
	// memory-resident, and are excluded from backpressure accounting.
	pending int64

	// ShutdownPending marks that, once this chain drains, the connection
	// should be closed rather than returned to read interest.
	ShutdownPending bool

	// maxOverflow is 2 x the configured MaxWBLen, or 0 for unbounded.
	maxOverflow int64
}

// Pending returns the current pending write size used for backpressure.
func (c *Chain) Pending() int64 { return c.pending }

// Empty reports whether the chain has nothing left to drain.
func (c *Chain) Empty() bool { return len(c.segments) == 0 }

// EnqueueVectored attempts a single scatter-write of iov across fd. Fully
// written segments have their MemPolicy applied immediately. Partially (or
// not at all) written segments are appended to the chain as owned copies, so
// the caller is always free to reuse or discard its buffers once this
// function returns (mirroring policy semantics even on the queued path: a
// PolicyBorrowed input is referenced, not copied, since it's guaranteed to
// outlive the segment; PolicyOwned/PolicyCallerFree inputs that only
// partially drained are copied to an owned buffer for the residual, and the
// caller's release/ownership obligation on the original is honoured right
// away since the residual no longer refers to it).
func (c *Chain) EnqueueVectored(fd int, iov [][]byte, policies []MemPolicy, releases []func()) (Directive, error) {
	if len(iov) != len(policies) {
		return DirectiveClose, fmt.Errorf("wbuf: iov/policy length mismatch")
	}

	start := 0
	if c.Empty() {
		n, err := writevOnce(fd, iov)
		if err != nil && !isAgain(err) {
			return DirectiveClose, err
		}
		start, iov = consumeIOV(iov, n)
		// Apply policy/release to every iov entry that was fully drained by
		// the immediate write.
		for i := 0; i < start; i++ {
			applyRelease(policies[i], releases, i)
		}
		if len(iov) == 0 {
			return DirectiveReadOnly, nil
		}
	}

	// Compute what queuing the remainder would bring pending to.
	var addl int64
	for _, b := range iov {
		addl += int64(len(b))
	}
	limit := c.overflowLimit()
	if limit > 0 && c.pending+addl > limit {
		// Still honour release obligations on data we refuse to queue.
		for i := start; i < start+len(iov); i++ {
			applyRelease(policies[i], releases, i)
		}
		return DirectiveClose, ErrOverflow
	}

	for i, b := range iov {
		pi := start + i
		var data []byte
		policy := policies[pi]
		var release func()
		if policy == PolicyBorrowed {
			data = b
		} else {
			data = append([]byte(nil), b...)
			if policy == PolicyCallerFree {
				release = releases[pi]
			}
			// The original buffer's obligation (if any) is satisfied now;
			// the queued segment owns an independent copy.
			applyRelease(policy, releases, pi)
			policy = PolicyOwned
		}
		c.segments = append(c.segments, segment{
			kind:      kindBytes,
			data:      data,
			policy:    policy,
			release:   release,
			remaining: int64(len(data)),
		})
		c.pending += int64(len(data))
	}
	return DirectiveReadWrite, nil
}

// overflowLimit is set by the owning connection via SetLimit; 0 means
// unbounded (used in tests).
func (c *Chain) overflowLimit() int64 { return c.maxOverflow }

// SetMaxWBLen configures the backpressure ceiling: EnqueueVectored reports
// ErrOverflow once pending would exceed 2 x maxWBLen.
func (c *Chain) SetMaxWBLen(maxWBLen int64) {
	if maxWBLen <= 0 {
		c.maxOverflow = 0
		return
	}
	c.maxOverflow = 2 * maxWBLen
}

func applyRelease(policy MemPolicy, releases []func(), i int) {
	if policy == PolicyCallerFree && releases != nil && i < len(releases) && releases[i] != nil {
		releases[i]()
	}
}

// EnqueueFile attempts an in-kernel file-to-socket transfer if the chain is
// empty; otherwise it queues a file-region segment. File enqueue never
// reports overflow, since the file is disk-resident.
func (c *Chain) EnqueueFile(fd int, f *os.File, offset, size int64, closeOnDone bool) (Directive, error) {
	if c.Empty() {
		off := offset
		n, err := unix.Sendfile(fd, int(f.Fd()), &off, int(size))
		if err != nil && !isAgain(err) {
			if closeOnDone {
				_ = f.Close()
			}
			return DirectiveClose, err
		}
		remaining := size - int64(n)
		if remaining <= 0 {
			if closeOnDone {
				_ = f.Close()
			}
			return DirectiveReadOnly, nil
		}
		c.segments = append(c.segments, segment{
			kind: kindFile, file: f, offset: offset + int64(n), remaining: remaining,
			closeOnDone: closeOnDone,
		})
		return DirectiveReadWrite, nil
	}
	c.segments = append(c.segments, segment{
		kind: kindFile, file: f, offset: offset, remaining: size, closeOnDone: closeOnDone,
	})
	return DirectiveReadWrite, nil
}

// Drain is called when the socket is writable. It walks the chain head-first
// until a write would block, an unrecoverable error occurs, or the chain
// empties.
func (c *Chain) Drain(fd int) Directive {
	for len(c.segments) > 0 {
		seg := &c.segments[0]
		var n int
		var err error

		switch seg.kind {
		case kindBytes:
			n, err = unix.Write(fd, seg.data[:seg.remaining])
		case kindFile:
			off := seg.offset
			n, err = unix.Sendfile(fd, int(seg.file.Fd()), &off, int(seg.remaining))
			seg.offset = off
		}

		if err != nil {
			if isAgain(err) {
				return DirectiveWriteOnly
			}
			return DirectiveClose
		}
		if n == 0 {
			// Nothing written and no error: treat as a transient EAGAIN
			// rather than spinning.
			return DirectiveWriteOnly
		}

		if seg.kind == kindBytes {
			seg.data = seg.data[n:]
			c.pending -= int64(n)
		}
		seg.remaining -= int64(n)

		if seg.remaining <= 0 {
			c.releaseHead()
		} else if seg.kind == kindFile {
			// Partial sendfile; try again next readiness notification.
			return DirectiveWriteOnly
		}
	}

	if c.ShutdownPending {
		return DirectiveClose
	}
	return DirectiveReadOnly
}

func (c *Chain) releaseHead() {
	seg := c.segments[0]
	if seg.kind == kindFile && seg.closeOnDone {
		_ = seg.file.Close()
	}
	if seg.kind == kindBytes && seg.policy == PolicyCallerFree && seg.release != nil {
		seg.release()
	}
	c.segments = c.segments[1:]
}

// Close releases every queued segment without attempting further I/O, used
// when hard-closing a connection.
func (c *Chain) Close() {
	for len(c.segments) > 0 {
		c.releaseHead()
	}
	c.pending = 0
}

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// writevOnce performs a single scatter write, tolerating EINTR by treating it
// as "zero written, try again" (handled by the caller via isAgain).
func writevOnce(fd int, iov [][]byte) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, iov)
	return n, err
}

// consumeIOV returns how many whole leading buffers were consumed by n bytes
// and the remaining (possibly sliced) iov for a subsequent enqueue.
func consumeIOV(iov [][]byte, n int) (int, [][]byte) {
	consumed := 0
	for n > 0 && len(iov) > 0 {
		if n >= len(iov[0]) {
			n -= len(iov[0])
			iov = iov[1:]
			consumed++
		} else {
			iov[0] = iov[0][n:]
			n = 0
		}
	}
	return consumed, iov
}
