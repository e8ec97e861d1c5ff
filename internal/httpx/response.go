package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrLengthMismatch indicates a declared Content-Length that does not match
// what was actually available to send or receive.
var ErrLengthMismatch = errors.New("httpx: content-length mismatch")

// Response represents a minimal HTTP/1.x response to serialize.
//
// Every response this server core generates itself knows its length up
// front (it is either headers-only, a small in-memory body, or a disk file
// handed to the output chain separately for zero-copy transfer), so there is
// no until-close or outbound chunked transfer mode here: Content-Length is
// mandatory whenever Body is non-nil.
type Response struct {
	Proto      string    // e.g. "HTTP/1.1" (defaults to "HTTP/1.1" if empty)
	StatusCode int       // e.g. 200
	Status     string    // e.g. "OK"
	Header     Header    // response headers; must include Content-Length if Body != nil
	Body       io.Reader // may be nil (headers-only, e.g. 304 or a disk file sent separately)
}

// WriteResponse serializes the status line, headers, and (if present) a
// fixed-length body into w. Callers that want to hand a file off for
// zero-copy transfer pass Body == nil and enqueue the file separately.
func WriteResponse(ctx context.Context, w io.Writer, resp *Response) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	bw := bufio.NewWriter(w)

	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	if resp.Status == "" {
		resp.Status = strconv.Itoa(resp.StatusCode)
	}

	if _, err := bw.WriteString(fmt.Sprintf("%s %d %s\r\n", proto, resp.StatusCode, resp.Status)); err != nil {
		return err
	}

	for k, vals := range resp.Header {
		ck := CanonicalHeaderKey(k)
		for _, v := range vals {
			if _, err := bw.WriteString(ck + ": " + v + "\r\n"); err != nil {
				return err
			}
		}
	}

	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}

	if resp.Body == nil {
		return bw.Flush()
	}

	clStr := resp.Header.Get("Content-Length")
	if clStr == "" {
		return fmt.Errorf("httpx: response body without Content-Length")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(clStr), 10, 64)
	if err != nil || n < 0 {
		return ErrLengthMismatch
	}
	if _, err := io.CopyN(bw, resp.Body, n); err != nil {
		return err
	}
	return bw.Flush()
}
