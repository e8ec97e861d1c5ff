// Package route implements the ordered, declarative content-routing table:
// an immutable list of entries built once at startup, walked head-to-tail
// for each ready request.
package route

import (
	"crypto/subtle"
	"os"
	"strings"

	"github.com/abgandar/gophonic/internal/httpx"
	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/wbuf"
)

// Result is what a Handler reports back to the dispatcher.
type Result int

const (
	// ResultOK means the handler fully served the request; stop searching.
	ResultOK Result = iota
	// ResultNotFound means fall through to the next table entry. This is how
	// a basic-auth layer sits in front of content: it returns ResultNotFound
	// once credentials check out, letting the entry below actually serve.
	ResultNotFound
	// ResultClose means terminate the connection once the response drains.
	ResultClose
)

// MatchMode controls how an Entry's Pattern is compared against the request
// path.
type MatchMode int

const (
	// MatchExact requires the path to equal Pattern exactly.
	MatchExact MatchMode = iota
	// MatchPrefix requires the path to start with Pattern (plain byte
	// prefix, no boundary check).
	MatchPrefix
	// MatchDirPrefix is MatchPrefix with a directory boundary: a Pattern
	// ending in "/" accepts any strictly longer path; a Pattern not ending
	// in "/" accepts exact equality or requires the next path byte to be
	// "/".
	MatchDirPrefix
)

// Exchange is the per-request context handlers operate on. Its Buf is the
// connection's input buffer (for viewing the parsed body); Chain is the
// connection's output chain (for handlers that enqueue a response
// themselves, e.g. zero-copy file transfer) rather than returning bytes to
// be written by the dispatcher.
type Exchange struct {
	Request *parse.Request
	Buf     []byte
	FD      int
	Chain   *wbuf.Chain

	// Response, filled in by a Handler that wants the dispatcher to
	// serialize its status line, headers, and (if present) in-memory Body.
	Response *httpx.Response

	// FileToSend, set alongside a headers-only Response, tells the
	// dispatcher to hand this region to Chain.EnqueueFile for a zero-copy
	// transfer once the header write completes.
	FileToSend *FileRegion

	// matchedPattern is the Pattern of the entry currently being served, set
	// by Dispatch before each Handler.Serve call. Handlers that need to know
	// how much of the path they matched (e.g. RedirectHandler, to strip the
	// matched prefix) read it via MatchedPattern.
	matchedPattern string
}

// MatchedPattern returns the Pattern of the table entry currently serving
// this request.
func (ex *Exchange) MatchedPattern() string { return ex.matchedPattern }

// Body returns the decoded request body as a slice into Buf. It is only
// valid until the next call to Finish on the connection's parser.
func (ex *Exchange) Body() []byte {
	if ex.Request == nil || ex.Request.BodyLen == 0 {
		return nil
	}
	start := ex.Request.BodyOffset
	end := start + int(ex.Request.BodyLen)
	if start < 0 || end > len(ex.Buf) {
		return nil
	}
	return ex.Buf[start:end]
}

// FileRegion names a byte range of an already-open file to be transferred
// via the output chain's sendfile path.
type FileRegion struct {
	File        *os.File
	Offset      int64
	Size        int64
	CloseOnDone bool
}

// Handler serves (or declines to serve) one request.
type Handler interface {
	Serve(ex *Exchange) Result
}

// HandlerFunc adapts a plain function to Handler, used by dynamic (API)
// entries.
type HandlerFunc func(ex *Exchange) Result

func (f HandlerFunc) Serve(ex *Exchange) Result { return f(ex) }

// Entry is one row of the routing table.
type Entry struct {
	Host        string // if non-empty, only matches requests for this Host (case-insensitive)
	Pattern     string
	Match       MatchMode
	Methods     []string // allowed methods for this entry; empty means {GET, HEAD}
	Handler     Handler
	StopOnMatch bool // stop searching after this entry regardless of its Result
}

func (e Entry) matchesPath(path string) bool {
	switch e.Match {
	case MatchExact:
		return path == e.Pattern
	case MatchPrefix:
		return strings.HasPrefix(path, e.Pattern)
	case MatchDirPrefix:
		if !strings.HasPrefix(path, e.Pattern) {
			return false
		}
		if strings.HasSuffix(e.Pattern, "/") {
			return len(path) > len(e.Pattern)
		}
		return len(path) == len(e.Pattern) || path[len(e.Pattern)] == '/'
	default:
		return false
	}
}

func (e Entry) allowsMethod(method string) bool {
	if len(e.Methods) == 0 {
		return method == "GET" || method == "HEAD"
	}
	for _, m := range e.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Table is an ordered, immutable set of entries built once at config load
// time.
type Table struct {
	entries []Entry
}

// NewTable builds a Table from entries, preserving their order.
func NewTable(entries ...Entry) *Table {
	return &Table{entries: append([]Entry(nil), entries...)}
}

// Dispatch walks the table for ex.Request, invoking handlers in order.
// Every call sets ex.Response or leaves the response enqueued directly by a
// handler; it never writes to the network itself.
func (t *Table) Dispatch(ex *Exchange) Result {
	method := ex.Request.Method
	if method != "GET" && method != "POST" && method != "HEAD" {
		ex.Response = errorResponse(405, "Method Not Allowed")
		return ResultOK
	}

	host := hostOf(ex.Request)

	for _, e := range t.entries {
		if e.Host != "" && !strings.EqualFold(e.Host, host) {
			continue
		}
		if !e.matchesPath(ex.Request.Path) {
			continue
		}
		if !e.allowsMethod(method) {
			if e.StopOnMatch {
				ex.Response = errorResponse(405, "Method Not Allowed")
				return ResultOK
			}
			continue
		}

		ex.matchedPattern = e.Pattern
		res := e.Handler.Serve(ex)
		if e.StopOnMatch || res != ResultNotFound {
			if res == ResultNotFound {
				// StopOnMatch forced a stop on an entry that declined: treat
				// as not found rather than silently returning nothing.
				ex.Response = errorResponse(404, "Not Found")
				return ResultOK
			}
			return res
		}
		// ResultNotFound without StopOnMatch: keep walking the table.
	}

	ex.Response = errorResponse(404, "Not Found")
	return ResultOK
}

func hostOf(req *parse.Request) string {
	h, _ := req.Header.GetN("Host", 0)
	return h
}

func errorResponse(code int, status string) *httpx.Response {
	h := httpx.Header{}
	body := itoa(code) + " " + status + "\r\n"
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", itoa(len(body)))
	return &httpx.Response{
		StatusCode: code,
		Status:     status,
		Header:     h,
		Body:       strings.NewReader(body),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// EmbeddedHandler serves a fixed, in-memory body (e.g. assets baked in via
// go:embed). The bytes are never copied: Exchange.Response.Body wraps the
// same backing array for every request.
type EmbeddedHandler struct {
	ContentType string
	Body        []byte
	ETag        string // optional; if set, enables If-None-Match/304 handling
}

func (h EmbeddedHandler) Serve(ex *Exchange) Result {
	if h.ETag != "" {
		if inm, ok := ex.Request.Header.GetN("If-None-Match", 0); ok && inm == h.ETag {
			hdr := httpx.Header{}
			hdr.Set("ETag", h.ETag)
			ex.Response = &httpx.Response{StatusCode: 304, Status: "Not Modified", Header: hdr}
			return ResultOK
		}
	}

	hdr := httpx.Header{}
	hdr.Set("Content-Type", h.ContentType)
	hdr.Set("Content-Length", itoa(len(h.Body)))
	if h.ETag != "" {
		hdr.Set("ETag", h.ETag)
	}
	ex.Response = &httpx.Response{
		StatusCode: 200, Status: "OK", Header: hdr, Body: strings.NewReader(string(h.Body)),
	}
	return ResultOK
}

// RedirectHandler replies with a redirect status whose Location is built by
// stripping the matched entry's Pattern off the request path and appending
// what's left to Target, so a prefix-matched entry (e.g. "/old" -> "/new")
// redirects "/old/x" to "/new/x" rather than always to a fixed string.
type RedirectHandler struct {
	Code   int // e.g. 301, 302, 308
	Target string
}

func (h RedirectHandler) Serve(ex *Exchange) Result {
	remainder := strings.TrimPrefix(ex.Request.Path, ex.matchedPattern)
	hdr := httpx.Header{}
	hdr.Set("Location", h.Target+remainder)
	hdr.Set("Content-Length", "0")
	ex.Response = &httpx.Response{StatusCode: h.Code, Header: hdr}
	return ResultOK
}

// BasicAuthHandler checks the raw base64 token carried by an
// "Authorization: Basic <token>" header against a set of accepted tokens
// (each the base64 encoding of one accepted "user:pass" pair) and, on a
// match, falls through to the next entry (ResultNotFound) so the entry
// underneath it actually serves the content; on failure it stops the search
// with a 401. Every candidate is compared in constant time, including
// unrecognised tokens, so rejection never short-circuits on token identity.
type BasicAuthHandler struct {
	Realm  string
	Tokens map[string]struct{} // accepted base64 "user:pass" tokens
}

func (h BasicAuthHandler) Serve(ex *Exchange) Result {
	auth, _ := ex.Request.Header.GetN("Authorization", 0)
	if token, ok := basicAuthToken(auth); ok {
		for candidate := range h.Tokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
				return ResultNotFound
			}
		}
	}
	hdr := httpx.Header{}
	hdr.Set("WWW-Authenticate", `Basic realm="`+h.Realm+`"`)
	body := "unauthorized\n"
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Content-Length", itoa(len(body)))
	ex.Response = &httpx.Response{StatusCode: 401, Status: "Unauthorized", Header: hdr, Body: strings.NewReader(body)}
	return ResultOK
}

// basicAuthToken extracts the raw base64 token from an Authorization header,
// without decoding it: the comparison against accepted tokens happens on the
// encoded form itself, per the token-set credential model.
func basicAuthToken(auth string) (token string, ok bool) {
	const prefix = "Basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
