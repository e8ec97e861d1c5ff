// Package parse implements the request parser state machine. It operates in
// place on a connection-owned byte buffer: once a request line, header line,
// or chunk-size line is located, its terminating CR/LF bytes are overwritten
// with 0x00 so the content before them can be treated uniformly whether or
// not a trailing NUL is present — the computed Go slice bounds never include
// the terminator, so this never changes what ends up in a header value.
package parse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/abgandar/gophonic/internal/httpx"
)

// State is a position in the per-request parsing state machine.
type State int

const (
	StateNew State = iota
	StateHead
	StateBody
	StateTail
	StateReady
	StateFinish
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHead:
		return "head"
	case StateBody:
		return "body"
	case StateTail:
		return "tail"
	case StateReady:
		return "ready"
	case StateFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Flags records per-request decisions made while parsing that affect how the
// rest of the request (or the response) is handled.
type Flags struct {
	BareLF     bool // request used bare LF line endings instead of CRLF
	Chunked    bool // Transfer-Encoding: chunked was present
	CloseAfter bool // Connection: close was present
}

// Limits bounds the size of each phase the parser can be in. A request that
// overruns any of them is rejected with 413 and the connection is closed.
type Limits struct {
	MaxLineLen   int   // request line and any single header/trailer/chunk-size line
	MaxHeaderLen int   // total bytes across all header (or trailer) lines
	MaxBodyLen   int64 // total decoded body size, identity or chunked
}

// DefaultLimits returns limits suitable for a config that hasn't overridden
// them.
func DefaultLimits() Limits {
	return Limits{
		MaxLineLen:   8 * 1024,
		MaxHeaderLen: 64 * 1024,
		MaxBodyLen:   16 << 20,
	}
}

// HTTPError pairs a status code with the reason the parser wants the
// connection closed after sending it. Every parse-time error is close-after,
// since a malformed byte stream leaves the framing of any further pipelined
// bytes ambiguous.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string { return fmt.Sprintf("parse: %d %s", e.Code, e.Message) }

func newErr(code int, msg string) *HTTPError { return &HTTPError{Code: code, Message: msg} }

// Request is a parsed request's fields. Method/Path/RawQuery/Header are
// materialized strings (the one place the in-place promise yields to
// usability, the same tradeoff the header map itself makes); BodyOffset and
// BodyLen describe a view into the connection's buffer rather than a copy.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	ProtoMajor int
	ProtoMinor int
	Header     httpx.Header // headers ∪ trailers; trailers are Added once the body finishes

	BodyOffset int
	BodyLen    int64
}

// Result is what Advance found after consuming as much of buf as it could.
type Result int

const (
	// ResultNeedMore means the buffer does not yet hold a complete phase;
	// the caller should read more bytes and call Advance again.
	ResultNeedMore Result = iota
	// ResultReady means a full request has been parsed; the caller should
	// read Request(), dispatch it, then call Finish.
	ResultReady
	// ResultClose means a size limit was exceeded or the bytes were
	// malformed; an HTTPError accompanies this result.
	ResultClose
)

type chunkPhase int

const (
	chunkPhaseSize chunkPhase = iota
	chunkPhaseData
	chunkPhaseCRLF
)

// Parser drives one connection's request parsing across as many Advance
// calls as it takes for bytes to arrive. A zero Parser is not usable; build
// one with New.
type Parser struct {
	limits          Limits
	canonicalizeURL bool

	state State
	flags Flags
	req   Request

	cursor    int // general read position; holds total bytes consumed once ready
	headStart int
	headEnd   int

	contentLength int64
	haveCL        bool

	chunkPhase   chunkPhase
	chunkCursor  int
	chunkRemain  int64
	bodyWritePos int
	bodyLen      int64
}

// New builds a Parser ready to parse a request from offset 0 of a
// (connection-owned) buffer.
func New(limits Limits, canonicalizeURL bool) *Parser {
	return &Parser{limits: limits, canonicalizeURL: canonicalizeURL}
}

// State reports the parser's current position in the state machine.
func (p *Parser) State() State { return p.state }

// Flags reports the flags accumulated so far for the in-flight request.
func (p *Parser) Flags() Flags { return p.flags }

// Request returns the in-flight (or, once ResultReady, fully parsed) request.
func (p *Parser) Request() *Request { return &p.req }

// Advance consumes as much of buf (which always starts at offset 0 for the
// request currently in flight — the caller compacts between requests) as it
// can, returning ResultNeedMore, ResultReady, or ResultClose.
func (p *Parser) Advance(buf []byte) (Result, *HTTPError) {
	for {
		switch p.state {
		case StateNew:
			for p.cursor < len(buf) && (buf[p.cursor] == '\r' || buf[p.cursor] == '\n') {
				p.cursor++
			}
			line, next, bare, ok := findLine(buf, p.cursor)
			if !ok {
				if len(buf)-p.cursor > p.limits.MaxLineLen {
					return ResultClose, newErr(413, "request line too long")
				}
				return ResultNeedMore, nil
			}
			if len(line) > p.limits.MaxLineLen {
				return ResultClose, newErr(413, "request line too long")
			}
			rl, err := httpx.ParseRequestLine(line)
			if err != nil {
				return ResultClose, newErr(400, err.Error())
			}
			u, err := httpx.ParseRequestURI(rl.RequestURI)
			if err != nil {
				return ResultClose, newErr(400, err.Error())
			}
			path, query := u.Path, u.RawQuery
			if u.Scheme == "" && u.Path != "*" {
				if q := strings.LastIndexByte(rl.RequestURI, '?'); q >= 0 {
					path, query = rl.RequestURI[:q], rl.RequestURI[q+1:]
				}
			}
			if p.canonicalizeURL && path != "*" {
				path = httpx.Canonicalize(path)
			}
			if !validMethod(rl.Method) {
				return ResultClose, newErr(400, "unknown method")
			}
			if rl.ProtoMajor != 1 || (rl.ProtoMinor != 0 && rl.ProtoMinor != 1) {
				return ResultClose, newErr(400, "unsupported version")
			}
			p.req = Request{
				Method: rl.Method, Path: path, RawQuery: query,
				ProtoMajor: rl.ProtoMajor, ProtoMinor: rl.ProtoMinor,
				Header: httpx.Header{},
			}
			p.flags.BareLF = bare
			p.cursor = next
			p.headStart = next
			p.state = StateHead

		case StateHead:
			res, herr := p.advanceHead(buf)
			if herr != nil {
				return ResultClose, herr
			}
			if res != ResultReady {
				return res, nil
			}

		case StateBody:
			if p.flags.Chunked {
				if herr := p.advanceChunked(buf); herr != nil {
					return ResultClose, herr
				}
				if p.state == StateBody {
					return ResultNeedMore, nil
				}
				continue
			}
			need := p.headEnd + int(p.contentLength)
			if len(buf) < need {
				return ResultNeedMore, nil
			}
			p.req.BodyOffset = p.headEnd
			p.req.BodyLen = p.contentLength
			p.cursor = need
			p.state = StateReady

		case StateTail:
			res, herr := p.advanceTail(buf)
			if herr != nil {
				return ResultClose, herr
			}
			if res != ResultReady {
				return res, nil
			}

		case StateReady:
			return ResultReady, nil

		case StateFinish:
			// Advance should never be called again before Finish resets the
			// state; treat it as a no-op ready signal for safety.
			return ResultReady, nil
		}
	}
}

// advanceHead reads header lines until the blank terminator line, enforcing
// MaxHeaderLen and rejecting folded continuation lines.
func (p *Parser) advanceHead(buf []byte) (Result, *HTTPError) {
	for {
		if p.cursor-p.headStart > p.limits.MaxHeaderLen {
			return ResultClose, newErr(413, "headers too large")
		}
		line, next, _, ok := findLine(buf, p.cursor)
		if !ok {
			if len(buf)-p.headStart > p.limits.MaxHeaderLen {
				return ResultClose, newErr(413, "headers too large")
			}
			return ResultNeedMore, nil
		}
		if line == "" {
			p.cursor = next
			p.headEnd = next
			if herr := p.finalizeHeaders(); herr != nil {
				return ResultClose, herr
			}
			if p.flags.Chunked {
				p.chunkCursor = p.headEnd
				p.bodyWritePos = p.headEnd
				p.chunkPhase = chunkPhaseSize
			}
			p.state = StateBody
			return ResultReady, nil
		}
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			return ResultClose, newErr(400, "header line folding not supported")
		}
		if herr := p.addHeaderLine(line); herr != nil {
			return ResultClose, herr
		}
		p.cursor = next
	}
}

// advanceTail reads optional trailer lines after a chunked body, same rules
// as headers, terminated the same way.
func (p *Parser) advanceTail(buf []byte) (Result, *HTTPError) {
	for {
		line, next, _, ok := findLine(buf, p.chunkCursor)
		if !ok {
			if len(buf)-p.chunkCursor > p.limits.MaxHeaderLen {
				return ResultClose, newErr(413, "trailers too large")
			}
			return ResultNeedMore, nil
		}
		if line == "" {
			p.chunkCursor = next
			p.cursor = next
			p.state = StateReady
			return ResultReady, nil
		}
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			return ResultClose, newErr(400, "trailer line folding not supported")
		}
		if herr := p.addHeaderLine(line); herr != nil {
			return ResultClose, herr
		}
		p.chunkCursor = next
	}
}

// headerLineLimits bounds a single field name/value against the line-length
// limit already enforced while scanning for the terminator; reused here so
// field-name and value character validation goes through the one checker
// (httpx.ValidateHeader) instead of a second, hand-rolled character-class
// check living in this package too.
func (p *Parser) headerLineLimits() httpx.HeaderLimits {
	return httpx.HeaderLimits{MaxKeyBytes: p.limits.MaxLineLen, MaxValueBytes: p.limits.MaxLineLen}
}

func (p *Parser) addHeaderLine(line string) *HTTPError {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return newErr(400, "malformed header line")
	}
	name := line[:colon]
	value := strings.TrimSpace(line[colon+1:])

	candidate := httpx.Header{}
	candidate.Add(name, value)
	if err := httpx.ValidateHeader(candidate, p.headerLineLimits()); err != nil {
		return newErr(400, err.Error())
	}

	p.req.Header.Add(name, value)
	return nil
}

func (p *Parser) finalizeHeaders() *HTTPError {
	h := p.req.Header

	if tes := h.Values("Transfer-Encoding"); len(tes) > 0 {
		if len(tes) > 1 || !strings.EqualFold(strings.TrimSpace(tes[0]), "chunked") {
			return newErr(501, "unsupported transfer-encoding")
		}
		p.flags.Chunked = true
	}

	if cls := h.Values("Content-Length"); len(cls) > 0 {
		for _, v := range cls[1:] {
			if strings.TrimSpace(v) != strings.TrimSpace(cls[0]) {
				return newErr(400, "conflicting content-length")
			}
		}
		if !p.flags.Chunked {
			n, err := strconv.ParseInt(strings.TrimSpace(cls[0]), 10, 64)
			if err != nil || n < 0 {
				return newErr(400, "malformed content-length")
			}
			if n > p.limits.MaxBodyLen {
				return newErr(413, "content-length exceeds limit")
			}
			p.contentLength = n
			p.haveCL = true
		}
	}

	if p.req.ProtoMajor == 1 && p.req.ProtoMinor == 1 {
		if len(h.Values("Host")) != 1 {
			return newErr(400, "Host header required exactly once")
		}
	}

	if strings.EqualFold(strings.TrimSpace(h.Get("Connection")), "close") {
		p.flags.CloseAfter = true
	}

	return nil
}

// advanceChunked decodes chunk-size/data/terminator triples, compacting each
// chunk's data back to back starting at headEnd. The write position never
// exceeds the read position: a chunk's data always lies strictly after its
// own size line in the wire encoding, so the copy is always forward (never
// overlapping in a way that would corrupt unread bytes).
func (p *Parser) advanceChunked(buf []byte) *HTTPError {
	for {
		switch p.chunkPhase {
		case chunkPhaseSize:
			line, next, _, ok := findLine(buf, p.chunkCursor)
			if !ok {
				if len(buf)-p.chunkCursor > p.limits.MaxLineLen {
					return newErr(413, "chunk size line too long")
				}
				return nil
			}
			sizeStr := line
			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				sizeStr = line[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil || size < 0 {
				return newErr(400, "malformed chunk size")
			}
			if p.bodyLen+size > p.limits.MaxBodyLen {
				return newErr(413, "chunked body exceeds limit")
			}
			p.chunkCursor = next
			if size == 0 {
				p.req.BodyOffset = p.headEnd
				p.req.BodyLen = p.bodyLen
				p.state = StateTail
				return nil
			}
			p.chunkRemain = size
			p.chunkPhase = chunkPhaseData

		case chunkPhaseData:
			avail := len(buf) - p.chunkCursor
			if avail <= 0 {
				return nil
			}
			n := avail
			if int64(n) > p.chunkRemain {
				n = int(p.chunkRemain)
			}
			copy(buf[p.bodyWritePos:p.bodyWritePos+n], buf[p.chunkCursor:p.chunkCursor+n])
			p.bodyWritePos += n
			p.chunkCursor += n
			p.chunkRemain -= int64(n)
			p.bodyLen += int64(n)
			if p.chunkRemain > 0 {
				return nil
			}
			p.chunkPhase = chunkPhaseCRLF

		case chunkPhaseCRLF:
			if p.chunkCursor >= len(buf) {
				return nil
			}
			switch buf[p.chunkCursor] {
			case '\r':
				if p.chunkCursor+1 >= len(buf) {
					return nil
				}
				if buf[p.chunkCursor+1] != '\n' {
					return newErr(400, "malformed chunk terminator")
				}
				buf[p.chunkCursor] = 0
				buf[p.chunkCursor+1] = 0
				p.chunkCursor += 2
			case '\n':
				buf[p.chunkCursor] = 0
				p.chunkCursor++
			default:
				return newErr(400, "malformed chunk terminator")
			}
			p.chunkPhase = chunkPhaseSize
		}
	}
}

// Finish reports how many leading bytes of the buffer this request consumed
// and whether the connection should close after the response drains, then
// resets the parser to StateNew for the next (possibly pipelined) request.
// The caller is responsible for compacting the buffer by `consumed` bytes.
func (p *Parser) Finish() (consumed int, closeAfter bool) {
	consumed = p.cursor
	closeAfter = p.req.ProtoMinor == 0 || p.flags.CloseAfter
	p.reset()
	return consumed, closeAfter
}

func (p *Parser) reset() {
	*p = Parser{limits: p.limits, canonicalizeURL: p.canonicalizeURL}
}

func validMethod(m string) bool {
	switch m {
	case "OPTIONS", "GET", "HEAD", "POST", "PUT", "DELETE", "TRACE", "CONNECT":
		return true
	}
	return false
}

// findLine locates the next line terminator (CRLF or bare LF) at or after
// start, returning the line's content, the offset just past the terminator,
// whether the terminator was a bare LF, and whether a terminator was found
// at all. When found, the terminator bytes are overwritten with 0x00.
func findLine(buf []byte, start int) (content string, next int, bareLF bool, ok bool) {
	for i := start; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		end := i
		bare := true
		if i > start && buf[i-1] == '\r' {
			end = i - 1
			bare = false
			buf[i-1] = 0
		}
		content = string(buf[start:end])
		buf[i] = 0
		return content, i + 1, bare, true
	}
	return "", start, false, false
}
