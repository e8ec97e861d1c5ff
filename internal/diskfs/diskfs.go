// Package diskfs serves files and directory listings straight off disk,
// handing regular files to the connection's output chain for a zero-copy
// sendfile transfer rather than reading them into memory.
package diskfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/abgandar/gophonic/internal/httpx"
	"github.com/abgandar/gophonic/internal/mimetable"
	"github.com/abgandar/gophonic/internal/route"
)

// PathMax bounds the assembled filesystem path length; longer requests are
// treated as not found rather than risking platform-specific path limits.
const PathMax = 4096

// Handler serves static content rooted at Root.
type Handler struct {
	Root    string
	Index   string // directory-index filename, e.g. "index.html"; "" disables it
	ListDir bool
	Mime    *mimetable.Table
}

func (h Handler) Serve(ex *route.Exchange) route.Result {
	if h.Mime == nil {
		h.Mime = mimetable.Default()
	}

	requestPath := ex.Request.Path
	full := filepath.Join(h.Root, filepath.FromSlash(requestPath))
	if len(full) >= PathMax {
		return route.ResultNotFound
	}
	cleanRoot := filepath.Clean(h.Root)
	if !strings.HasPrefix(full, cleanRoot) {
		return route.ResultNotFound
	}

	info, err := os.Lstat(full)
	if err != nil {
		return route.ResultNotFound
	}

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(full)
		if err != nil || !strings.HasPrefix(resolved, cleanRoot) {
			return route.ResultNotFound
		}
		info, err = os.Stat(full)
		if err != nil {
			return route.ResultNotFound
		}
	}

	if info.IsDir() {
		return h.serveDir(ex, full, requestPath)
	}
	return h.serveFile(ex, full, info)
}

func (h Handler) serveFile(ex *route.Exchange, full string, info os.FileInfo) route.Result {
	etag := `"` + strconv.FormatInt(info.ModTime().Unix(), 10) + `"`
	if inm, ok := ex.Request.Header.GetN("If-None-Match", 0); ok && inm == etag {
		hdr := httpx.Header{}
		hdr.Set("ETag", etag)
		ex.Response = &httpx.Response{StatusCode: 304, Status: "Not Modified", Header: hdr}
		return route.ResultOK
	}

	f, err := os.Open(full)
	if err != nil {
		return route.ResultNotFound
	}

	hdr := httpx.Header{}
	hdr.Set("ETag", etag)
	hdr.Set("Content-Type", h.Mime.Lookup(full))
	hdr.Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	if ex.Request.Method == "HEAD" {
		_ = f.Close()
		ex.Response = &httpx.Response{StatusCode: 200, Status: "OK", Header: hdr}
		return route.ResultOK
	}

	ex.Response = &httpx.Response{StatusCode: 200, Status: "OK", Header: hdr}
	if ex.Chain != nil {
		// Headers are serialized by the caller from ex.Response (Body left
		// nil); the file itself is enqueued separately for zero-copy
		// transfer once the header write completes.
		ex.FileToSend = &route.FileRegion{File: f, Offset: 0, Size: info.Size(), CloseOnDone: true}
	} else {
		_ = f.Close()
	}
	return route.ResultOK
}

func (h Handler) serveDir(ex *route.Exchange, full, requestPath string) route.Result {
	if !strings.HasSuffix(requestPath, "/") {
		ex.Response = &httpx.Response{
			StatusCode: 308, Status: "Permanent Redirect",
			Header: headerWithLocation(requestPath + "/"),
		}
		return route.ResultOK
	}

	if h.Index != "" {
		idxPath := filepath.Join(full, h.Index)
		if info, err := os.Stat(idxPath); err == nil && !info.IsDir() {
			return h.serveFile(ex, idxPath, info)
		}
	}

	if !h.ListDir {
		ex.Response = plainError(403, "forbidden")
		return route.ResultOK
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		ex.Response = plainError(403, "forbidden")
		return route.ResultOK
	}

	names := make([]string, 0, len(entries)+1)
	names = append(names, "..")
	for _, e := range entries {
		name := e.Name()
		if name == "." {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var sb strings.Builder
	sb.WriteString("<html><body><ul>\n")
	for _, n := range names {
		href := n
		sb.WriteString(fmt.Sprintf("<li><a href=\"%s\">%s</a></li>\n", href, href))
	}
	sb.WriteString("</ul></body></html>\n")

	body := sb.String()
	hdr := httpx.Header{}
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	ex.Response = &httpx.Response{StatusCode: 200, Status: "OK", Header: hdr, Body: strings.NewReader(body)}
	return route.ResultOK
}

func headerWithLocation(loc string) httpx.Header {
	h := httpx.Header{}
	h.Set("Location", loc)
	h.Set("Content-Length", "0")
	return h
}

func plainError(code int, msg string) *httpx.Response {
	body := msg + "\n"
	h := httpx.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &httpx.Response{StatusCode: code, Header: h, Body: strings.NewReader(body)}
}
