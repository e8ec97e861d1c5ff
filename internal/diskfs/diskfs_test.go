package diskfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/abgandar/gophonic/internal/httpx"
	"github.com/abgandar/gophonic/internal/parse"
	"github.com/abgandar/gophonic/internal/route"
	"github.com/abgandar/gophonic/internal/wbuf"
)

func newExchange(method, path string) *route.Exchange {
	return &route.Exchange{
		Request: &parse.Request{Method: method, Path: path, Header: httpx.Header{}},
		Chain:   &wbuf.Chain{},
	}
}

func TestServeFileSendsZeroCopy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir}
	ex := newExchange("GET", "/a.txt")
	res := h.Serve(ex)
	if res != route.ResultOK {
		t.Fatalf("res = %v", res)
	}
	if ex.Response.StatusCode != 200 {
		t.Fatalf("status = %d", ex.Response.StatusCode)
	}
	if ex.FileToSend == nil || ex.FileToSend.Size != 5 {
		t.Fatalf("FileToSend = %+v", ex.FileToSend)
	}
	if ex.Response.Header.Get("Content-Type") == "" {
		t.Fatalf("missing Content-Type")
	}
}

func TestServeFileNotModified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir}

	ex := newExchange("GET", "/a.txt")
	etag := `"` + itoaUnix(info) + `"`
	ex.Request.Header.Set("If-None-Match", etag)
	h.Serve(ex)
	if ex.Response.StatusCode != 304 {
		t.Fatalf("status = %d, want 304", ex.Response.StatusCode)
	}
}

func itoaUnix(info os.FileInfo) string {
	return strconvFormatInt(info.ModTime().Unix())
}

func strconvFormatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestServeMissingFile(t *testing.T) {
	dir := t.TempDir()
	h := Handler{Root: dir}
	ex := newExchange("GET", "/nope.txt")
	res := h.Serve(ex)
	if res != route.ResultNotFound {
		t.Fatalf("res = %v, want ResultNotFound", res)
	}
}

func TestServeDirectoryMissingTrailingSlashRedirects(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir}
	ex := newExchange("GET", "/sub")
	h.Serve(ex)
	if ex.Response.StatusCode != 308 {
		t.Fatalf("status = %d, want 308", ex.Response.StatusCode)
	}
	if ex.Response.Header.Get("Location") != "/sub/" {
		t.Fatalf("Location = %q", ex.Response.Header.Get("Location"))
	}
}

func TestServeDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir, ListDir: true}
	ex := newExchange("GET", "/")
	h.Serve(ex)
	if ex.Response.StatusCode != 200 {
		t.Fatalf("status = %d", ex.Response.StatusCode)
	}
}

func TestServeDirectoryForbiddenWithoutListing(t *testing.T) {
	dir := t.TempDir()
	h := Handler{Root: dir}
	ex := newExchange("GET", "/")
	h.Serve(ex)
	if ex.Response.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", ex.Response.StatusCode)
	}
}

func TestServeDirectoryIndexFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir, Index: "index.html"}
	ex := newExchange("GET", "/")
	h.Serve(ex)
	if ex.Response.StatusCode != 200 || ex.FileToSend == nil {
		t.Fatalf("status=%d fileToSend=%v", ex.Response.StatusCode, ex.FileToSend)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	h := Handler{Root: dir}
	ex := newExchange("GET", "/../../etc/passwd")
	res := h.Serve(ex)
	if res != route.ResultNotFound {
		t.Fatalf("res = %v, want ResultNotFound for escaping path", res)
	}
}

func TestHeadRequestClosesFdWithoutBody(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := Handler{Root: dir}
	ex := newExchange("HEAD", "/a.txt")
	h.Serve(ex)
	if ex.FileToSend != nil {
		t.Fatalf("HEAD must not enqueue a file transfer")
	}
	if ex.Response.StatusCode != 200 {
		t.Fatalf("status = %d", ex.Response.StatusCode)
	}
}
