// Package mimetable builds and queries the reversed-extension MIME lookup
// table described by the server's data model: entries are stored with their
// extension reversed so the lookup can walk both the stored key and the
// request filename in lockstep from their ends, accepting the longest match.
package mimetable

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/abgandar/gophonic/internal/netx"
)

// DefaultType is returned when no extension in the table matches.
const DefaultType = "application/octet-stream"

type entry struct {
	reversedExt string // e.g. "lmth" for ".html" (dot included, reversed)
	mimeType    string
}

// Table is an ordered, longest-match-first MIME lookup built once at config
// load time and never mutated afterward.
type Table struct {
	entries []entry
}

// New builds a Table from a plain extension -> MIME type map. The asset/MIME
// data itself is injected by the caller (out of this core's scope); this
// function only owns the lookup algorithm.
func New(exts map[string]string) *Table {
	t := &Table{entries: make([]entry, 0, len(exts))}
	for ext, mime := range exts {
		t.add(ext, mime)
	}
	return t
}

func (t *Table) add(ext, mimeType string) {
	if ext == "" {
		return
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	t.entries = append(t.entries, entry{reversedExt: reverse(ext), mimeType: mimeType})
	// Longest extension first so Lookup's first match is the longest one.
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].reversedExt) > len(t.entries[j].reversedExt)
	})
}

// Lookup returns the MIME type for filename, walking the table longest-match
// first. Returns DefaultType when nothing matches.
func (t *Table) Lookup(filename string) string {
	name := strings.ToLower(filename)
	for _, e := range t.entries {
		if hasReversedSuffixMatch(name, e.reversedExt) {
			return e.mimeType
		}
	}
	return DefaultType
}

// hasReversedSuffixMatch reports whether name ends with the extension whose
// reversed form is revExt, walking both strings from their ends in lockstep
// rather than reversing name itself.
func hasReversedSuffixMatch(name, revExt string) bool {
	if len(revExt) > len(name) {
		return false
	}
	for i := 0; i < len(revExt); i++ {
		if name[len(name)-1-i] != revExt[i] {
			return false
		}
	}
	return true
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// Load builds a Table from a simple line-oriented manifest: each line is
// "<extension><TAB><mime-type>", blank lines and lines starting with '#' are
// skipped. It uses netx.CRLFFastReader for bounded, safe line reading,
// repurposed here for a config-time manifest instead of a live connection.
func Load(r io.Reader, maxLineLen int) (*Table, error) {
	if maxLineLen <= 0 {
		maxLineLen = 512
	}
	cr := netx.NewCRLFFastReader(r)
	exts := make(map[string]string)
	for {
		line, _, err := cr.ReadLine(maxLineLen)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("mimetable: %w", err)
		}
		s := strings.TrimSpace(string(line))
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		tab := strings.IndexByte(s, '\t')
		if tab < 0 {
			// Fall back to whitespace splitting for hand-edited manifests.
			fields := strings.Fields(s)
			if len(fields) != 2 {
				return nil, fmt.Errorf("mimetable: malformed line %q", s)
			}
			exts[fields[0]] = fields[1]
			continue
		}
		exts[s[:tab]] = strings.TrimSpace(s[tab+1:])
	}
	return New(exts), nil
}

// Default returns the small built-in manifest covering the asset types a
// music-player control panel's static bundle typically ships.
func Default() *Table {
	t, err := Load(bufio.NewReader(strings.NewReader(defaultManifest)), 256)
	if err != nil {
		// defaultManifest is a constant below; a parse failure here is a
		// programming error, not a runtime condition to recover from.
		panic(err)
	}
	return t
}

const defaultManifest = `
.html	text/html; charset=utf-8
.htm	text/html; charset=utf-8
.css	text/css; charset=utf-8
.js	application/javascript; charset=utf-8
.json	application/json; charset=utf-8
.png	image/png
.jpg	image/jpeg
.jpeg	image/jpeg
.gif	image/gif
.svg	image/svg+xml
.ico	image/x-icon
.txt	text/plain; charset=utf-8
.woff	font/woff
.woff2	font/woff2
.mp3	audio/mpeg
.flac	audio/flac
.ogg	audio/ogg
.wav	audio/wav
.m3u	audio/x-mpegurl
`
