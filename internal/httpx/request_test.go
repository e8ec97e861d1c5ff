package httpx

import "testing"

func TestParseRequestLine(t *testing.T) {
	line := "GET /a/b?x=1 HTTP/1.1"
	rl, err := ParseRequestLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if rl.Method != "GET" || rl.RequestURI != "/a/b?x=1" || rl.Proto != "HTTP/1.1" {
		t.Fatalf("parsed wrong: %+v", rl)
	}
	if rl.ProtoMajor != 1 || rl.ProtoMinor != 1 {
		t.Fatalf("version wrong: %d.%d", rl.ProtoMajor, rl.ProtoMinor)
	}
}

func TestParseRequestLineBad(t *testing.T) {
	cases := []string{
		"G ET / HTTP/1.1",                     // space in method
		"GET / WTF/1.1",                       // proto missing HTTP/
		"GET / HTTP/x.y",                      // invalid version numbers
		"",                                    // empty
		"GET / HTTP/1",                        // missing minor version
		"TOOLONGMETHODNAMEFORHTTP / HTTP/1.1", // >20 chars
	}
	for _, c := range cases {
		if _, err := ParseRequestLine(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestParseRequestLine_OriginForm(t *testing.T) {
	rl, err := ParseRequestLine("GET /a/b?x=1 HTTP/1.1")
	if err != nil {
		t.Fatal(err)
	}
	u, err := ParseRequestURI(rl.RequestURI)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/a/b" || u.RawQuery != "x=1" {
		t.Fatalf("url mismatch: %+v", u)
	}
}

func TestParseRequestLine_AbsoluteForm(t *testing.T) {
	rl, err := ParseRequestLine("GET http://example.com/x?q=1 HTTP/1.1")
	if err != nil {
		t.Fatal(err)
	}
	u, err := ParseRequestURI(rl.RequestURI)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "example.com" {
		t.Fatalf("expected host example.com, got %q", u.Host)
	}
}
