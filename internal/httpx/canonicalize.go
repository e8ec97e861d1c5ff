package httpx

import "strings"

// Canonicalize folds runs of "/", resolves "." segments, and resolves ".."
// segments by retreating to the previous "/". The result never contains a
// "." or ".." segment and is idempotent: Canonicalize(Canonicalize(p)) == Canonicalize(p).
func Canonicalize(p string) string {
	if p == "" {
		return "/"
	}

	trailingSlash := len(p) > 1 && p[len(p)-1] == '/'

	segments := strings.Split(p, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}

	out := "/" + strings.Join(stack, "/")
	if trailingSlash && out != "/" {
		out += "/"
	}
	return out
}
