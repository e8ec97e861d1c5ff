package httpx

import "time"

// httpDateFormat is RFC 1123 as HTTP requires it: GMT, never a numeric offset.
const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatDate renders t as the wire form of the Date response header.
func FormatDate(t time.Time) string {
	return t.UTC().Format(httpDateFormat)
}
