package trust

import (
	"net/http"
	"sort"
	"strings"
)

var forbiddenRequestHeaders = map[string]struct{}{
	"Accept-Charset":                 {},
	"Accept-Encoding":                {},
	"Access-Control-Request-Headers": {},
	"Access-Control-Request-Method":  {},
	"Connection":                     {},
	"Content-Length":                 {},
	"Cookie":                         {},
	"Cookie2":                        {},
	"Date":                           {},
	"Dnt":                            {},
	"Expect":                         {},
	"Host":                           {},
	"Keep-Alive":                     {},
	"Origin":                         {},
	"Referer":                        {},
	"Set-Cookie":                     {},
	"Te":                             {},
	"Trailer":                        {},
	"Transfer-Encoding":              {},
	"Upgrade":                        {},
	"Via":                            {},
}

// IsForbiddenRequestHeader reports whether an untrusted client may not set the
// header itself.
func IsForbiddenRequestHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
	if _, ok := forbiddenRequestHeaders[canonical]; ok {
		return true
	}
	return strings.HasPrefix(canonical, "Proxy-") || strings.HasPrefix(canonical, "Sec-")
}

// sanitizeRequestHeaders copies h, dropping headers an untrusted caller may
// not set. Raw keys that canonicalize to the same name are merged in key
// order. It returns the dropped names.
func sanitizeRequestHeaders(h http.Header, trusted bool) (http.Header, []string) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(http.Header, len(h))
	var dropped []string
	for _, name := range names {
		canonical := http.CanonicalHeaderKey(name)
		if !trusted && IsForbiddenRequestHeader(name) {
			dropped = append(dropped, canonical)
			continue
		}
		out[canonical] = append(out[canonical], h[name]...)
	}
	return out, dropped
}

var forbiddenMethods = map[string]struct{}{
	http.MethodConnect: {},
	http.MethodTrace:   {},
	"TRACK":            {},
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for _, r := range method {
		if r <= ' ' || r >= 0x7f || strings.ContainsRune("()<>@,;:\\\"/[]?={}", r) {
			return false
		}
	}
	_, forbidden := forbiddenMethods[strings.ToUpper(method)]
	return !forbidden
}
