package gate

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/trust"
)

// SniffLimit is the number of body bytes the gate may inspect.
const SniffLimit = 1024

var opaqueSafelisted = map[string]struct{}{
	"text/css":                      {},
	"image/svg+xml":                 {},
	"application/dash+xml":          {},
	"application/vnd.apple.mpegurl": {},
	"audio/mpegurl":                 {},
	"text/vtt":                      {},
	"application/ogg":               {},
}

// JavaScript MIME type essences. Scripts are always delivered to no-cors
// requesters.
var javaScriptTypes = map[string]struct{}{
	"application/ecmascript":   {},
	"application/javascript":   {},
	"application/x-ecmascript": {},
	"application/x-javascript": {},
	"text/ecmascript":          {},
	"text/javascript":          {},
	"text/javascript1.0":       {},
	"text/javascript1.1":       {},
	"text/javascript1.2":       {},
	"text/javascript1.3":       {},
	"text/javascript1.4":       {},
	"text/javascript1.5":       {},
	"text/jscript":             {},
	"text/livescript":          {},
	"text/x-ecmascript":        {},
	"text/x-javascript":        {},
}

func isSafelisted(t string) bool {
	if _, ok := opaqueSafelisted[t]; ok {
		return true
	}
	_, ok := javaScriptTypes[t]
	return ok
}

// Types that are never script, stylesheet or media and are blocked without
// looking at the body.
var opaqueNeverSniffed = map[string]struct{}{
	"application/gzip":         {},
	"application/msexcel":      {},
	"application/mspowerpoint": {},
	"application/msword":       {},
	"application/pdf":          {},
	"application/vnd.ms-excel": {},
	"application/x-gzip":       {},
	"application/x-protobuf":   {},
	"application/zip":          {},
	"multipart/byteranges":     {},
	"multipart/signed":         {},
	"text/event-stream":        {},
	"text/csv":                 {},
}

// Prefixes servers put in front of JSON to make it unparseable as script.
var jsonSecurityPrefixes = [][]byte{
	[]byte(")]}'"),
	[]byte("{}&&"),
	[]byte("for(;;);"),
	[]byte("while(1);"),
}

func essence(contentType string) string {
	if contentType == "" {
		return ""
	}
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(t)
}

func isJSONType(t string) bool {
	return t == "application/json" || t == "text/json" || strings.HasSuffix(t, "+json")
}

func isXMLType(t string) bool {
	return t == "application/xml" || t == "text/xml" || (strings.HasSuffix(t, "+xml") && t != "image/svg+xml")
}

func isMediaType(t string) bool {
	return strings.HasPrefix(t, "image/") || strings.HasPrefix(t, "audio/") || strings.HasPrefix(t, "video/")
}

// orbApplies reports whether the response would be opaque to the requester.
func orbApplies(rc *trust.RequestContext) bool {
	if rc.Mode() != domain.ModeNoCORS {
		return false
	}
	return !rc.Initiator().SameOrigin(rc.Origin())
}

// checkORB runs the opaque-response heuristic on a cross-origin no-cors
// response. sniff holds at most SniffLimit leading body bytes.
func checkORB(head domain.ResponseHead, sniff []byte, rc *trust.RequestContext) (bool, string) {
	if !orbApplies(rc) {
		return false, ""
	}
	if corpValue(head.Header) == CORPCrossOrigin {
		return false, ""
	}

	declared := essence(head.Header.Get("Content-Type"))
	if isSafelisted(declared) {
		return false, ""
	}
	if _, ok := opaqueNeverSniffed[declared]; ok {
		return true, "never-sniffed type " + declared
	}
	if head.StatusCode == http.StatusPartialContent && !isMediaType(declared) {
		return true, "partial response without media signature"
	}
	nosniff := strings.EqualFold(strings.TrimSpace(head.Header.Get("X-Content-Type-Options")), "nosniff")
	if nosniff && (declared == "text/html" || isJSONType(declared) || isXMLType(declared)) {
		return true, "nosniff " + declared
	}

	detected := mimetype.Detect(sniff)
	if isMediaType(essence(detected.String())) {
		return false, ""
	}
	if head.StatusCode == http.StatusPartialContent {
		return false, ""
	}
	if nosniff || head.StatusCode < 200 || head.StatusCode > 299 {
		return true, "non-media response with status " + strconv.Itoa(head.StatusCode)
	}
	if isMediaType(declared) {
		return true, "declared " + declared + " without media signature"
	}

	if hasJSONSecurityPrefix(sniff) {
		return true, "json security prefix"
	}
	if looksLikeJSON(sniff) {
		return true, "json body"
	}
	if declared == "" || declared == "text/html" || declared == "text/plain" || isXMLType(declared) || isJSONType(declared) {
		if detected.Is("text/html") {
			return true, "html body"
		}
		if detected.Is("text/xml") || detected.Is("application/xml") {
			return true, "xml body"
		}
	}
	return false, ""
}

func hasJSONSecurityPrefix(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	for _, p := range jsonSecurityPrefixes {
		if bytes.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// looksLikeJSON reports whether body is JSON that cannot be script: a complete
// object or array, or a truncated object whose first member has a string key.
func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[':
	default:
		return false
	}
	if gjson.ValidBytes(trimmed) {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	rest := bytes.TrimLeft(trimmed[1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return false
	}
	end := bytes.IndexByte(rest[1:], '"')
	if end < 0 {
		return false
	}
	after := bytes.TrimLeft(rest[end+2:], " \t\r\n")
	return len(after) > 0 && after[0] == ':'
}
