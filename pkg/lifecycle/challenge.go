package lifecycle

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/polisai/fetchgate/pkg/domain"
)

// parseChallenge describes a 401 or 407 response.
func parseChallenge(status int, header http.Header, origin domain.Origin) domain.AuthChallenge {
	name := "WWW-Authenticate"
	proxy := status == http.StatusProxyAuthRequired
	if proxy {
		name = "Proxy-Authenticate"
	}
	values := header.Values(name)
	c := domain.AuthChallenge{
		IsProxy:   proxy,
		Origin:    origin,
		Challenge: append([]string(nil), values...),
	}
	if len(values) == 0 {
		return c
	}
	first := strings.TrimSpace(values[0])
	scheme, params, _ := strings.Cut(first, " ")
	c.Scheme = strings.ToLower(scheme)
	c.Realm = authParam(params, "realm")
	return c
}

func authParam(params, name string) string {
	for _, part := range splitParams(params) {
		k, v, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = strings.ReplaceAll(v[1:len(v)-1], `\"`, `"`)
		}
		return v
	}
	return ""
}

// splitParams splits on commas outside quoted strings.
func splitParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && quoted && i+1 < len(s):
			b.WriteByte(ch)
			i++
			b.WriteByte(s[i])
			continue
		case ch == '"':
			quoted = !quoted
		case ch == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
			continue
		}
		b.WriteByte(ch)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func basicAuthorization(c domain.Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

func authHeaderName(proxy bool) string {
	if proxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}
