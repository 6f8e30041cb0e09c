package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/fechatter/gateway/internal/config"
)

// KeyFor derives the cache key of r under rule. Each key parameter is
// taken from the matched path parameters when the route declares it,
// otherwise from the query string. Parameters, headers and the user are
// only part of the key when the rule lists them, so requests that
// differ in anything else share an entry.
func KeyFor(prefix string, rule config.CacheRule, r *http.Request, pathParams map[string]string, user string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.Path)
	b.WriteByte('\n')

	writeParams(&b, rule.KeyParams, r, pathParams)
	writeHeaders(&b, rule.VaryHeaders, r.Header)

	if rule.VaryUser {
		b.WriteString("user=")
		b.WriteString(user)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	key := hex.EncodeToString(sum[:])
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

func writeParams(b *strings.Builder, names []string, r *http.Request, pathParams map[string]string) {
	if len(names) == 0 {
		return
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	query := r.URL.Query()
	for _, name := range sorted {
		var values []string
		if v, ok := pathParams[name]; ok {
			values = []string{v}
		} else {
			values = append(values, query[name]...)
			sort.Strings(values)
		}
		b.WriteString("p:")
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte('\n')
	}
}

func writeHeaders(b *strings.Builder, names []string, header http.Header) {
	if len(names) == 0 {
		return
	}
	lowered := make([]string, 0, len(names))
	for _, name := range names {
		lowered = append(lowered, strings.ToLower(name))
	}
	sort.Strings(lowered)

	for _, name := range lowered {
		b.WriteString("h:")
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(header.Values(name), ","))
		b.WriteByte('\n')
	}
}
