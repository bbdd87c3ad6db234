package policy

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Key derives a cache key from the request method and URL. The key is
// a BLAKE3 digest of method, path, and the query string with its
// parameters in sorted order, so parameter ordering does not split the
// cache while any difference in path or query yields a distinct key.
func Key(method string, u *url.URL) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(0)
	b.WriteString(u.EscapedPath())
	b.WriteByte(0)
	b.WriteString(canonicalQuery(u.RawQuery))

	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalQuery re-encodes a query string with keys (and values per
// key) sorted. Unparseable queries are used verbatim rather than
// dropped, keeping the key a function of the full URL.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
