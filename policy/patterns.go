package policy

import (
	"regexp"
	"strings"
)

// matcher matches a request path against one allow-list pattern.
type matcher interface {
	match(path string) bool
}

type exactMatcher struct{ path string }

func (m exactMatcher) match(path string) bool { return path == m.path }

type prefixMatcher struct{ prefix string }

func (m prefixMatcher) match(path string) bool { return strings.HasPrefix(path, m.prefix) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) match(path string) bool { return m.re.MatchString(path) }

// compileMatcher picks the cheapest matcher for a pattern. A single
// trailing "*" compiles to a prefix check; patterns with interior
// wildcards fall back to an anchored regexp.
func compileMatcher(pattern string) matcher {
	if !strings.Contains(pattern, "*") {
		return exactMatcher{path: pattern}
	}
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return prefixMatcher{prefix: pattern[:len(pattern)-1]}
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		// QuoteMeta makes this unreachable for any input pattern.
		return exactMatcher{path: pattern}
	}
	return regexMatcher{re: re}
}
