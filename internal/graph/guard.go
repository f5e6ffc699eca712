package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// The query() surface is read-only. Anything that does not open with a read
// verb, or that carries a write token anywhere, is rejected before it reaches
// the backend.

var readVerbs = []string{"MATCH", "OPTIONAL MATCH", "WITH", "RETURN", "CALL"}

var writeTokens = []string{"CREATE", "MERGE", "SET", "DELETE", "DETACH DELETE", "REMOVE", "DROP", "ALTER"}

var writeTokenRe = func() *regexp.Regexp {
	parts := make([]string, len(writeTokens))
	for i, tok := range writeTokens {
		parts[i] = strings.ReplaceAll(regexp.QuoteMeta(tok), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(parts, "|") + `)\b`)
}()

// GuardQuery validates that q is an allow-listed read-only query. Token
// matching is case-insensitive and word-bounded.
func GuardQuery(q string) error {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return fmt.Errorf("graph: empty query")
	}

	upper := strings.ToUpper(trimmed)
	allowed := false
	for _, verb := range readVerbs {
		if strings.HasPrefix(upper, verb) {
			// Word-bounded: "MATCHX" must not pass as "MATCH".
			rest := upper[len(verb):]
			if rest == "" || !isWordChar(rest[0]) {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return fmt.Errorf("graph: Query must start with one of %s", strings.Join(readVerbs, ", "))
	}

	if m := writeTokenRe.FindString(trimmed); m != "" {
		return fmt.Errorf("graph: Write operations are not allowed: %s", strings.ToUpper(m))
	}
	return nil
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
