package graph

import (
	"strings"
	"testing"
)

func TestGuardAllowsReadQueries(t *testing.T) {
	allowed := []string{
		"MATCH (n) RETURN n LIMIT 10",
		"match (n:Turn) return n",
		"OPTIONAL MATCH (n) RETURN n",
		"WITH 1 AS x RETURN x",
		"RETURN 1",
		"CALL db.labels()",
		"  MATCH (n) RETURN n  ",
	}
	for _, q := range allowed {
		if err := GuardQuery(q); err != nil {
			t.Errorf("GuardQuery(%q) = %v, want nil", q, err)
		}
	}
}

func TestGuardRejectsNonReadPrefix(t *testing.T) {
	rejected := []string{
		"CREATE (n:X)",
		"MERGE (n:X)",
		"EXPLAIN MATCH (n) RETURN n",
		"",
		"MATCHX (n) RETURN n",
	}
	for _, q := range rejected {
		err := GuardQuery(q)
		if err == nil {
			t.Errorf("GuardQuery(%q) = nil, want error", q)
			continue
		}
		if q == "CREATE (n:X)" && !strings.Contains(err.Error(), "Query must start with one of") {
			t.Errorf("GuardQuery(%q) error = %q, want prefix message", q, err)
		}
	}
}

func TestGuardRejectsWriteTokens(t *testing.T) {
	rejected := map[string]string{
		"MATCH (n) SET n.p=1":                 "SET",
		"MATCH (n) DELETE n":                  "DELETE",
		"MATCH (n) DETACH  DELETE n":          "DETACH",
		"MATCH (n) REMOVE n.p RETURN n":       "REMOVE",
		"MATCH (n) WITH n CREATE (m) RETURN":  "CREATE",
		"match (n) set n.p = 1":               "SET",
		"RETURN 1 UNION MATCH (n) DROP INDEX": "DROP",
	}
	for q, tok := range rejected {
		err := GuardQuery(q)
		if err == nil {
			t.Errorf("GuardQuery(%q) = nil, want write rejection", q)
			continue
		}
		if !strings.Contains(err.Error(), "Write operations are not allowed") {
			t.Errorf("GuardQuery(%q) error = %q, want write message", q, err)
		}
		if !strings.Contains(strings.ToUpper(err.Error()), tok) {
			t.Errorf("GuardQuery(%q) error = %q, want token %s named", q, err, tok)
		}
	}
}

func TestGuardWordBoundedTokens(t *testing.T) {
	// Tokens embedded inside identifiers must not trip the deny list.
	ok := []string{
		"MATCH (n) WHERE n.name = 'offset_reset' RETURN n",
		"MATCH (n:Dataset) RETURN n",
		"MATCH (n) WHERE n.dropped = false RETURN n",
	}
	for _, q := range ok {
		if err := GuardQuery(q); err != nil {
			t.Errorf("GuardQuery(%q) = %v, want nil", q, err)
		}
	}
}
