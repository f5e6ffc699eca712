package graph

import (
	"strings"
	"testing"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

func TestBuilderFreshParamsPerCall(t *testing.T) {
	vt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tt := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	b := NewBuilder().
		Constrain([]string{"t"}, At(vt), At(tt)).
		Constrain([]string{"r"}, At(vt), At(tt))

	clause := b.Clause()
	for _, want := range []string{":vt_0", ":tt_0", ":vt_1", ":tt_1"} {
		if !strings.Contains(clause, want) {
			t.Errorf("clause missing %s: %s", want, clause)
		}
	}
	if strings.Count(clause, ":vt_0") != 2 {
		// alias t references vt_0 twice (start and end bound)
		t.Errorf("vt_0 referenced %d times, want 2", strings.Count(clause, ":vt_0"))
	}

	params := b.Params()
	if len(params) != 4 {
		t.Errorf("params = %v, want 4 distinct names", params)
	}
	if !params["vt_1"].(time.Time).Equal(vt) {
		t.Errorf("vt_1 = %v, want %v", params["vt_1"], vt)
	}
}

func TestBuilderMultipleAliasesOneCall(t *testing.T) {
	tt := time.Now()
	b := NewBuilder().Constrain([]string{"t", "r"}, nil, At(tt))

	clause := b.Clause()
	if !strings.Contains(clause, "t.tt_start <= :tt_0") {
		t.Errorf("missing first alias constraint: %s", clause)
	}
	if !strings.Contains(clause, "r.tt_start <= :tt_1") {
		t.Errorf("second alias must get a fresh param: %s", clause)
	}
}

func TestBuilderCurrentUsesSentinel(t *testing.T) {
	b := NewBuilder().Constrain([]string{"n"}, nil, Current())

	clause := b.Clause()
	if clause != "n.tt_end = :max_sentinel" {
		t.Errorf("clause = %q", clause)
	}
	if !b.Params()["max_sentinel"].(time.Time).Equal(models.MaxTimestamp) {
		t.Error("sentinel param not bound to MaxTimestamp")
	}
}

func TestBuilderBindPositional(t *testing.T) {
	vt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b := NewBuilder().Constrain([]string{"n"}, At(vt), Current())

	clause, args := b.Bind()
	if strings.Contains(clause, ":") {
		t.Errorf("bound clause still has named params: %s", clause)
	}
	if strings.Count(clause, "?") != len(args) {
		t.Errorf("placeholders (%d) != args (%d)", strings.Count(clause, "?"), len(args))
	}
	// First two placeholders are the vt point, third is the sentinel.
	if !args[0].(time.Time).Equal(vt) || !args[1].(time.Time).Equal(vt) {
		t.Errorf("vt args = %v", args[:2])
	}
	if !args[2].(time.Time).Equal(models.MaxTimestamp) {
		t.Errorf("sentinel arg = %v", args[2])
	}
}

func TestBuilderEmptyClause(t *testing.T) {
	b := NewBuilder()
	if b.Clause() != "" {
		t.Errorf("empty builder clause = %q", b.Clause())
	}
	clause, args := b.Bind()
	if clause != "" || len(args) != 0 {
		t.Errorf("empty builder bind = %q %v", clause, args)
	}
}
