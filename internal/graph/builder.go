package graph

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

// Instant is one point on a time axis. Current selects rows whose interval is
// still open (end = sentinel) instead of a concrete point.
type Instant struct {
	Time    time.Time
	Current bool
}

// At is a concrete point-in-time instant.
func At(t time.Time) *Instant { return &Instant{Time: t} }

// Current selects the open interval.
func Current() *Instant { return &Instant{Current: true} }

// Builder composes bitemporal WHERE clauses for one or more row aliases.
// Each call to Constrain emits fresh parameter names (vt_0, tt_0, vt_1, ...),
// so constraints for different aliases never collide even when composed from
// independent call sites.
type Builder struct {
	clauses []string
	params  map[string]any
	seq     int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{params: make(map[string]any)}
}

// Constrain appends valid-time and/or transaction-time constraints for the
// given aliases. A nil axis adds no constraint on that axis.
func (b *Builder) Constrain(aliases []string, vt, tt *Instant) *Builder {
	for _, alias := range aliases {
		if vt != nil {
			name := fmt.Sprintf("vt_%d", b.seq)
			if vt.Current {
				b.clauses = append(b.clauses,
					fmt.Sprintf("%s.vt_end = :max_sentinel", alias))
				b.params["max_sentinel"] = models.MaxTimestamp
			} else {
				b.clauses = append(b.clauses,
					fmt.Sprintf("%s.vt_start <= :%s AND %s.vt_end > :%s", alias, name, alias, name))
				b.params[name] = vt.Time
			}
		}
		if tt != nil {
			name := fmt.Sprintf("tt_%d", b.seq)
			if tt.Current {
				b.clauses = append(b.clauses,
					fmt.Sprintf("%s.tt_end = :max_sentinel", alias))
				b.params["max_sentinel"] = models.MaxTimestamp
			} else {
				b.clauses = append(b.clauses,
					fmt.Sprintf("%s.tt_start <= :%s AND %s.tt_end > :%s", alias, name, alias, name))
				b.params[name] = tt.Time
			}
		}
		b.seq++
	}
	return b
}

// Clause renders the accumulated constraints AND-joined. Empty when no
// constraint was added.
func (b *Builder) Clause() string {
	return strings.Join(b.clauses, " AND ")
}

// Params returns the named parameters referenced by Clause.
func (b *Builder) Params() map[string]any {
	return b.params
}

var namedParamRe = regexp.MustCompile(`:([A-Za-z_]\w*)`)

// Bind renders the clause with positional `?` placeholders and returns the
// argument list in placeholder order, for backends that take positional args.
func (b *Builder) Bind() (string, []any) {
	var args []any
	clause := namedParamRe.ReplaceAllStringFunc(b.Clause(), func(m string) string {
		args = append(args, b.params[m[1:]])
		return "?"
	})
	return clause, args
}
