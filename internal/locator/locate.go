package locator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"deskpilot/internal/dom"
)

var (
	// ErrNotFound means no rule matched anything this tick.
	ErrNotFound = eris.New("locator: not found")
	// ErrEncapsulationBlocked means nothing matched and at least one closed
	// sub-tree could have held the target.
	ErrEncapsulationBlocked = eris.New("locator: encapsulated sub-tree is closed")
)

// Hit is one element matched by one rule.
type Hit struct {
	Node     *dom.Node
	RuleID   string
	Rule     int
	Score    int
	Compared string // text compared by a text rule, if any
	Root     string // description of the root the hit was found under
}

// Result is the outcome of one Locate call. It is only valid for the
// snapshot it was computed from.
type Result struct {
	Query   string
	Best    *Hit
	Hits    []Hit
	Roots   int      // roots traversed, document included
	Blocked []string // hosts of closed sub-trees that were skipped
	Faults  []string // roots abandoned after a panic while matching
}

// Found reports whether a best hit exists.
func (r Result) Found() bool { return r.Best != nil }

// Node returns the best hit's node or nil.
func (r Result) Node() *dom.Node {
	if r.Best == nil {
		return nil
	}
	return r.Best.Node
}

// Err classifies a miss per the error taxonomy; nil when found.
func (r Result) Err() error {
	switch {
	case r.Best != nil:
		return nil
	case len(r.Blocked) > 0:
		return eris.Wrapf(ErrEncapsulationBlocked, "%s: %d closed sub-tree(s)", r.Query, len(r.Blocked))
	case len(r.Faults) > 0:
		return eris.Wrapf(ErrNotFound, "%s: %s", r.Query, strings.Join(r.Faults, "; "))
	default:
		return eris.Wrap(ErrNotFound, r.Query)
	}
}

// Explain renders a one-line human-readable account of the result.
func (r Result) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", r.Query)
	if r.Best == nil {
		fmt.Fprintf(&b, "not found (roots=%d", r.Roots)
	} else {
		fmt.Fprintf(&b, "found %s by rule %q score=%d (roots=%d hits=%d",
			r.Best.Node.Describe(), r.Best.RuleID, r.Best.Score, r.Roots, len(r.Hits))
		if r.Best.Compared != "" {
			fmt.Fprintf(&b, " text=%q", clip(r.Best.Compared, 60))
		}
	}
	if len(r.Blocked) > 0 {
		fmt.Fprintf(&b, " blocked=%s", strings.Join(r.Blocked, ","))
	}
	if len(r.Faults) > 0 {
		fmt.Fprintf(&b, " faults=%s", strings.Join(r.Faults, "; "))
	}
	b.WriteString(")")
	return b.String()
}

// Locate searches root and every open sub-tree reachable from it. All rules
// are evaluated in every root; the highest score wins and ties go to the
// first hit encountered (roots in discovery order, then rules in order, then
// elements in document order). Locate never panics on odd trees and never
// returns an error: a miss is a Result without Best. A root that panics is
// recorded in Faults and the walk goes on with the next one.
func Locate(q Query, root *dom.Node) (res Result) {
	res.Query = q.Name
	if root == nil || len(q.Rules) == 0 {
		return res
	}

	score := q.scorer()
	work := []*dom.Node{root}
	for len(work) > 0 {
		current := work[0]
		work = work[1:]
		res.Roots++
		work = res.walkRoot(q, score, current, work)
	}

	for i := range res.Hits {
		if res.Best == nil || res.Hits[i].Score > res.Best.Score {
			res.Best = &res.Hits[i]
		}
	}
	return res
}

// walkRoot queues the open sub-trees under current and collects its hits.
func (res *Result) walkRoot(q Query, score Scorer, current *dom.Node, work []*dom.Node) (out []*dom.Node) {
	out = work
	defer func() {
		if r := recover(); r != nil {
			res.Faults = append(res.Faults, fmt.Sprintf("root %d: %v", res.Roots, r))
		}
	}()

	elems := current.Elements()
	if current.IsElement() {
		elems = append([]*dom.Node{current}, elems...)
	}

	for _, el := range elems {
		if el.Shadow == nil {
			continue
		}
		if el.ShadowMode == dom.ModeOpen {
			out = append(out, el.Shadow)
		} else {
			res.Blocked = append(res.Blocked, el.Describe())
		}
	}

	rootName := current.Describe()
	total := len(q.Rules)
	for i, rule := range q.Rules {
		for _, el := range elems {
			ok, compared := rule.Match(el)
			if !ok {
				continue
			}
			res.Hits = append(res.Hits, Hit{
				Node:     el,
				RuleID:   ruleID(rule, i),
				Rule:     i,
				Score:    score(el, rule, i, total),
				Compared: compared,
				Root:     rootName,
			})
		}
	}
	return out
}

func ruleID(r Rule, i int) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("rule-%d", i)
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
