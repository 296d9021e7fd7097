// Package locator finds elements in a host snapshot from a semantic
// description: an ordered list of candidate rules plus a scoring function.
// The search descends into every open encapsulated sub-tree and ranks all
// hits, so one vendor UI revision changing its markup only costs a rule.
package locator

import (
	"strings"

	"deskpilot/internal/dom"
)

// AttrOp is how an attribute pattern is compared.
type AttrOp string

const (
	OpPresent  AttrOp = "present"
	OpEquals   AttrOp = "equals"
	OpContains AttrOp = "contains" // case-insensitive substring
	OpPrefix   AttrOp = "prefix"
)

// AttrMatch is one required-attribute pattern.
type AttrMatch struct {
	Name  string `yaml:"name" json:"name"`
	Op    AttrOp `yaml:"op" json:"op"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

func (m AttrMatch) matches(n *dom.Node) bool {
	v, ok := n.Attr(m.Name)
	if !ok {
		return false
	}
	switch m.Op {
	case OpPresent, "":
		return m.Value == "" || v == m.Value
	case OpEquals:
		return v == m.Value
	case OpContains:
		return dom.ContainsFold(v, m.Value)
	case OpPrefix:
		return strings.HasPrefix(strings.ToLower(v), strings.ToLower(m.Value))
	}
	return false
}

// Rule is one candidate rule: a structural shape (tag names, empty means
// any element), required attribute patterns, an optional case-insensitive
// text-contains predicate over the element's full text, and an optional
// ancestor the element must sit under.
type Rule struct {
	ID     string      `yaml:"id" json:"id"`
	Tags   []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
	Attrs  []AttrMatch `yaml:"attrs,omitempty" json:"attrs,omitempty"`
	Text   string      `yaml:"text,omitempty" json:"text,omitempty"`
	Within *Rule       `yaml:"within,omitempty" json:"within,omitempty"`
	// Weight overrides the positional score when non-zero.
	Weight int `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// shapeMatches checks tag names only.
func (r Rule) shapeMatches(n *dom.Node) bool {
	if !n.IsElement() {
		return false
	}
	if len(r.Tags) == 0 {
		return true
	}
	for _, t := range r.Tags {
		if strings.EqualFold(t, n.Name) {
			return true
		}
	}
	return false
}

// Match reports whether n satisfies the whole rule. The second return value
// is the text that was compared, for diagnostics.
func (r Rule) Match(n *dom.Node) (bool, string) {
	if !r.shapeMatches(n) {
		return false, ""
	}
	for _, a := range r.Attrs {
		if !a.matches(n) {
			return false, ""
		}
	}
	var compared string
	if r.Text != "" {
		compared = n.TextContent()
		if !dom.ContainsFold(compared, r.Text) {
			return false, compared
		}
	}
	if r.Within != nil && !r.hasAncestor(n) {
		return false, compared
	}
	return true, compared
}

// hasAncestor walks up through shadow hosts as well, so a rule can scope
// content inside a component by the component itself.
func (r Rule) hasAncestor(n *dom.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if !p.IsElement() {
			continue
		}
		if ok, _ := r.Within.Match(p); ok {
			return true
		}
	}
	return false
}

// Query is an ordered rule list, most specific first, plus a scorer.
// A Query is never mutated by the locator.
type Query struct {
	Name   string `yaml:"name" json:"name"`
	Rules  []Rule `yaml:"rules" json:"rules"`
	Scorer Scorer `yaml:"-" json:"-"`
}

// Scorer maps a hit to a confidence score. index is the rule's position.
type Scorer func(n *dom.Node, r Rule, index, total int) int

// priorityStep separates the base scores of neighbouring rules. Bonuses
// from DefaultScorer stay below it so rule order always dominates.
const priorityStep = 100

// DefaultScorer scores by rule position, then prefers visible elements and,
// for text rules, elements whose text is closest to the wanted label.
func DefaultScorer(n *dom.Node, r Rule, index, total int) int {
	score := r.Weight
	if score == 0 {
		score = (total - index) * priorityStep
	}
	if !n.Hidden() {
		score += 40
	}
	if r.Text != "" {
		extra := len(strings.TrimSpace(n.TextContent())) - len(r.Text)
		if extra < 0 {
			extra = 0
		}
		if extra < 50 {
			score += 50 - extra
		}
	}
	return score
}

// Matches reports whether any rule of q accepts n, regardless of score.
func (q Query) Matches(n *dom.Node) bool {
	if n == nil {
		return false
	}
	for _, r := range q.Rules {
		if ok, _ := r.Match(n); ok {
			return true
		}
	}
	return false
}

func (q Query) scorer() Scorer {
	if q.Scorer != nil {
		return q.Scorer
	}
	return DefaultScorer
}
