// Package dom models one snapshot of the host document: elements, text and
// the encapsulated sub-trees (shadow roots, frame documents) hanging off
// them. A snapshot is taken once per tick and never reused on a later tick.
package dom

import (
	"strings"
)

// Ref identifies a node inside the host for the lifetime of one snapshot.
// For CDP-backed snapshots it is the backend node id.
type Ref int64

// Kind is the node category we care about.
type Kind int

const (
	KindElement Kind = iota
	KindText
	KindDocument
	KindShadowRoot
)

// RootMode says whether an encapsulated sub-tree may be searched.
type RootMode string

const (
	ModeOpen   RootMode = "open"
	ModeClosed RootMode = "closed"
)

// Attr is a single name/value attribute pair. Names are lower-case.
type Attr struct {
	Name  string
	Value string
}

// Node is one node of a snapshot. Children holds the light tree; Shadow
// holds the encapsulated sub-tree attached to an element, if any.
type Node struct {
	Ref      Ref
	Kind     Kind
	Name     string // lower-case local name for elements
	Data     string // text content for text nodes
	Attrs    []Attr
	Children []*Node
	Parent   *Node

	// Shadow is the encapsulated sub-tree root. Its Parent is the host
	// element. ShadowMode is only meaningful when Shadow != nil.
	Shadow     *Node
	ShadowMode RootMode
}

// Attr returns the attribute value and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	if n == nil {
		return "", false
	}
	name = strings.ToLower(name)
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// IsElement reports whether n is an element node.
func (n *Node) IsElement() bool { return n != nil && n.Kind == KindElement }

// IsRoot reports whether n starts an independently rooted tree.
func (n *Node) IsRoot() bool {
	return n != nil && (n.Kind == KindDocument || n.Kind == KindShadowRoot)
}

// Hidden reports whether the element is hidden through its own inline
// style or the hidden attribute. Inherited visibility is not considered.
func (n *Node) Hidden() bool {
	if !n.IsElement() {
		return false
	}
	if _, ok := n.Attr("hidden"); ok {
		return true
	}
	style, _ := n.Attr("style")
	return styleHidesElement(style)
}

func styleHidesElement(style string) bool {
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(prop), "display") &&
			strings.EqualFold(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")), "none") {
			return true
		}
	}
	return false
}

// Walk visits n and every node of its light tree in document order. It does
// not cross into encapsulated sub-trees. Returning false from fn skips the
// node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Elements returns every element of n's light tree in document order,
// excluding n itself.
func (n *Node) Elements() []*Node {
	var out []*Node
	for _, c := range n.Children {
		c.Walk(func(x *Node) bool {
			if x.IsElement() {
				out = append(out, x)
			}
			return true
		})
	}
	return out
}

// Find returns the first node with the given ref anywhere under n,
// including open and closed sub-trees.
func (n *Node) Find(ref Ref) *Node {
	if n == nil {
		return nil
	}
	if n.Ref == ref {
		return n
	}
	if found := n.Shadow.Find(ref); found != nil {
		return found
	}
	for _, c := range n.Children {
		if found := c.Find(ref); found != nil {
			return found
		}
	}
	return nil
}

// Host returns the element a shadow root is attached to.
func (n *Node) Host() *Node {
	if n == nil || n.Kind != KindShadowRoot {
		return nil
	}
	return n.Parent
}

// Describe renders a short CSS-like label used in diagnostics.
func (n *Node) Describe() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindDocument:
		return "#document"
	case KindShadowRoot:
		return "#shadow-root(" + string(n.Host().modeOf()) + ") of " + n.Host().Describe()
	case KindText:
		return "#text"
	}
	var b strings.Builder
	b.WriteString(n.Name)
	if id, ok := n.Attr("id"); ok && id != "" {
		b.WriteString("#" + id)
	}
	for _, name := range []string{"name", "value", "aria-label"} {
		if v, ok := n.Attr(name); ok && v != "" {
			b.WriteString("[" + name + "=\"" + v + "\"]")
		}
	}
	return b.String()
}

func (n *Node) modeOf() RootMode {
	if n == nil {
		return ""
	}
	return n.ShadowMode
}

// link sets Parent pointers below n.
func link(n *Node) {
	if n.Shadow != nil {
		n.Shadow.Parent = n
		link(n.Shadow)
	}
	for _, c := range n.Children {
		c.Parent = n
		link(c)
	}
}
