package dom

import (
	"strings"
)

// nonRendered elements never contribute text.
var nonRendered = map[string]bool{
	"script":   true,
	"style":    true,
	"template": true,
	"noscript": true,
	"head":     true,
}

// TextContent returns the concatenated text of n's light tree, the way the
// host's textContent would (no separators), minus non-rendered elements.
func (n *Node) TextContent() string {
	var b strings.Builder
	n.Walk(func(x *Node) bool {
		switch x.Kind {
		case KindText:
			b.WriteString(x.Data)
		case KindElement:
			return !nonRendered[x.Name]
		}
		return true
	})
	return b.String()
}

// VisibleText returns the rendered text of the whole tree under n. Element
// boundaries become single spaces, hidden elements are skipped, open
// sub-trees are included and closed sub-trees are not: that is the view a
// page-level text scan gets.
func (n *Node) VisibleText() string {
	var b strings.Builder
	visibleText(n, &b)
	return collapseSpace(b.String())
}

func visibleText(n *Node, b *strings.Builder) {
	if n == nil {
		return
	}
	switch n.Kind {
	case KindText:
		b.WriteString(n.Data)
		return
	case KindElement:
		if nonRendered[n.Name] || n.Hidden() {
			return
		}
		b.WriteByte(' ')
		if n.Shadow != nil && n.ShadowMode == ModeOpen {
			visibleText(n.Shadow, b)
			b.WriteByte(' ')
		}
	}
	for _, c := range n.Children {
		visibleText(c, b)
	}
	if n.Kind == KindElement {
		b.WriteByte(' ')
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsFold reports whether s contains sub, ignoring case.
func ContainsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
