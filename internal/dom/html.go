package dom

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// ParseHTML builds a snapshot from markup. Declarative shadow roots
// (<template shadowrootmode="open|closed">) become encapsulated sub-trees of
// their parent element, which lets saved pages and fixtures carry the same
// boundaries the live host has. Refs are assigned in document order from 1.
func ParseHTML(r io.Reader) (*Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "dom: parse html")
	}
	var next Ref
	root := convertHTML(doc, &next)
	if root == nil {
		return nil, eris.New("dom: empty document")
	}
	link(root)
	return root, nil
}

// MustParseHTML is ParseHTML for literals in tests and fixtures.
func MustParseHTML(s string) *Node {
	n, err := ParseHTML(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return n
}

func convertHTML(src *html.Node, next *Ref) *Node {
	var n *Node
	switch src.Type {
	case html.DocumentNode:
		n = &Node{Kind: KindDocument}
	case html.ElementNode:
		n = &Node{Kind: KindElement, Name: strings.ToLower(src.Data)}
		for _, a := range src.Attr {
			n.Attrs = append(n.Attrs, Attr{Name: strings.ToLower(a.Key), Value: a.Val})
		}
	case html.TextNode:
		n = &Node{Kind: KindText, Data: src.Data}
	default:
		return nil
	}
	*next++
	n.Ref = *next

	for c := src.FirstChild; c != nil; c = c.NextSibling {
		if mode, ok := shadowTemplate(c); ok && n.Kind == KindElement && n.Shadow == nil {
			root := &Node{Kind: KindShadowRoot}
			*next++
			root.Ref = *next
			for tc := c.FirstChild; tc != nil; tc = tc.NextSibling {
				if cn := convertHTML(tc, next); cn != nil {
					root.Children = append(root.Children, cn)
				}
			}
			n.Shadow = root
			n.ShadowMode = mode
			continue
		}
		if cn := convertHTML(c, next); cn != nil {
			n.Children = append(n.Children, cn)
		}
	}
	return n
}

func shadowTemplate(c *html.Node) (RootMode, bool) {
	if c.Type != html.ElementNode || c.Data != "template" {
		return "", false
	}
	for _, a := range c.Attr {
		if a.Key != "shadowrootmode" && a.Key != "shadowroot" {
			continue
		}
		if strings.EqualFold(a.Val, "closed") {
			return ModeClosed, true
		}
		return ModeOpen, true
	}
	return "", false
}
