package dom

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// CDP node types.
const (
	cdpElement          = 1
	cdpText             = 3
	cdpDocument         = 9
	cdpDocumentFragment = 11
)

// FromCDP converts the result of DOM.getDocument (depth -1, pierce true)
// into a snapshot. User-agent shadow roots and template content are dropped;
// same-origin frame documents become open sub-trees of their frame element.
func FromCDP(root *proto.DOMNode) *Node {
	if root == nil {
		return nil
	}
	n := convertCDP(root)
	if n == nil {
		return nil
	}
	link(n)
	return n
}

func convertCDP(src *proto.DOMNode) *Node {
	var n *Node
	switch src.NodeType {
	case cdpElement:
		n = &Node{Kind: KindElement, Name: strings.ToLower(localName(src))}
		for i := 0; i+1 < len(src.Attributes); i += 2 {
			n.Attrs = append(n.Attrs, Attr{Name: strings.ToLower(src.Attributes[i]), Value: src.Attributes[i+1]})
		}
	case cdpText:
		n = &Node{Kind: KindText, Data: src.NodeValue}
	case cdpDocument:
		n = &Node{Kind: KindDocument}
	case cdpDocumentFragment:
		n = &Node{Kind: KindShadowRoot}
	default:
		return nil
	}
	n.Ref = Ref(src.BackendNodeID)

	for _, c := range src.Children {
		if cn := convertCDP(c); cn != nil {
			n.Children = append(n.Children, cn)
		}
	}

	if n.Kind != KindElement {
		return n
	}

	for _, sr := range src.ShadowRoots {
		var mode RootMode
		switch sr.ShadowRootType {
		case proto.DOMShadowRootTypeOpen:
			mode = ModeOpen
		case proto.DOMShadowRootTypeClosed:
			mode = ModeClosed
		default:
			continue
		}
		if root := convertCDP(sr); root != nil {
			root.Kind = KindShadowRoot
			n.Shadow = root
			n.ShadowMode = mode
			break
		}
	}

	if n.Shadow == nil && src.ContentDocument != nil {
		if doc := convertCDP(src.ContentDocument); doc != nil {
			doc.Kind = KindShadowRoot
			n.Shadow = doc
			n.ShadowMode = ModeOpen
		}
	}
	return n
}

func localName(src *proto.DOMNode) string {
	if src.LocalName != "" {
		return src.LocalName
	}
	return src.NodeName
}
