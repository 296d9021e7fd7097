package host

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"

	"deskpilot/internal/dom"
)

// Rod is a Host backed by a live page over the DevTools protocol. Every
// mutation resolves its ref again, so a node the host re-rendered since the
// snapshot surfaces as ErrStale rather than touching the wrong element.
type Rod struct {
	page *rod.Page
}

// NewRod wraps a page.
func NewRod(page *rod.Page) *Rod {
	return &Rod{page: page}
}

// Snapshot pulls the whole document with sub-trees in one DOM.getDocument
// call. Closed roots are included by CDP; the locator refuses to descend
// into them.
func (h *Rod) Snapshot(ctx context.Context) (*dom.Node, error) {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(h.page.Context(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "host: get document")
	}
	doc := dom.FromCDP(res.Root)
	if doc == nil {
		return nil, eris.New("host: empty document")
	}
	return doc, nil
}

func (h *Rod) element(ctx context.Context, ref dom.Ref) (*rod.Element, error) {
	p := h.page.Context(ctx)
	obj, err := proto.DOMResolveNode{BackendNodeID: proto.DOMBackendNodeID(ref)}.Call(p)
	if err != nil || obj.Object == nil {
		return nil, eris.Wrapf(ErrStale, "resolve %d", ref)
	}
	el, err := p.ElementFromObject(obj.Object)
	if err != nil {
		return nil, eris.Wrapf(ErrStale, "element %d: %v", ref, err)
	}
	return el, nil
}

func (h *Rod) eval(ctx context.Context, ref dom.Ref, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	el, err := h.element(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := el.Eval(js, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "host: eval on %d", ref)
	}
	return res, nil
}

func (h *Rod) Property(ctx context.Context, ref dom.Ref, name string) (string, error) {
	res, err := h.eval(ctx, ref, `(name) => (name in this && this[name] !== undefined) ? String(this[name]) : null`, name)
	if err != nil {
		return "", err
	}
	if res.Value.Nil() {
		return "", ErrNoProperty
	}
	return res.Value.Str(), nil
}

func (h *Rod) SetProperty(ctx context.Context, ref dom.Ref, name string, value any) error {
	_, err := h.eval(ctx, ref, `(name, value) => { this[name] = value }`, name, value)
	return err
}

func (h *Rod) SetAttribute(ctx context.Context, ref dom.Ref, name, value string) error {
	_, err := h.eval(ctx, ref, `(name, value) => this.setAttribute(name, value)`, name, value)
	return err
}

func (h *Rod) Dispatch(ctx context.Context, ref dom.Ref, events ...string) error {
	_, err := h.eval(ctx, ref, `(types) => types.forEach(t =>
		this.dispatchEvent(new Event(t, { bubbles: true, composed: true })))`, events)
	return err
}

// Click uses the element's own click() rather than a mouse event so that
// covered or off-screen controls can still be activated.
func (h *Rod) Click(ctx context.Context, ref dom.Ref) error {
	_, err := h.eval(ctx, ref, `() => this.click()`)
	return err
}

func (h *Rod) SetHidden(ctx context.Context, ref dom.Ref, hidden bool) error {
	_, err := h.eval(ctx, ref, `(hidden) => { this.style.display = hidden ? 'none' : '' }`, hidden)
	return err
}
