package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"deskpilot/internal/dom"
)

// Event is one mutation the Memory host received.
type Event struct {
	Op    string // set-property | set-attribute | dispatch | click | hide | show
	Ref   dom.Ref
	Name  string
	Value string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %d %s=%s", e.Op, e.Ref, e.Name, e.Value)
}

// ClickFunc reacts to a click on a node; it may mutate the tree, e.g. to
// render a selection surface.
type ClickFunc func(m *Memory, n *dom.Node)

// Memory is an in-process Host over a dom tree. Properties live in a side
// table; a property is only readable once it was declared with Define or
// assigned, mirroring custom elements that may or may not expose a value.
type Memory struct {
	mu      sync.Mutex
	doc     *dom.Node
	props   map[dom.Ref]map[string]string
	onClick map[dom.Ref]ClickFunc
	events  []Event
	nextRef dom.Ref

	// Hooks let tests refuse a channel.
	RejectProperty  func(ref dom.Ref, name string) bool
	RejectAttribute func(ref dom.Ref, name string) bool
}

// NewMemory wraps doc.
func NewMemory(doc *dom.Node) *Memory {
	m := &Memory{
		props:   make(map[dom.Ref]map[string]string),
		onClick: make(map[dom.Ref]ClickFunc),
	}
	m.Replace(doc)
	return m
}

// Replace swaps the whole document, as a host re-render would.
func (m *Memory) Replace(doc *dom.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
	m.props = make(map[dom.Ref]map[string]string)
	m.onClick = make(map[dom.Ref]ClickFunc)
	m.nextRef = maxRef(doc) + 1
}

// Document returns the live tree; callers must not keep it across ticks.
func (m *Memory) Document() *dom.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

// Define declares a readable property with an initial value.
func (m *Memory) Define(ref dom.Ref, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setProp(ref, name, value)
}

// OnClick registers a reaction to clicks on ref.
func (m *Memory) OnClick(ref dom.Ref, fn ClickFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClick[ref] = fn
}

// Append adds a new element under parent and returns it. Used by click
// reactions that render overlays.
func (m *Memory) Append(parent *dom.Node, name, text string, attrs ...dom.Attr) *dom.Node {
	m.nextRef++
	el := &dom.Node{Ref: m.nextRef, Kind: dom.KindElement, Name: name, Attrs: attrs, Parent: parent}
	if text != "" {
		m.nextRef++
		el.Children = []*dom.Node{{Ref: m.nextRef, Kind: dom.KindText, Data: text, Parent: el}}
	}
	parent.Children = append(parent.Children, el)
	return el
}

// Events returns a copy of the mutation log.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ResetEvents clears the mutation log.
func (m *Memory) ResetEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

func (m *Memory) Snapshot(ctx context.Context) (*dom.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Document(), nil
}

func (m *Memory) Property(_ context.Context, ref dom.Ref, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Find(ref) == nil {
		return "", ErrStale
	}
	props, ok := m.props[ref]
	if !ok {
		return "", ErrNoProperty
	}
	v, ok := props[name]
	if !ok {
		return "", ErrNoProperty
	}
	return v, nil
}

func (m *Memory) SetProperty(_ context.Context, ref dom.Ref, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Find(ref) == nil {
		return ErrStale
	}
	v := fmt.Sprint(value)
	m.events = append(m.events, Event{Op: "set-property", Ref: ref, Name: name, Value: v})
	if m.RejectProperty != nil && m.RejectProperty(ref, name) {
		return nil
	}
	m.setProp(ref, name, v)
	return nil
}

func (m *Memory) SetAttribute(_ context.Context, ref dom.Ref, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.doc.Find(ref)
	if n == nil {
		return ErrStale
	}
	m.events = append(m.events, Event{Op: "set-attribute", Ref: ref, Name: name, Value: value})
	if m.RejectAttribute != nil && m.RejectAttribute(ref, name) {
		return nil
	}
	setAttr(n, name, value)
	// Reflected attributes update the matching property, as the host's
	// form-associated custom elements do.
	if props, ok := m.props[ref]; ok {
		if _, declared := props[name]; declared {
			props[name] = value
		}
	}
	return nil
}

func (m *Memory) Dispatch(_ context.Context, ref dom.Ref, events ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Find(ref) == nil {
		return ErrStale
	}
	for _, e := range events {
		m.events = append(m.events, Event{Op: "dispatch", Ref: ref, Name: e})
	}
	return nil
}

func (m *Memory) Click(_ context.Context, ref dom.Ref) error {
	m.mu.Lock()
	n := m.doc.Find(ref)
	if n == nil {
		m.mu.Unlock()
		return ErrStale
	}
	m.events = append(m.events, Event{Op: "click", Ref: ref})
	fn := m.onClick[ref]
	m.mu.Unlock()

	if fn != nil {
		fn(m, n)
	}
	return nil
}

func (m *Memory) SetHidden(_ context.Context, ref dom.Ref, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.doc.Find(ref)
	if n == nil {
		return ErrStale
	}
	style, _ := n.Attr("style")
	var decls []string
	for _, d := range strings.Split(style, ";") {
		prop, _, _ := strings.Cut(d, ":")
		if strings.TrimSpace(d) == "" || strings.EqualFold(strings.TrimSpace(prop), "display") {
			continue
		}
		decls = append(decls, strings.TrimSpace(d))
	}
	op := "show"
	if hidden {
		decls = append(decls, "display: none")
		op = "hide"
	}
	m.events = append(m.events, Event{Op: op, Ref: ref})
	setAttr(n, "style", strings.Join(decls, "; "))
	return nil
}

func (m *Memory) setProp(ref dom.Ref, name, value string) {
	props, ok := m.props[ref]
	if !ok {
		props = make(map[string]string)
		m.props[ref] = props
	}
	props[name] = value
}

func setAttr(n *dom.Node, name, value string) {
	name = strings.ToLower(name)
	for i := range n.Attrs {
		if n.Attrs[i].Name == name {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, dom.Attr{Name: name, Value: value})
}

func maxRef(n *dom.Node) dom.Ref {
	if n == nil {
		return 0
	}
	max := n.Ref
	if s := maxRef(n.Shadow); s > max {
		max = s
	}
	for _, c := range n.Children {
		if r := maxRef(c); r > max {
			max = r
		}
	}
	return max
}

// MemoryBanner records banner calls.
type MemoryBanner struct {
	mu      sync.Mutex
	Visible bool
	Text    string
	Shows   int
	Hides   int
}

func (b *MemoryBanner) Show(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Visible = true
	b.Text = text
	b.Shows++
	return nil
}

func (b *MemoryBanner) Hide(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Visible = false
	b.Hides++
	return nil
}

// State returns a consistent copy of the banner fields.
func (b *MemoryBanner) State() (visible bool, text string, shows, hides int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Visible, b.Text, b.Shows, b.Hides
}
