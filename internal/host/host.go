// Package host is the boundary to the agent desktop document. A Host hands
// out one snapshot per call and applies mutations addressed by the refs of
// the latest snapshot. Implementations: Rod (a live page over CDP) and
// Memory (an in-process tree for tests and offline probes).
package host

import (
	"context"

	"github.com/rotisserie/eris"

	"deskpilot/internal/dom"
)

// ErrStale means a ref no longer resolves in the host; the caller should
// treat the element as gone and retry on the next tick.
var ErrStale = eris.New("host: node no longer attached")

// ErrNoProperty means the element does not expose the property at all,
// which makes the property channel structurally unavailable.
var ErrNoProperty = eris.New("host: property not exposed")

// Host reads and mutates the host document.
type Host interface {
	// Snapshot returns the current document, sub-trees included.
	Snapshot(ctx context.Context) (*dom.Node, error)

	// Property reads a JS property as a string. ErrNoProperty when the
	// property is not defined on the element.
	Property(ctx context.Context, ref dom.Ref, name string) (string, error)
	// SetProperty assigns a JS property.
	SetProperty(ctx context.Context, ref dom.Ref, name string, value any) error
	// SetAttribute assigns an attribute.
	SetAttribute(ctx context.Context, ref dom.Ref, name, value string) error
	// Dispatch fires synthetic bubbling events of the given types.
	Dispatch(ctx context.Context, ref dom.Ref, events ...string) error
	// Click simulates user activation.
	Click(ctx context.Context, ref dom.Ref) error
	// SetHidden toggles inline display:none.
	SetHidden(ctx context.Context, ref dom.Ref, hidden bool) error
}

// Banner is the alert surface the hold feature drives.
type Banner interface {
	Show(ctx context.Context, text string) error
	Hide(ctx context.Context) error
}
