// Package autofill converges form controls on the host to default values.
// Apply is idempotent and cheap once everything is set: it only re-checks
// the converged nodes, and starts over when one of them disappears.
package autofill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/dom"
	"deskpilot/internal/host"
	"deskpilot/internal/locator"
	"deskpilot/internal/rules"
)

var (
	// ErrAmbiguousChannel means the target was found but no mutation
	// channel could be verified to take effect.
	ErrAmbiguousChannel = eris.New("autofill: no mutation channel took effect")
	// ErrOptionMissing means the selection surface opened but no option
	// carried the wanted label.
	ErrOptionMissing = eris.New("autofill: option not offered")

	errUnavailable = eris.New("channel unavailable on element")
	errUnverified  = eris.New("value did not stick")
)

// DefaultOptionDelay is how long the selection surface gets to render.
const DefaultOptionDelay = 120 * time.Millisecond

// Mode is what "set" means for a target.
type Mode string

const (
	ModeValue Mode = "value" // the control's value must equal Value
	ModeCheck Mode = "check" // the control must be checked
)

// Channel names the mutation path that made a target converge.
type Channel string

const (
	ChannelNone        Channel = ""
	ChannelProperty    Channel = "property"
	ChannelAttribute   Channel = "attribute"
	ChannelInteraction Channel = "interaction"
)

// Target is one control to converge. Targets are configuration and are
// never mutated.
type Target struct {
	Name  string
	Query locator.Query
	Value string
	Mode  Mode
	// Hide hides the control (or the HideQuery element, when it has rules)
	// after it converged.
	Hide      bool
	HideQuery locator.Query
	// Options finds entries of the selection surface opened by a click.
	// No rules disables the interaction channel for value targets.
	Options locator.Query
}

func (t Target) prop() string {
	if t.Mode == ModeCheck {
		return "checked"
	}
	return "value"
}

func (t Target) key() string {
	return fmt.Sprintf("%s|%s|%s|%t", t.Name, t.Mode, t.Value, t.Hide)
}

// Outcome is the per-target account of one Apply.
type Outcome struct {
	Target    string   `json:"target"`
	Found     bool     `json:"found"`
	Ref       dom.Ref  `json:"ref,omitempty"`
	Converged bool     `json:"converged"` // already had the value; nothing was written
	Channel   Channel  `json:"channel,omitempty"`
	Hidden    bool     `json:"hidden,omitempty"`
	Labels    []string `json:"labels,omitempty"` // options seen when the wanted one was missing
	Detail    string   `json:"detail"`
	Err       error    `json:"-"`
}

// Report is the result of one Apply.
type Report struct {
	Applied  bool      `json:"applied"`
	Watching bool      `json:"watching"` // already applied; only re-located
	Outcomes []Outcome `json:"outcomes,omitempty"`
	Err      error     `json:"-"`
}

// Applier owns the convergence state for a target list.
type Applier struct {
	host host.Host
	log  *zap.Logger

	targets     []Target
	optionDelay time.Duration
	sleep       func(context.Context, time.Duration) error

	applied bool
	refs    map[string]dom.Ref
}

// New builds an Applier.
func New(h host.Host, log *zap.Logger, targets ...Target) *Applier {
	if log == nil {
		log = zap.L()
	}
	return &Applier{
		host:        h,
		log:         log.Named("autofill"),
		targets:     targets,
		optionDelay: DefaultOptionDelay,
		sleep:       sleepCtx,
		refs:        make(map[string]dom.Ref),
	}
}

// SetTargets swaps the target list. A changed list starts convergence over.
func (a *Applier) SetTargets(targets []Target) {
	if sameTargets(a.targets, targets) {
		return
	}
	a.targets = targets
	a.applied = false
	a.refs = make(map[string]dom.Ref)
}

// SetOptionDelay sets the wait between opening a selection surface and
// looking for its options.
func (a *Applier) SetOptionDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.optionDelay = d
}

// Applied reports whether the last Apply converged every target.
func (a *Applier) Applied() bool { return a.applied }

// Apply converges every target once. It reports Applied only when all
// targets converged.
func (a *Applier) Apply(ctx context.Context) Report {
	doc, err := a.host.Snapshot(ctx)
	if err != nil {
		return Report{Err: eris.Wrap(err, "autofill: snapshot")}
	}

	if a.applied {
		if a.stillInPlace(doc) {
			return Report{Applied: true, Watching: true}
		}
		a.log.Info("host replaced the form, converging again")
		a.applied = false
		a.refs = make(map[string]dom.Ref)
	}

	rep := Report{Applied: len(a.targets) > 0}
	for _, t := range a.targets {
		out, mutated := a.applyOne(ctx, doc, t)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Err != nil {
			rep.Applied = false
		}
		if mutated {
			// The host may have re-rendered in response.
			if fresh, err := a.host.Snapshot(ctx); err == nil {
				doc = fresh
			}
		}
	}
	a.applied = rep.Applied
	if rep.Applied {
		a.log.Info("all targets applied", zap.Int("targets", len(a.targets)))
	}
	return rep
}

// stillInPlace checks every converged node is still in the tree and still
// matches its query. It does not re-rank: hiding a control lowers its score,
// and a sibling that now outranks it is not the control that was set.
func (a *Applier) stillInPlace(doc *dom.Node) bool {
	for _, t := range a.targets {
		ref, ok := a.refs[t.Name]
		if !ok || !t.Query.Matches(doc.Find(ref)) {
			return false
		}
	}
	return true
}

func (a *Applier) applyOne(ctx context.Context, doc *dom.Node, t Target) (Outcome, bool) {
	res := locator.Locate(t.Query, doc)
	out := Outcome{Target: t.Name, Detail: res.Explain()}
	if !res.Found() {
		out.Err = res.Err()
		a.log.Debug("target not found", zap.String("target", t.Name), zap.String("why", out.Detail))
		return out, false
	}
	n := res.Node()
	out.Found, out.Ref = true, n.Ref

	ok, err := a.verify(ctx, n.Ref, t)
	if err != nil {
		out.Err = err
		return out, false
	}
	mutated := false
	if ok {
		out.Converged = true
	} else {
		ch, labels, err := a.set(ctx, n, t)
		mutated = true
		out.Channel, out.Labels = ch, labels
		if err != nil {
			out.Err = err
			a.log.Warn("target not applied",
				zap.String("target", t.Name),
				zap.String("value", t.Value),
				zap.Strings("visible_options", labels),
				zap.Error(err))
			return out, mutated
		}
		a.log.Info("target applied",
			zap.String("target", t.Name),
			zap.String("value", t.Value),
			zap.String("channel", string(ch)),
			zap.String("rule", res.Best.RuleID))
	}

	if t.Hide {
		hidden, err := a.hide(ctx, doc, n, t)
		if err != nil {
			out.Err = eris.Wrapf(err, "autofill: hide %s", t.Name)
			return out, mutated
		}
		out.Hidden = true
		mutated = mutated || hidden
	}
	a.refs[t.Name] = n.Ref
	return out, mutated
}

// set walks the channels in order until one verifies.
func (a *Applier) set(ctx context.Context, n *dom.Node, t Target) (Channel, []string, error) {
	type attempt struct {
		ch  Channel
		run func() ([]string, error)
	}
	attempts := []attempt{
		{ChannelProperty, func() ([]string, error) { return nil, a.viaProperty(ctx, n.Ref, t) }},
		{ChannelAttribute, func() ([]string, error) { return nil, a.viaAttribute(ctx, n.Ref, t) }},
		{ChannelInteraction, func() ([]string, error) { return a.viaInteraction(ctx, n.Ref, t) }},
	}

	var tried []string
	for _, at := range attempts {
		labels, err := at.run()
		if err == nil {
			return at.ch, nil, nil
		}
		if eris.Is(err, ErrOptionMissing) || eris.Is(err, host.ErrStale) || ctx.Err() != nil {
			return at.ch, labels, err
		}
		a.log.Debug("channel failed", zap.String("target", t.Name), zap.String("channel", string(at.ch)), zap.Error(err))
		tried = append(tried, fmt.Sprintf("%s: %v", at.ch, rootCause(err)))
	}
	return ChannelNone, nil, eris.Wrapf(ErrAmbiguousChannel, "%s (%s)", t.Name, strings.Join(tried, "; "))
}

func (a *Applier) viaProperty(ctx context.Context, ref dom.Ref, t Target) error {
	if _, err := a.host.Property(ctx, ref, t.prop()); err != nil {
		if eris.Is(err, host.ErrNoProperty) {
			return errUnavailable
		}
		return err
	}
	var v any = t.Value
	if t.Mode == ModeCheck {
		v = true
	}
	if err := a.host.SetProperty(ctx, ref, t.prop(), v); err != nil {
		return err
	}
	return a.notifyAndVerify(ctx, ref, t)
}

func (a *Applier) viaAttribute(ctx context.Context, ref dom.Ref, t Target) error {
	v := t.Value
	if t.Mode == ModeCheck {
		v = ""
	}
	if err := a.host.SetAttribute(ctx, ref, t.prop(), v); err != nil {
		return err
	}
	return a.notifyAndVerify(ctx, ref, t)
}

func (a *Applier) notifyAndVerify(ctx context.Context, ref dom.Ref, t Target) error {
	if err := a.host.Dispatch(ctx, ref, "input", "change"); err != nil {
		return err
	}
	ok, err := a.verify(ctx, ref, t)
	if err != nil {
		return err
	}
	if !ok {
		return errUnverified
	}
	return nil
}

// viaInteraction simulates the user: activate the control, wait for the
// selection surface, then activate the option carrying the wanted label.
// A check target only needs the activation.
func (a *Applier) viaInteraction(ctx context.Context, ref dom.Ref, t Target) ([]string, error) {
	if t.Mode != ModeCheck && len(t.Options.Rules) == 0 {
		return nil, errUnavailable
	}
	if err := a.host.Click(ctx, ref); err != nil {
		return nil, err
	}
	if t.Mode != ModeCheck {
		if err := a.sleep(ctx, a.optionDelay); err != nil {
			return nil, err
		}
		doc, err := a.host.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		res := locator.Locate(rules.WithText(t.Options, t.Value), doc)
		if !res.Found() {
			labels := optionLabels(t.Options, doc)
			return labels, eris.Wrapf(ErrOptionMissing, "%q among %d option(s)", t.Value, len(labels))
		}
		if err := a.host.Click(ctx, res.Node().Ref); err != nil {
			return nil, err
		}
	}
	ok, err := a.verify(ctx, ref, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errUnverified
	}
	return nil, nil
}

// verify re-reads the control. The property wins when exposed, otherwise
// the attribute in a fresh snapshot is compared.
func (a *Applier) verify(ctx context.Context, ref dom.Ref, t Target) (bool, error) {
	v, err := a.host.Property(ctx, ref, t.prop())
	switch {
	case err == nil:
		if t.Mode == ModeCheck {
			return v == "true", nil
		}
		return strings.TrimSpace(v) == t.Value, nil
	case !eris.Is(err, host.ErrNoProperty):
		return false, err
	}

	doc, err := a.host.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	n := doc.Find(ref)
	if n == nil {
		return false, eris.Wrapf(host.ErrStale, "verify %d", ref)
	}
	attr, has := n.Attr(t.prop())
	if t.Mode == ModeCheck {
		return has && attr != "false", nil
	}
	return has && strings.TrimSpace(attr) == t.Value, nil
}

// hide applies the visibility policy once; it reports whether it wrote.
func (a *Applier) hide(ctx context.Context, doc *dom.Node, n *dom.Node, t Target) (bool, error) {
	el := n
	if len(t.HideQuery.Rules) > 0 {
		if res := locator.Locate(t.HideQuery, doc); res.Found() {
			el = res.Node()
		}
	}
	if el.Hidden() {
		return false, nil
	}
	return true, a.host.SetHidden(ctx, el.Ref, true)
}

func optionLabels(q locator.Query, doc *dom.Node) []string {
	res := locator.Locate(q, doc)
	seen := make(map[dom.Ref]bool)
	var labels []string
	for _, h := range res.Hits {
		if seen[h.Node.Ref] {
			continue
		}
		seen[h.Node.Ref] = true
		if l := strings.Join(strings.Fields(h.Node.TextContent()), " "); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func sameTargets(a, b []Target) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].key() != b[i].key() {
			return false
		}
	}
	return true
}

func rootCause(err error) string {
	if c := eris.Cause(err); c != nil {
		return c.Error()
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
