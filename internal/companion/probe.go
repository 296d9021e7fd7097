package companion

import (
	"fmt"
	"io"
	"strings"

	"deskpilot/internal/autofill"
	"deskpilot/internal/config"
	"deskpilot/internal/dom"
	"deskpilot/internal/locator"
	"deskpilot/internal/rules"
	"deskpilot/internal/signal"
	"deskpilot/internal/tracker"
)

// QueryReport is the locator's account of one query.
type QueryReport struct {
	Query    string   `json:"query"`
	Found    bool     `json:"found"`
	Rule     string   `json:"rule,omitempty"`
	Score    int      `json:"score,omitempty"`
	Node     string   `json:"node,omitempty"`
	Compared string   `json:"compared,omitempty"`
	Hits     int      `json:"hits"`
	Roots    int      `json:"roots"`
	Blocked  []string `json:"blocked,omitempty"`
	Explain  string   `json:"explain"`
}

// TargetReport is a read-only autofill check: where the target is and
// whether the wanted option is on offer.
type TargetReport struct {
	Target  string   `json:"target"`
	Want    string   `json:"want"`
	Found   bool     `json:"found"`
	Current string   `json:"current,omitempty"`
	Options []string `json:"options,omitempty"`
	Offered bool     `json:"offered"`
	Explain string   `json:"explain"`
}

// SignalReport is the hold signal as the chain reads it.
type SignalReport struct {
	Present   bool     `json:"present"`
	Source    string   `json:"source,omitempty"`
	ElapsedMS int64    `json:"elapsed_ms"`
	Elapsed   string   `json:"elapsed"`
	Matched   bool     `json:"free_text_matched"`
	Detail    string   `json:"detail"`
	Blocked   []string `json:"blocked,omitempty"`
}

// ProbeReport is everything the features would see in one document.
type ProbeReport struct {
	Elements int            `json:"elements"`
	Queries  []QueryReport  `json:"queries"`
	Targets  []TargetReport `json:"targets"`
	Signal   SignalReport   `json:"signal"`
}

// Probe runs every query of the pack, the hold signal chain and a
// read-only autofill check against doc. Nothing is mutated.
func Probe(doc *dom.Node, s config.Settings, pack rules.Pack) ProbeReport {
	rep := ProbeReport{Elements: len(doc.Elements())}
	for _, q := range []locator.Query{pack.AssignTo, pack.AssignGroup, pack.Queue, pack.QueueOptions, pack.HoldTimer, pack.HostState} {
		rep.Queries = append(rep.Queries, queryReport(locator.Locate(q, doc)))
	}

	targets := autofill.Targets(pack, autofill.Defaults{
		AssignTo:   s.Autofill.AssignTo,
		Queue:      s.Autofill.Queue,
		HideAssign: s.Autofill.HideAssign,
		HideQueue:  s.Autofill.HideQueue,
	})
	for _, t := range targets {
		rep.Targets = append(rep.Targets, targetReport(doc, t))
	}

	r := signal.Chain{
		State:      signal.HostState{Query: pack.HostState, Attr: s.Hold.StateAttr},
		Structured: signal.NewStructured(pack.HoldTimer, s.Hold.DurationAttr),
	}.Extract(doc)
	rep.Signal = SignalReport{
		Present:   r.Present,
		Source:    string(r.Source),
		ElapsedMS: r.Value.Milliseconds(),
		Elapsed:   tracker.FormatElapsed(r.Value.Milliseconds()),
		Matched:   r.Matched,
		Detail:    r.Detail,
		Blocked:   r.Blocked,
	}
	return rep
}

func queryReport(res locator.Result) QueryReport {
	qr := QueryReport{
		Query:   res.Query,
		Found:   res.Found(),
		Hits:    len(res.Hits),
		Roots:   res.Roots,
		Blocked: res.Blocked,
		Explain: res.Explain(),
	}
	if res.Found() {
		qr.Rule = res.Best.RuleID
		qr.Score = res.Best.Score
		qr.Node = res.Best.Node.Describe()
		qr.Compared = res.Best.Compared
	}
	return qr
}

func targetReport(doc *dom.Node, t autofill.Target) TargetReport {
	res := locator.Locate(t.Query, doc)
	tr := TargetReport{Target: t.Name, Want: t.Value, Found: res.Found(), Explain: res.Explain()}
	if !res.Found() {
		return tr
	}
	n := res.Node()
	if t.Mode == autofill.ModeCheck {
		_, checked := n.Attr("checked")
		tr.Current = fmt.Sprint(checked)
		tr.Offered = true
		return tr
	}
	tr.Current, _ = n.Attr("value")
	if len(t.Options.Rules) == 0 {
		return tr
	}
	// Options that are already rendered, e.g. a native select.
	opts := locator.Locate(t.Options, n)
	seen := make(map[dom.Ref]bool)
	for _, h := range opts.Hits {
		label := strings.Join(strings.Fields(h.Node.TextContent()), " ")
		if label == "" || seen[h.Node.Ref] {
			continue
		}
		seen[h.Node.Ref] = true
		tr.Options = append(tr.Options, label)
		if dom.ContainsFold(label, t.Value) {
			tr.Offered = true
		}
	}
	return tr
}

// WriteText renders a report for a terminal.
func (r ProbeReport) WriteText(w io.Writer) {
	fmt.Fprintf(w, "elements: %d\n\nqueries:\n", r.Elements)
	for _, q := range r.Queries {
		fmt.Fprintf(w, "  %s\n", q.Explain)
	}
	fmt.Fprintln(w, "\nautofill targets:")
	for _, t := range r.Targets {
		state := "missing"
		if t.Found {
			state = "found, current=" + t.Current
		}
		fmt.Fprintf(w, "  %s want=%q %s", t.Target, t.Want, state)
		if len(t.Options) > 0 {
			fmt.Fprintf(w, " options=[%s] offered=%t", strings.Join(t.Options, ", "), t.Offered)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "\nhold signal:")
	if r.Signal.Present {
		fmt.Fprintf(w, "  %s %s (%d ms)\n", r.Signal.Source, r.Signal.Elapsed, r.Signal.ElapsedMS)
	} else {
		fmt.Fprintln(w, "  none")
	}
	fmt.Fprintf(w, "  free-text matched: %t\n  %s\n", r.Signal.Matched, r.Signal.Detail)
	if len(r.Signal.Blocked) > 0 {
		fmt.Fprintf(w, "  blocked: %s\n", strings.Join(r.Signal.Blocked, ", "))
	}
}
