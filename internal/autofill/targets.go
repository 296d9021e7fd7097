package autofill

import (
	"deskpilot/internal/locator"
	"deskpilot/internal/rules"
)

// Defaults holds the scheduling form defaults.
type Defaults struct {
	AssignTo   string // radio value, e.g. SELF; empty skips the target
	Queue      string // queue option label; empty skips the target
	HideAssign bool
	HideQueue  bool
}

// Targets builds the scheduling form targets from the rule pack: the
// assign-to radio first, then the queue select.
func Targets(pack rules.Pack, d Defaults) []Target {
	var out []Target
	if d.AssignTo != "" {
		q := pack.AssignTo
		if d.AssignTo != "SELF" {
			q = retarget(q, d.AssignTo)
		}
		out = append(out, Target{
			Name:      "assign_to",
			Query:     q,
			Value:     d.AssignTo,
			Mode:      ModeCheck,
			Hide:      d.HideAssign,
			HideQuery: pack.AssignGroup,
		})
	}
	if d.Queue != "" {
		out = append(out, Target{
			Name:    "queue",
			Query:   pack.Queue,
			Value:   d.Queue,
			Mode:    ModeValue,
			Hide:    d.HideQueue,
			Options: pack.QueueOptions,
		})
	}
	return out
}

// retarget rewrites value=SELF patterns in the assign query to another
// radio value.
func retarget(q locator.Query, value string) locator.Query {
	out := q
	out.Rules = make([]locator.Rule, len(q.Rules))
	for i, r := range q.Rules {
		attrs := make([]locator.AttrMatch, len(r.Attrs))
		for j, m := range r.Attrs {
			if m.Name == "value" && m.Op == locator.OpEquals {
				m.Value = value
			}
			attrs[j] = m
		}
		r.Attrs = attrs
		out.Rules[i] = r
	}
	return out
}
