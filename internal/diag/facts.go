package diag

import (
	"time"

	"github.com/rotisserie/eris"

	"deskpilot/internal/autofill"
	"deskpilot/internal/locator"
	"deskpilot/internal/signal"
	"deskpilot/internal/tracker"
)

// LocateFacts describes a locator result: the winning hit, or the miss and
// every closed sub-tree that was skipped.
func LocateFacts(res locator.Result, tick int64, now time.Time) []Fact {
	var out []Fact
	if res.Found() {
		out = append(out, Fact{
			Predicate: "locate_hit",
			Args:      []interface{}{res.Query, res.Best.RuleID, res.Best.Node.Describe(), int64(res.Best.Score), tick},
			Timestamp: now,
		})
	} else {
		reason := "not-found"
		if len(res.Blocked) > 0 {
			reason = "blocked"
		}
		out = append(out, Fact{Predicate: "locate_miss", Args: []interface{}{res.Query, reason, tick}, Timestamp: now})
	}
	for _, host := range res.Blocked {
		out = append(out, Fact{Predicate: "shadow_blocked", Args: []interface{}{res.Query, host, tick}, Timestamp: now})
	}
	return out
}

// SignalFacts describes one reading.
func SignalFacts(r signal.Reading, query string, tick int64, now time.Time) []Fact {
	var out []Fact
	if r.Present {
		out = append(out, Fact{
			Predicate: "signal_read",
			Args:      []interface{}{string(r.Source), r.Value.Milliseconds(), r.Matched, tick},
			Timestamp: now,
		})
	} else {
		out = append(out, Fact{Predicate: "signal_absent", Args: []interface{}{r.Detail, tick}, Timestamp: now})
	}
	for _, host := range r.Blocked {
		out = append(out, Fact{Predicate: "shadow_blocked", Args: []interface{}{query, host, tick}, Timestamp: now})
	}
	return out
}

// StateFact records a tracker transition.
func StateFact(from, to tracker.State, elapsed time.Duration, tick int64, now time.Time) Fact {
	return Fact{
		Predicate: "hold_state",
		Args:      []interface{}{from.String(), to.String(), elapsed.Milliseconds(), tick},
		Timestamp: now,
	}
}

// AckFact records an acknowledgement and whether it changed anything.
func AckFact(state tracker.State, accepted bool, tick int64, now time.Time) Fact {
	return Fact{Predicate: "ack_event", Args: []interface{}{state.String(), accepted, tick}, Timestamp: now}
}

// AutofillFacts describes every outcome of one Apply.
func AutofillFacts(rep autofill.Report, tick int64, now time.Time) []Fact {
	var out []Fact
	for _, o := range rep.Outcomes {
		out = append(out, Fact{
			Predicate: "autofill_result",
			Args:      []interface{}{o.Target, string(o.Channel), OutcomeName(o), tick},
			Timestamp: now,
		})
		for _, l := range o.Labels {
			out = append(out, Fact{Predicate: "option_label", Args: []interface{}{o.Target, l, tick}, Timestamp: now})
		}
	}
	return out
}

// OutcomeName classifies an autofill outcome for facts and history.
func OutcomeName(o autofill.Outcome) string {
	switch {
	case o.Err == nil && o.Converged:
		return "converged"
	case o.Err == nil:
		return "applied"
	case eris.Is(o.Err, locator.ErrEncapsulationBlocked):
		return "blocked"
	case eris.Is(o.Err, locator.ErrNotFound):
		return "not-found"
	case eris.Is(o.Err, autofill.ErrOptionMissing):
		return "option-missing"
	case eris.Is(o.Err, autofill.ErrAmbiguousChannel):
		return "ambiguous"
	default:
		return "error"
	}
}
