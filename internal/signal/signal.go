// Package signal reads the volatile hold-duration signal out of a snapshot.
// Every extractor distinguishes "no signal" (not on hold, or nothing
// parseable) from a zero reading.
package signal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"deskpilot/internal/dom"
	"deskpilot/internal/locator"
	"deskpilot/internal/rules"
)

// ErrMalformedSignal means something looked like a duration but did not
// parse. Callers treat it as no signal for the tick.
var ErrMalformedSignal = eris.New("signal: malformed duration")

// Source names where a reading came from.
type Source string

const (
	SourceNone       Source = ""
	SourceHostState  Source = "host-state"
	SourceStructured Source = "structured"
	SourceFreeText   Source = "free-text"
)

// Reading is one sample. Present=false means no signal; Value is only
// meaningful when Present. Value is elapsed time for duration sources and
// zero for the host-state source, which has no duration of its own.
type Reading struct {
	Present bool
	Value   time.Duration
	Source  Source
	// Detail explains the outcome for diagnostics: rule and compared text,
	// or the reason nothing was read.
	Detail string
	// Matched is true when the free-text pattern matched, independent of
	// whether its value was used.
	Matched bool
	// Blocked lists closed sub-trees that were skipped.
	Blocked []string
}

// Absent builds a no-signal reading with a reason.
func Absent(detail string) Reading { return Reading{Detail: detail} }

var clockPattern = regexp.MustCompile(`^\s*(?:(\d{1,3}):)?(\d{1,3}):(\d{2})\s*$`)

// ParseClock parses "MM:SS" or "HH:MM:SS" into a duration. Seconds must be
// below 60, and so must minutes when hours are given.
func ParseClock(s string) (time.Duration, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, eris.Wrapf(ErrMalformedSignal, "%q", s)
	}
	var hours, mins, secs int
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	mins, _ = strconv.Atoi(m[2])
	secs, _ = strconv.Atoi(m[3])
	if secs >= 60 || (m[1] != "" && mins >= 60) {
		return 0, eris.Wrapf(ErrMalformedSignal, "%q out of range", s)
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second, nil
}

// Structured locates an element carrying the duration attribute and a
// nested "on hold" label, then parses the attribute. This is the primary,
// higher-confidence path.
type Structured struct {
	Query        locator.Query
	DurationAttr string
	Label        string
}

// NewStructured builds the extractor from the hold-timer rule pack query.
func NewStructured(q locator.Query, durationAttr string) Structured {
	return Structured{Query: q, DurationAttr: durationAttr, Label: "on hold"}
}

func (s Structured) query() locator.Query {
	q := rules.WithAttr(s.Query, s.DurationAttr)
	if s.Label != "" {
		q = rules.WithText(q, s.Label)
	}
	return q
}

// Extract reads the structured signal from doc.
func (s Structured) Extract(doc *dom.Node) (Reading, locator.Result) {
	res := locator.Locate(s.query(), doc)
	if !res.Found() {
		r := Absent(res.Explain())
		r.Blocked = res.Blocked
		return r, res
	}
	raw, _ := res.Node().Attr(s.DurationAttr)
	d, err := ParseClock(raw)
	if err != nil {
		r := Absent(fmt.Sprintf("%s: %v", res.Explain(), err))
		r.Blocked = res.Blocked
		return r, res
	}
	return Reading{
		Present: true,
		Value:   d,
		Source:  SourceStructured,
		Detail:  fmt.Sprintf("%s %s=%q", res.Explain(), s.DurationAttr, raw),
		Blocked: res.Blocked,
	}, res
}

var freeTextPattern = regexp.MustCompile(`(?i)call\s+on\s+hold\s*(\d{1,2}):(\d{2})`)

// FreeText scans the page's visible text for "Call on Hold MM:SS". It
// cannot see into closed sub-trees and is the degraded fallback.
func FreeText(doc *dom.Node) Reading {
	if doc == nil {
		return Absent("free-text: no document")
	}
	text := doc.VisibleText()
	m := freeTextPattern.FindStringSubmatch(text)
	if m == nil {
		return Absent("free-text: no \"Call on Hold mm:ss\" in page text")
	}
	mins, _ := strconv.Atoi(m[1])
	secs, _ := strconv.Atoi(m[2])
	if secs >= 60 {
		r := Absent(fmt.Sprintf("free-text: %q out of range", m[0]))
		r.Matched = true
		return r
	}
	return Reading{
		Present: true,
		Value:   time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second,
		Source:  SourceFreeText,
		Detail:  fmt.Sprintf("free-text: matched %q", m[0]),
		Matched: true,
	}
}

// HostState reads a state value the host publishes on an element (for
// example an interaction widget's state attribute). Any value containing
// "hold" means on hold. The boolean reports whether a state binding exists
// at all; without one the caller falls back to the duration extractors.
type HostState struct {
	Query locator.Query
	Attr  string
}

// Extract reads the state binding.
func (h HostState) Extract(doc *dom.Node) (Reading, bool) {
	if h.Attr == "" || len(h.Query.Rules) == 0 {
		return Absent("host-state: disabled"), false
	}
	res := locator.Locate(rules.WithAttr(h.Query, h.Attr), doc)
	if !res.Found() {
		return Absent(res.Explain()), false
	}
	state, _ := res.Node().Attr(h.Attr)
	state = strings.TrimSpace(state)
	if state == "" {
		return Absent("host-state: empty state"), false
	}
	if !dom.ContainsFold(state, "hold") {
		return Reading{Source: SourceHostState, Detail: fmt.Sprintf("host-state: %q (not on hold)", state)}, true
	}
	return Reading{
		Present: true,
		Source:  SourceHostState,
		Detail:  fmt.Sprintf("host-state: %q via %s", state, res.Best.RuleID),
	}, true
}

// Chain runs the extractors in priority order: a host state binding wins
// when one exists, then structured, then free text. When structured finds
// the timer it is used even if the free-text scan would disagree.
type Chain struct {
	State      HostState
	Structured Structured
}

// Extract returns the first available reading, plus whether the free-text
// pattern matched (for the diagnostics panel).
func (c Chain) Extract(doc *dom.Node) Reading {
	if r, bound := c.State.Extract(doc); bound {
		return r
	}
	structured, _ := c.Structured.Extract(doc)
	free := FreeText(doc)
	if structured.Present {
		structured.Matched = free.Matched
		return structured
	}
	free.Blocked = structured.Blocked
	if !free.Present {
		free.Detail = structured.Detail + "; " + free.Detail
	}
	return free
}
