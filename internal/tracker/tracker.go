// Package tracker turns irregular samples of a volatile duration into a
// small session state machine with idempotent banner side effects.
//
//	Idle --present--> Active --elapsed>=threshold--> Alerting --ack--> Acknowledged
//	Acknowledged --snooze expired--> Active
//	Acknowledged --value decreased--> Active (fresh)
//	any --absent--> Idle
//
// A Tracker is not safe for concurrent use; it belongs to one tick loop.
package tracker

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// State is the session state.
type State int

const (
	Idle State = iota
	Active
	Alerting
	Acknowledged
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Alerting:
		return "alerting"
	case Acknowledged:
		return "acknowledged"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode selects how elapsed time is derived from samples.
type Mode string

const (
	// ModeDirect: the sample value is the elapsed duration (a displayed timer).
	ModeDirect Mode = "direct"
	// ModeFirstSeen: elapsed is now minus the first sighting; the value is an
	// opaque counter only used to detect resets.
	ModeFirstSeen Mode = "first_seen"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeFirstSeen:
		return Mode(s), nil
	case "":
		return ModeDirect, nil
	}
	return "", eris.Errorf("tracker: unknown mode %q (want direct or first_seen)", s)
}

// Config holds the alerting parameters. Snooze zero means an ack holds
// until the signal resets.
type Config struct {
	Threshold time.Duration
	Snooze    time.Duration
	Mode      Mode
}

// Sample is one reading. Present=false is "no signal", which is not the
// same as a zero value.
type Sample struct {
	Present bool
	Value   time.Duration
	// FirstSeen forces first-seen derivation for sources that carry no
	// duration of their own.
	FirstSeen bool
}

// Snapshot is the derived state after an observation.
type Snapshot struct {
	State     State
	Elapsed   time.Duration
	StartedAt time.Time
	// Until is the snooze deadline while Acknowledged; zero means until
	// the signal resets.
	Until time.Time
	Last  time.Duration
	Mode  Mode
}

// Effects are the side effects the caller must apply. They are edge
// triggered: a repeated identical observation yields no effects.
type Effects struct {
	Show bool   // show the banner, or refresh its text
	Hide bool   // hide the banner
	Text string // elapsed text to display when Show

	Changed bool // the state changed on this call
	From    State
	Reset   bool // the value decreased: a new session began
}

// Tracker owns one session.
type Tracker struct {
	cfg Config

	state     State
	startedAt time.Time
	last      time.Duration
	hasLast   bool
	mode      Mode
	until     time.Time

	shown     bool
	shownText string
}

// New creates an idle tracker.
func New(cfg Config) *Tracker {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	return &Tracker{cfg: cfg}
}

// SetConfig replaces the parameters. They apply from the next Observe; a
// running snooze keeps its deadline, and a mode change starts a fresh
// session.
func (t *Tracker) SetConfig(cfg Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	t.cfg = cfg
}

// Config returns the current parameters.
func (t *Tracker) Config() Config { return t.cfg }

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// Observe feeds one sample taken at now.
func (t *Tracker) Observe(s Sample, now time.Time) (Snapshot, Effects) {
	from := t.state
	var fx Effects

	if !s.Present {
		t.clear()
		return t.finish(from, now, fx)
	}

	mode := t.cfg.Mode
	if s.FirstSeen {
		mode = ModeFirstSeen
	}

	switch {
	case t.state == Idle:
		t.begin(s.Value, mode, now)
	case t.hasLast && s.Value < t.last:
		t.begin(s.Value, mode, now)
		fx.Reset = true
	case mode != t.mode:
		t.begin(s.Value, mode, now)
	}
	t.last, t.hasLast = s.Value, true

	if t.state == Acknowledged && !t.until.IsZero() && !now.Before(t.until) {
		t.state = Active
		t.until = time.Time{}
	}
	if t.state == Active && t.elapsed(now) >= t.cfg.Threshold {
		t.state = Alerting
	}
	return t.finish(from, now, fx)
}

// Ack applies the user acknowledgement. It is accepted at any time and only
// changes anything while Alerting; the boolean reports whether it did.
func (t *Tracker) Ack(now time.Time) (Snapshot, Effects, bool) {
	from := t.state
	if t.state != Alerting {
		snap, fx := t.finish(from, now, Effects{})
		return snap, fx, false
	}
	t.state = Acknowledged
	if t.cfg.Snooze > 0 {
		t.until = now.Add(t.cfg.Snooze)
	} else {
		t.until = time.Time{}
	}
	snap, fx := t.finish(from, now, Effects{})
	return snap, fx, true
}

// Snapshot reports the state as of now without changing it.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		State:     t.state,
		Elapsed:   t.elapsed(now),
		StartedAt: t.startedAt,
		Until:     t.until,
		Last:      t.last,
		Mode:      t.mode,
	}
}

func (t *Tracker) begin(v time.Duration, mode Mode, now time.Time) {
	t.state = Active
	t.mode = mode
	t.until = time.Time{}
	if mode == ModeDirect {
		t.startedAt = now.Add(-v)
	} else {
		t.startedAt = now
	}
}

func (t *Tracker) clear() {
	t.state = Idle
	t.startedAt = time.Time{}
	t.until = time.Time{}
	t.last, t.hasLast = 0, false
	t.mode = ""
}

func (t *Tracker) elapsed(now time.Time) time.Duration {
	switch {
	case t.state == Idle:
		return 0
	case t.mode == ModeDirect:
		return t.last
	default:
		if d := now.Sub(t.startedAt); d > 0 {
			return d
		}
		return 0
	}
}

// finish computes the banner edge and fills the snapshot.
func (t *Tracker) finish(from State, now time.Time, fx Effects) (Snapshot, Effects) {
	snap := t.Snapshot(now)
	fx.From = from
	fx.Changed = from != t.state

	if t.state == Alerting {
		text := FormatElapsed(snap.Elapsed.Milliseconds())
		if !t.shown || text != t.shownText {
			fx.Show, fx.Text = true, text
			t.shown, t.shownText = true, text
		}
	} else if t.shown {
		fx.Hide = true
		t.shown, t.shownText = false, ""
	}
	return snap, fx
}

// FormatElapsed renders elapsed milliseconds as m:ss. Pure.
func FormatElapsed(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
