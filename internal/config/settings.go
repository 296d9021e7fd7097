package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

// ErrUnknownKey is returned for a live key that does not exist.
var ErrUnknownKey = eris.New("config: unknown key")

// Settings are the parameters the host may change at runtime through the
// named keys. Features read them at the start of every tick.
type Settings struct {
	Autofill AutofillSettings `mapstructure:"autofill" json:"autofill"`
	Hold     HoldSettings     `mapstructure:"hold" json:"hold"`
	Poll     PollSettings     `mapstructure:"poll" json:"poll"`
}

type AutofillSettings struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Queue       string        `mapstructure:"queue" json:"queue"`
	AssignTo    string        `mapstructure:"assign_to" json:"assign_to"`
	HideQueue   bool          `mapstructure:"hide_queue" json:"hide_queue"`
	HideAssign  bool          `mapstructure:"hide_assign" json:"hide_assign"`
	OptionDelay time.Duration `mapstructure:"option_delay" json:"option_delay"`
}

type HoldSettings struct {
	Enabled   bool          `mapstructure:"enabled" json:"enabled"`
	Threshold time.Duration `mapstructure:"threshold" json:"threshold"`
	// Snooze zero keeps an acknowledgement until the hold resets.
	Snooze       time.Duration `mapstructure:"snooze" json:"snooze"`
	Mode         string        `mapstructure:"mode" json:"mode"` // direct | first_seen
	DurationAttr string        `mapstructure:"duration_attr" json:"duration_attr"`
	// StateAttr is read on the host-state element; empty disables that source.
	StateAttr string `mapstructure:"state_attr" json:"state_attr"`
}

type PollSettings struct {
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	AutofillInterval time.Duration `mapstructure:"autofill_interval" json:"autofill_interval"`
	// WatchInterval replaces AutofillInterval once every target converged.
	WatchInterval    time.Duration `mapstructure:"watch_interval" json:"watch_interval"`
}

// DefaultSettings mirrors the behaviour of the desktop before any override.
func DefaultSettings() Settings {
	return Settings{
		Autofill: AutofillSettings{
			Enabled:     true,
			Queue:       "Outdial_Q_EnterpriseSupport",
			AssignTo:    "SELF",
			HideQueue:   true,
			HideAssign:  true,
			OptionDelay: 120 * time.Millisecond,
		},
		Hold: HoldSettings{
			Enabled:      true,
			Threshold:    5 * time.Minute,
			Snooze:       0,
			Mode:         "direct",
			DurationAttr: "data-duration",
			StateAttr:    "state",
		},
		Poll: PollSettings{
			Interval:         time.Second,
			AutofillInterval: 500 * time.Millisecond,
			WatchInterval:    5 * time.Second,
		},
	}
}

const minInterval = 50 * time.Millisecond

// Validate checks ranges and enumerations.
func (s Settings) Validate() error {
	switch s.Hold.Mode {
	case "direct", "first_seen":
	default:
		return eris.Errorf("config: hold.mode %q must be direct or first_seen", s.Hold.Mode)
	}
	if s.Hold.Threshold < 0 {
		return eris.New("config: hold.threshold must not be negative")
	}
	if s.Hold.Snooze < 0 {
		return eris.New("config: hold.snooze must not be negative")
	}
	if s.Hold.DurationAttr == "" {
		return eris.New("config: hold.duration_attr is required")
	}
	if s.Autofill.OptionDelay < 0 || s.Autofill.OptionDelay > 10*time.Second {
		return eris.Errorf("config: autofill.option_delay %s out of range", s.Autofill.OptionDelay)
	}
	if s.Poll.Interval < minInterval || s.Poll.AutofillInterval < minInterval || s.Poll.WatchInterval < minInterval {
		return eris.Errorf("config: poll intervals must be at least %s", minInterval)
	}
	return nil
}

type keySpec struct {
	get func(*Settings) string
	set func(*Settings, string) error
}

func boolKey(field func(*Settings) *bool) keySpec {
	return keySpec{
		get: func(s *Settings) string { return strconv.FormatBool(*field(s)) },
		set: func(s *Settings, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return eris.Wrapf(err, "want a boolean, got %q", v)
			}
			*field(s) = b
			return nil
		},
	}
}

func stringKey(field func(*Settings) *string) keySpec {
	return keySpec{
		get: func(s *Settings) string { return *field(s) },
		set: func(s *Settings, v string) error {
			*field(s) = strings.TrimSpace(v)
			return nil
		},
	}
}

// durationKey accepts Go durations ("90s") and bare milliseconds ("90000").
func durationKey(field func(*Settings) *time.Duration) keySpec {
	return keySpec{
		get: func(s *Settings) string { return field(s).String() },
		set: func(s *Settings, v string) error {
			v = strings.TrimSpace(v)
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				*field(s) = time.Duration(ms) * time.Millisecond
				return nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return eris.Wrapf(err, "want a duration, got %q", v)
			}
			*field(s) = d
			return nil
		},
	}
}

var keys = map[string]keySpec{
	"autofill.enabled":       boolKey(func(s *Settings) *bool { return &s.Autofill.Enabled }),
	"autofill.queue":         stringKey(func(s *Settings) *string { return &s.Autofill.Queue }),
	"autofill.assign_to":     stringKey(func(s *Settings) *string { return &s.Autofill.AssignTo }),
	"autofill.hide_queue":    boolKey(func(s *Settings) *bool { return &s.Autofill.HideQueue }),
	"autofill.hide_assign":   boolKey(func(s *Settings) *bool { return &s.Autofill.HideAssign }),
	"autofill.option_delay":  durationKey(func(s *Settings) *time.Duration { return &s.Autofill.OptionDelay }),
	"hold.enabled":           boolKey(func(s *Settings) *bool { return &s.Hold.Enabled }),
	"hold.threshold":         durationKey(func(s *Settings) *time.Duration { return &s.Hold.Threshold }),
	"hold.snooze":            durationKey(func(s *Settings) *time.Duration { return &s.Hold.Snooze }),
	"hold.mode":              stringKey(func(s *Settings) *string { return &s.Hold.Mode }),
	"hold.duration_attr":     stringKey(func(s *Settings) *string { return &s.Hold.DurationAttr }),
	"hold.state_attr":        stringKey(func(s *Settings) *string { return &s.Hold.StateAttr }),
	"poll.interval":          durationKey(func(s *Settings) *time.Duration { return &s.Poll.Interval }),
	"poll.autofill_interval": durationKey(func(s *Settings) *time.Duration { return &s.Poll.AutofillInterval }),
	"poll.watch_interval":    durationKey(func(s *Settings) *time.Duration { return &s.Poll.WatchInterval }),
}

// Keys lists the live keys in sorted order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Live holds the current Settings. Reads are lock-free; writers are
// serialized and swap a validated copy in whole.
type Live struct {
	mu  sync.Mutex
	cur atomic.Pointer[Settings]
	ver atomic.Int64
}

// NewLive starts from s, which must be valid.
func NewLive(s Settings) *Live {
	l := &Live{}
	l.cur.Store(&s)
	return l
}

// Current returns a copy of the current settings.
func (l *Live) Current() Settings { return *l.cur.Load() }

// Version increments on every accepted change.
func (l *Live) Version() int64 { return l.ver.Load() }

// Get renders one key.
func (l *Live) Get(key string) (string, error) {
	spec, ok := keys[key]
	if !ok {
		return "", eris.Wrap(ErrUnknownKey, key)
	}
	s := l.Current()
	return spec.get(&s), nil
}

// Set parses value into key, validates the result and publishes it. The
// change is seen by the next tick of every feature.
func (l *Live) Set(key, value string) (Settings, error) {
	spec, ok := keys[key]
	if !ok {
		return l.Current(), eris.Wrap(ErrUnknownKey, key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.Current()
	if err := spec.set(&next, value); err != nil {
		return l.Current(), eris.Wrapf(err, "config: %s", key)
	}
	if err := next.Validate(); err != nil {
		return l.Current(), err
	}
	l.cur.Store(&next)
	l.ver.Add(1)
	return next, nil
}

// Replace publishes a whole settings value, e.g. after a file reload.
func (l *Live) Replace(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cur.Store(&s)
	l.ver.Add(1)
	return nil
}

// Snapshot renders every key, for status output.
func (l *Live) Snapshot() map[string]string {
	s := l.Current()
	out := make(map[string]string, len(keys))
	for k, spec := range keys {
		out[k] = spec.get(&s)
	}
	return out
}
