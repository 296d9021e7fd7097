// Package holdalert is the hold-duration alert: every tick it reads the hold
// signal from the host document, feeds it to the session tracker and applies
// the banner side effects. Acknowledgements arrive from any goroutine and are
// applied inside the next tick.
package holdalert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/host"
	"deskpilot/internal/journal"
	"deskpilot/internal/poller"
	"deskpilot/internal/recorder"
	"deskpilot/internal/rules"
	"deskpilot/internal/signal"
	"deskpilot/internal/tracker"
)

const feature = "hold"

// Status is the diagnostics snapshot of the last tick.
type Status struct {
	Tick      int64      `json:"tick"`
	At        time.Time  `json:"at"`
	Enabled   bool       `json:"enabled"`
	State     string     `json:"state"`
	Mode      string     `json:"mode,omitempty"`
	Present   bool       `json:"present"`
	Source    string     `json:"source,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
	Elapsed   string     `json:"elapsed"`
	Threshold string     `json:"threshold"`
	Matched   bool       `json:"free_text_matched"`
	Detail    string     `json:"detail,omitempty"`
	Blocked   []string   `json:"blocked,omitempty"`
	Until     *time.Time `json:"snoozed_until,omitempty"`
	Banner    bool       `json:"banner"`
	Session   string     `json:"session,omitempty"`
}

// Deps are the optional collaborators. Nil members are skipped.
type Deps struct {
	Diag     *diag.Engine
	Recorder *recorder.Recorder
	Journal  *journal.Journal
	Log      *zap.Logger
}

// Feature owns one tracker. Tick must only be called from one goroutine;
// Ack and Status are safe from anywhere.
type Feature struct {
	host   host.Host
	banner host.Banner
	live   *config.Live
	pack   rules.Pack
	deps   Deps
	log    *zap.Logger

	tracker  *tracker.Tracker
	throttle *poller.Throttle
	now      func() time.Time

	mu   sync.Mutex
	wake func()
	acks chan struct{}

	tick      int64
	session   string
	started   time.Time
	elapsed   time.Duration
	bannerErr bool
	status    atomic.Pointer[Status]
}

// New builds an idle feature.
func New(h host.Host, b host.Banner, live *config.Live, pack rules.Pack, deps Deps) *Feature {
	log := deps.Log
	if log == nil {
		log = zap.L()
	}
	f := &Feature{
		host:     h,
		banner:   b,
		live:     live,
		pack:     pack,
		deps:     deps,
		log:      log.Named("holdalert"),
		tracker:  tracker.New(tracker.Config{}),
		throttle: poller.NewThrottle(time.Minute),
		now:      time.Now,
		acks:     make(chan struct{}, 16),
	}
	f.status.Store(&Status{State: tracker.Idle.String(), Elapsed: tracker.FormatElapsed(0)})
	return f
}

// SetWaker registers the function Ack calls so the acknowledgement is
// applied without waiting a full interval, typically the poller's Wake.
func (f *Feature) SetWaker(wake func()) {
	f.mu.Lock()
	f.wake = wake
	f.mu.Unlock()
}

// Ack queues a user acknowledgement. It is accepted in any state.
func (f *Feature) Ack() {
	select {
	case f.acks <- struct{}{}:
	default:
		// A burst of clicks is one acknowledgement.
	}
	f.mu.Lock()
	wake := f.wake
	f.mu.Unlock()
	if wake != nil {
		wake()
	}
}

// Status returns the last published snapshot.
func (f *Feature) Status() Status {
	return *f.status.Load()
}

// Tick runs one pass: apply queued acks, read the signal, observe, apply
// banner effects and publish diagnostics.
func (f *Feature) Tick(ctx context.Context) error {
	f.tick++
	now := f.now()
	s := f.live.Current().Hold

	mode, err := tracker.ParseMode(s.Mode)
	if err != nil {
		return err
	}
	f.tracker.SetConfig(tracker.Config{Threshold: s.Threshold, Snooze: s.Snooze, Mode: mode})

	var facts []diag.Fact
	for drained := false; !drained; {
		select {
		case <-f.acks:
			from := f.tracker.State()
			snap, fx, accepted := f.tracker.Ack(now)
			f.log.Info("ack", zap.Stringer("state", from), zap.Bool("accepted", accepted))
			facts = append(facts, diag.AckFact(from, accepted, f.tick, now))
			if accepted {
				facts = append(facts, diag.StateFact(from, snap.State, snap.Elapsed, f.tick, now))
				if err := f.deps.Journal.Acked(ctx, f.session); err != nil {
					f.log.Warn("journal ack", zap.Error(err))
				}
			}
			f.applyBanner(ctx, fx)
		default:
			drained = true
		}
	}

	var reading signal.Reading
	if !s.Enabled {
		reading = signal.Absent("hold alert disabled")
	} else {
		doc, err := f.host.Snapshot(ctx)
		if err != nil {
			f.deps.Diag.Emit(ctx, facts...)
			return eris.Wrap(err, "holdalert: snapshot")
		}
		reading = f.chain(s).Extract(doc)
	}
	facts = append(facts, diag.SignalFacts(reading, f.pack.HoldTimer.Name, f.tick, now)...)

	snap, fx := f.tracker.Observe(tracker.Sample{
		Present:   reading.Present,
		Value:     reading.Value,
		FirstSeen: reading.Source == signal.SourceHostState,
	}, now)

	if fx.Changed || fx.Reset {
		facts = append(facts, diag.StateFact(fx.From, snap.State, snap.Elapsed, f.tick, now))
		f.log.Info("hold state",
			zap.Stringer("from", fx.From),
			zap.Stringer("to", snap.State),
			zap.Bool("reset", fx.Reset),
			zap.String("source", string(reading.Source)),
			zap.Duration("elapsed", snap.Elapsed))
	}
	if !reading.Present && f.throttle.Allow(reading.Detail) {
		f.log.Debug("no hold signal", zap.String("detail", reading.Detail), zap.Strings("blocked", reading.Blocked))
	}

	f.journalSession(ctx, snap, fx, reading.Source, now)
	f.applyBanner(ctx, fx)
	if f.bannerErr && snap.State == tracker.Alerting && !fx.Show {
		f.applyBanner(ctx, tracker.Effects{Show: true, Text: tracker.FormatElapsed(snap.Elapsed.Milliseconds())})
	}

	st := f.publish(snap, reading, s, now)
	f.deps.Diag.Emit(ctx, facts...)
	if err := f.deps.Recorder.Record(feature, f.tick, "tick", st); err != nil && f.throttle.Allow("trace") {
		f.log.Warn("trace write failed", zap.Error(err))
	}
	return nil
}

func (f *Feature) chain(s config.HoldSettings) signal.Chain {
	return signal.Chain{
		State:      signal.HostState{Query: f.pack.HostState, Attr: s.StateAttr},
		Structured: signal.NewStructured(f.pack.HoldTimer, s.DurationAttr),
	}
}

// BannerText is the alert message for an elapsed m:ss text.
func BannerText(elapsed string) string {
	return fmt.Sprintf("Call has been on hold too long (%s)", elapsed)
}

func (f *Feature) applyBanner(ctx context.Context, fx tracker.Effects) {
	var err error
	switch {
	case fx.Show:
		err = f.banner.Show(ctx, BannerText(fx.Text))
	case fx.Hide:
		err = f.banner.Hide(ctx)
	default:
		return
	}
	f.bannerErr = err != nil && fx.Show
	if err != nil {
		f.log.Warn("banner", zap.Bool("show", fx.Show), zap.Error(err))
	}
}

// journalSession keeps one history row per hold session. A session starts
// when the tracker begins timing and ends on absence or a reset.
func (f *Feature) journalSession(ctx context.Context, snap tracker.Snapshot, fx tracker.Effects, src signal.Source, now time.Time) {
	j := f.deps.Journal
	newSession := snap.State != tracker.Idle && !snap.StartedAt.Equal(f.started)

	if f.session != "" && (snap.State == tracker.Idle || newSession) {
		reason := "absent"
		if fx.Reset {
			reason = "reset"
		} else if newSession {
			reason = "restarted"
		}
		if err := j.Progress(ctx, f.session, f.elapsed); err != nil {
			f.log.Warn("journal progress", zap.Error(err))
		}
		if err := j.EndHold(ctx, f.session, now, reason); err != nil {
			f.log.Warn("journal end", zap.Error(err))
		}
		f.session = ""
	}
	if snap.State == tracker.Idle {
		f.started, f.elapsed = time.Time{}, 0
		return
	}
	if newSession {
		f.started = snap.StartedAt
		id, err := j.BeginHold(ctx, now, string(src))
		if err != nil {
			f.log.Warn("journal begin", zap.Error(err))
		}
		f.session = id
	}
	f.elapsed = snap.Elapsed
	if fx.Changed && snap.State == tracker.Alerting {
		if err := j.Progress(ctx, f.session, snap.Elapsed); err != nil {
			f.log.Warn("journal progress", zap.Error(err))
		}
		if err := j.Alerted(ctx, f.session, now); err != nil {
			f.log.Warn("journal alert", zap.Error(err))
		}
	}
}

func (f *Feature) publish(snap tracker.Snapshot, r signal.Reading, s config.HoldSettings, now time.Time) *Status {
	st := &Status{
		Tick:      f.tick,
		At:        now,
		Enabled:   s.Enabled,
		State:     snap.State.String(),
		Mode:      string(snap.Mode),
		Present:   r.Present,
		Source:    string(r.Source),
		ElapsedMS: snap.Elapsed.Milliseconds(),
		Elapsed:   tracker.FormatElapsed(snap.Elapsed.Milliseconds()),
		Threshold: s.Threshold.String(),
		Matched:   r.Matched,
		Detail:    r.Detail,
		Blocked:   r.Blocked,
		Banner:    snap.State == tracker.Alerting,
		Session:   f.session,
	}
	if snap.State == tracker.Acknowledged && !snap.Until.IsZero() {
		until := snap.Until
		st.Until = &until
	}
	f.status.Store(st)
	return st
}
