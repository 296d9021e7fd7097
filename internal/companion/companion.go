// Package companion runs the two desktop features against one host: the
// scheduling form autofill and the hold alert, each on its own tick loop.
package companion

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/autofill"
	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/holdalert"
	"deskpilot/internal/host"
	"deskpilot/internal/journal"
	"deskpilot/internal/poller"
	"deskpilot/internal/recorder"
	"deskpilot/internal/rules"
)

// Options wires a companion. Host, Banner and Live are required.
type Options struct {
	Host     host.Host
	Banner   host.Banner
	Live     *config.Live
	Pack     rules.Pack
	Diag     *diag.Engine
	Recorder *recorder.Recorder
	Journal  *journal.Journal
	Log      *zap.Logger
}

// OutcomeStatus is one autofill outcome as shown to operators.
type OutcomeStatus struct {
	autofill.Outcome
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// FillStatus is the diagnostics snapshot of the last autofill tick.
type FillStatus struct {
	Tick     int64           `json:"tick"`
	At       time.Time       `json:"at"`
	Enabled  bool            `json:"enabled"`
	Applied  bool            `json:"applied"`
	Watching bool            `json:"watching"`
	Outcomes []OutcomeStatus `json:"outcomes,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Status combines both features.
type Status struct {
	Hold     holdalert.Status `json:"hold"`
	Autofill FillStatus       `json:"autofill"`
	Running  bool             `json:"running"`
}

// Companion owns the feature instances and their loops.
type Companion struct {
	opts Options
	log  *zap.Logger

	hold     *holdalert.Feature
	fill     *autofill.Applier
	holdLoop *poller.Loop
	fillLoop *poller.Loop

	throttle *poller.Throttle
	now      func() time.Time

	// fill tick state, owned by the fill loop
	fillTick int64
	last     map[string]string

	fillStatus atomic.Pointer[FillStatus]
	converged  atomic.Bool
}

// New builds a stopped companion.
func New(o Options) (*Companion, error) {
	if o.Host == nil || o.Banner == nil || o.Live == nil {
		return nil, eris.New("companion: host, banner and live settings are required")
	}
	if o.Log == nil {
		o.Log = zap.L()
	}
	c := &Companion{
		opts:     o,
		log:      o.Log.Named("companion"),
		fill:     autofill.New(o.Host, o.Log),
		throttle: poller.NewThrottle(time.Minute),
		now:      time.Now,
		last:     make(map[string]string),
	}
	c.hold = holdalert.New(o.Host, o.Banner, o.Live, o.Pack, holdalert.Deps{
		Diag:     o.Diag,
		Recorder: o.Recorder,
		Journal:  o.Journal,
		Log:      o.Log,
	})
	c.holdLoop = poller.New("hold", func() time.Duration { return o.Live.Current().Poll.Interval }, c.hold.Tick, o.Log)
	c.fillLoop = poller.New("autofill", c.fillInterval, c.tickAutofill, o.Log)
	c.hold.SetWaker(c.holdLoop.Wake)
	c.fillStatus.Store(&FillStatus{})
	return c, nil
}

// Start launches both loops.
func (c *Companion) Start(ctx context.Context) error {
	if err := c.holdLoop.Start(ctx); err != nil {
		return err
	}
	if err := c.fillLoop.Start(ctx); err != nil {
		c.holdLoop.Stop()
		return err
	}
	return nil
}

// Stop stops both loops; no tick runs after it returns.
func (c *Companion) Stop() {
	c.fillLoop.Stop()
	c.holdLoop.Stop()
}

// Running reports whether the loops are live.
func (c *Companion) Running() bool {
	return c.holdLoop.Running() && c.fillLoop.Running()
}

// Ack forwards a user acknowledgement to the hold alert.
func (c *Companion) Ack() { c.hold.Ack() }

// Live returns the live settings store.
func (c *Companion) Live() *config.Live { return c.opts.Live }

// Status returns the latest snapshot of both features.
func (c *Companion) Status() Status {
	return Status{
		Hold:     c.hold.Status(),
		Autofill: *c.fillStatus.Load(),
		Running:  c.Running(),
	}
}

// ProbeLive runs Probe against the current host document.
func (c *Companion) ProbeLive(ctx context.Context) (ProbeReport, error) {
	doc, err := c.opts.Host.Snapshot(ctx)
	if err != nil {
		return ProbeReport{}, eris.Wrap(err, "companion: snapshot")
	}
	return Probe(doc, c.opts.Live.Current(), c.opts.Pack), nil
}

// fillInterval backs off to the watch interval while the form stays applied.
func (c *Companion) fillInterval() time.Duration {
	p := c.opts.Live.Current().Poll
	if c.converged.Load() {
		return p.WatchInterval
	}
	return p.AutofillInterval
}

func (c *Companion) tickAutofill(ctx context.Context) error {
	c.fillTick++
	now := c.now()
	s := c.opts.Live.Current().Autofill

	st := &FillStatus{Tick: c.fillTick, At: now, Enabled: s.Enabled}
	if !s.Enabled {
		c.converged.Store(false)
		c.fillStatus.Store(st)
		return nil
	}

	c.fill.SetTargets(autofill.Targets(c.opts.Pack, autofill.Defaults{
		AssignTo:   s.AssignTo,
		Queue:      s.Queue,
		HideAssign: s.HideAssign,
		HideQueue:  s.HideQueue,
	}))
	c.fill.SetOptionDelay(s.OptionDelay)

	rep := c.fill.Apply(ctx)
	c.converged.Store(rep.Applied && rep.Err == nil)
	st.Applied, st.Watching = rep.Applied, rep.Watching
	if rep.Err != nil {
		st.Error = rep.Err.Error()
		c.fillStatus.Store(st)
		return rep.Err
	}
	for _, o := range rep.Outcomes {
		out := OutcomeStatus{Outcome: o, Result: diag.OutcomeName(o)}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		st.Outcomes = append(st.Outcomes, out)
		c.noteOutcome(ctx, out, now)
	}
	c.fillStatus.Store(st)

	if !rep.Watching {
		c.opts.Diag.Emit(ctx, diag.AutofillFacts(rep, c.fillTick, now)...)
		if err := c.opts.Recorder.Record("autofill", c.fillTick, "apply", st); err != nil && c.throttle.Allow("trace") {
			c.log.Warn("trace write failed", zap.Error(err))
		}
	}
	return nil
}

// noteOutcome logs and journals an outcome when it differs from the last
// one seen for the target, so a form that stays closed is one line.
func (c *Companion) noteOutcome(ctx context.Context, o OutcomeStatus, now time.Time) {
	key := o.Result + "|" + string(o.Channel)
	if c.last[o.Target] == key {
		return
	}
	c.last[o.Target] = key

	fields := []zap.Field{
		zap.String("target", o.Target),
		zap.String("result", o.Result),
		zap.String("channel", string(o.Channel)),
		zap.String("detail", o.Detail),
	}
	switch o.Result {
	case "applied", "converged":
		c.log.Info("autofill", fields...)
	case "not-found":
		c.log.Debug("autofill", fields...)
	default:
		c.log.Warn("autofill", append(fields, zap.Strings("labels", o.Labels), zap.String("error", o.Error))...)
	}

	detail := o.Detail
	if len(o.Labels) > 0 {
		detail = "offered: " + strings.Join(o.Labels, ", ")
	}
	if err := c.opts.Journal.RecordOutcome(ctx, journal.Outcome{
		At:      now,
		Target:  o.Target,
		Channel: string(o.Channel),
		Outcome: o.Result,
		Detail:  detail,
	}); err != nil {
		c.log.Warn("journal outcome", zap.Error(err))
	}
}
