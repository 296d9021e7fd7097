package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deskpilot/internal/config"
	"deskpilot/internal/diag"
	"deskpilot/internal/journal"
)

type StatusTool struct {
	ctl Controller
}

func (t *StatusTool) Name() string { return "status" }
func (t *StatusTool) Description() string {
	return `Report what both desktop features see right now.

Hold alert: tracker state (idle/active/alerting/acknowledged), signal source
(host-state, structured, free-text), parsed elapsed time, whether the
"Call on Hold mm:ss" text matched, encapsulated hosts that blocked the
lookup, and whether the banner is up.

Autofill: whether the scheduling form was applied or is being watched, and
per target the channel used and the offered option labels on a miss.

Returns: {hold, autofill, running, settings}.`
}
func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	st := t.ctl.Status()
	return map[string]interface{}{
		"hold":     st.Hold,
		"autofill": st.Autofill,
		"running":  st.Running,
		"settings": t.ctl.Live().Snapshot(),
	}, nil
}

type AckTool struct {
	ctl Controller
}

func (t *AckTool) Name() string { return "ack" }
func (t *AckTool) Description() string {
	return `Acknowledge the hold alert, same as clicking Ack on the banner.

Only meaningful while the alert is showing; otherwise it is recorded and
changes nothing. Takes effect on the next hold tick, which is triggered
immediately.`
}
func (t *AckTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *AckTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	before := t.ctl.Status().Hold.State
	t.ctl.Ack()
	return map[string]interface{}{"queued": true, "state": before}, nil
}

type ConfigGetTool struct {
	ctl Controller
}

func (t *ConfigGetTool) Name() string { return "config-get" }
func (t *ConfigGetTool) Description() string {
	return `Read live configuration keys.

Without "key" returns every key. Keys: ` + keyList() + `.`
}
func (t *ConfigGetTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Optional key, e.g. hold.threshold",
				"enum":        config.Keys(),
			},
		},
	}
}
func (t *ConfigGetTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	live := t.ctl.Live()
	key := getStringArg(args, "key")
	if key == "" {
		return map[string]interface{}{"settings": live.Snapshot(), "version": live.Version()}, nil
	}
	v, err := live.Get(key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key, "value": v}, nil
}

type ConfigSetTool struct {
	ctl Controller
	log *zap.Logger
}

func (t *ConfigSetTool) Name() string { return "config-set" }
func (t *ConfigSetTool) Description() string {
	return `Change a live configuration key. The next tick of each feature uses
the new value; nothing restarts.

Values are strings: booleans "true"/"false", durations like "90s" or "5m",
hold.mode "direct" or "first_seen". Invalid values are rejected and the
previous setting stays in force.

Returns: {key, value, version}.`
}
func (t *ConfigSetTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type": "string",
				"enum": config.Keys(),
			},
			"value": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"key", "value"},
	}
}
func (t *ConfigSetTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	key := getStringArg(args, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if _, ok := args["value"]; !ok {
		return nil, fmt.Errorf("value is required")
	}
	return setLive(t.ctl.Live(), t.log, key, getStringArg(args, "value"))
}

func setLive(live *config.Live, log *zap.Logger, key, value string) (map[string]interface{}, error) {
	if _, err := live.Set(key, value); err != nil {
		return nil, err
	}
	got, _ := live.Get(key)
	log.Info("setting changed", zap.String("key", key), zap.String("value", got))
	return map[string]interface{}{"key": key, "value": got, "version": live.Version()}, nil
}

type ProbeTool struct {
	ctl Controller
}

func (t *ProbeTool) Name() string { return "probe" }
func (t *ProbeTool) Description() string {
	return `Run every locator query, the hold signal chain and a read-only
autofill check against the live desktop, without changing anything.

USE THIS when a feature does nothing: each query reports the rule that
fired (or why none did), and encapsulated hosts that blocked the search.`
}
func (t *ProbeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ProbeTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.ctl.ProbeLive(ctx)
}

type DiagQueryTool struct {
	engine *diag.Engine
}

func (t *DiagQueryTool) Name() string { return "diag-query" }
func (t *DiagQueryTool) Description() string {
	return `Evaluate a Mangle query over the diagnostics facts.

Base predicates: locate_hit(Query, Rule, Node, Score, Tick),
locate_miss(Query, Reason, Tick), shadow_blocked(Query, Host, Tick),
signal_read(Source, Ms, Matched, Tick), signal_absent(Reason, Tick),
hold_state(From, To, Ms, Tick), ack_event(State, Accepted, Tick),
autofill_result(Target, Channel, Outcome, Tick), option_label(Target, Label, Tick).

Derived: alerted(Tick), timer_blocked(Host), blocked_query(Query),
degraded_signal(Tick), option_mismatch(Target, Label), stuck_target(Target).

Example: {"query": "locate_miss(Q, \"blocked\", T)"}`
}
func (t *DiagQueryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom with variables",
			},
		},
		"required": []string{"query"},
	}
}
func (t *DiagQueryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, diag.ErrNotReady
	}
	q := getStringArg(args, "query")
	if q == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"query": q, "count": len(results), "results": results}, nil
}

type DiagFactsTool struct {
	engine *diag.Engine
}

func (t *DiagFactsTool) Name() string { return "diag-facts" }
func (t *DiagFactsTool) Description() string {
	return `Read buffered diagnostics facts, newest last.

With "predicate" returns only that predicate; "since_ms" limits to facts
newer than that many milliseconds ago.`
}
func (t *DiagFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{"type": "string"},
			"since_ms":  map[string]interface{}{"type": "integer"},
			"limit":     map[string]interface{}{"type": "integer", "default": 50},
		},
	}
}
func (t *DiagFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, diag.ErrNotReady
	}
	limit := clamp(getIntArg(args, "limit", 50), 1, 500)
	predicate := getStringArg(args, "predicate")

	var facts []diag.Fact
	switch {
	case predicate != "":
		var after time.Time
		if ms := getIntArg(args, "since_ms", 0); ms > 0 {
			after = time.Now().Add(-time.Duration(ms) * time.Millisecond)
		}
		facts = t.engine.QueryTemporal(predicate, after, time.Time{})
	default:
		facts = t.engine.Recent(limit)
	}
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{"count": len(facts), "buffered": t.engine.Len(), "facts": facts}, nil
}

type DiagRuleTool struct {
	engine *diag.Engine
}

func (t *DiagRuleTool) Name() string { return "diag-rule" }
func (t *DiagRuleTool) Description() string {
	return `Add a Mangle rule to the diagnostics program, then query it with
diag-query. A rule that does not analyse is rejected and the program is
unchanged.

Example: {"rule": "slow_queue(T) :- autofill_result(\"queue\", _, \"option-missing\", T)."}`
}
func (t *DiagRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{"type": "string"},
		},
		"required": []string{"rule"},
	}
}
func (t *DiagRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, diag.ErrNotReady
	}
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"added": true}, nil
}

type HistoryTool struct {
	journal *journal.Journal
}

func (t *HistoryTool) Name() string { return "history" }
func (t *HistoryTool) Description() string {
	return `Read the persisted history: hold sessions (start, first alert, acks,
longest elapsed, end reason) and autofill outcomes, newest first.

"kind" is "holds", "autofill" or "all" (default). "since_hours" bounds
the window.`
}
func (t *HistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{"all", "holds", "autofill"},
			},
			"since_hours": map[string]interface{}{"type": "integer"},
			"limit":       map[string]interface{}{"type": "integer", "default": 20},
		},
	}
}
func (t *HistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.journal == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	kind := getStringArg(args, "kind")
	if kind == "" {
		kind = "all"
	}
	limit := clamp(getIntArg(args, "limit", 20), 1, 500)
	var since time.Time
	if h := getIntArg(args, "since_hours", 0); h > 0 {
		since = time.Now().Add(-time.Duration(h) * time.Hour)
	}

	out := map[string]interface{}{}
	if kind == "all" || kind == "holds" {
		holds, err := t.journal.Holds(ctx, since, limit)
		if err != nil {
			return nil, err
		}
		out["holds"] = holds
	}
	if kind == "all" || kind == "autofill" {
		outcomes, err := t.journal.Outcomes(ctx, since, limit)
		if err != nil {
			return nil, err
		}
		out["autofill"] = outcomes
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return out, nil
}

func keyList() string {
	return strings.Join(config.Keys(), ", ")
}
