// Package diag keeps a bounded buffer of diagnostic facts emitted by the
// tick loops and evaluates the built-in Mangle rules over them, so "why did
// or didn't it match" can be asked after the fact.
package diag

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/config"
)

//go:embed schema.mg
var schemaSource string

// ErrNotReady is returned when diagnostics are disabled.
var ErrNotReady = eris.New("diag: engine not ready")

// Fact is one diagnostic observation.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

func (f Fact) String() string {
	parts := make([]string, len(f.Args))
	for i, a := range f.Args {
		if s, ok := a.(string); ok {
			parts[i] = fmt.Sprintf("%q", s)
		} else {
			parts[i] = fmt.Sprintf("%v", a)
		}
	}
	return fmt.Sprintf("%s(%s)", f.Predicate, strings.Join(parts, ", "))
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// lowValuePredicates are sampled under buffer pressure. Misses, blocks,
// state changes and autofill outcomes are always kept.
func lowValuePredicates() map[string]bool {
	return map[string]bool{
		"locate_hit":    true,
		"signal_read":   true,
		"signal_absent": true,
	}
}

// Engine wraps the Mangle deductive database with the diagnostic fact buffer.
type Engine struct {
	cfg config.DiagConfig
	log *zap.Logger
	mu  sync.RWMutex

	programInfo *analysis.ProgramInfo
	source      string
	store       factstore.FactStore

	facts []Fact
	index map[string][]int

	samplingRate float64
	lowValue     map[string]bool
	rand         func() float64
}

// NewEngine builds an engine with the built-in schema loaded.
func NewEngine(cfg config.DiagConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.L()
	}
	e := &Engine{
		cfg:          cfg,
		log:          log.Named("diag"),
		facts:        make([]Fact, 0, cfg.FactBufferLimit),
		index:        make(map[string][]int),
		store:        factstore.NewSimpleInMemoryStore(),
		samplingRate: 1.0,
		lowValue:     lowValuePredicates(),
		rand:         rand.Float64,
	}
	if cfg.Enable {
		if err := e.loadSchema(schemaSource); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) loadSchema(src string) error {
	info, err := analyze(src)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.programInfo = info
	e.source = src
	e.mu.Unlock()
	return nil
}

func analyze(src string) (*analysis.ProgramInfo, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, eris.Wrap(err, "diag: parse program")
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, eris.Wrap(err, "diag: analyze program")
	}
	return info, nil
}

// AddRule adds rules at runtime, e.g. a question asked over MCP that needs
// a derived predicate. The whole program is analyzed again so the new rule
// is stratified with the built-in ones; a rule that does not analyze leaves
// the program unchanged.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	src := e.source + "\n" + ruleSource + "\n"
	info, err := analyze(src)
	if err != nil {
		return err
	}
	e.programInfo, e.source = info, src
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return eris.Wrap(err, "diag: eval program after rule")
	}
	return nil
}

// AddFacts appends facts to the buffer and the store, then re-evaluates
// the rules. Low-value facts are sampled when the buffer fills up.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()
	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		if e.shouldAccept(f) {
			filtered = append(filtered, f)
		}
	}

	baseIdx := len(e.facts)
	e.facts = append(e.facts, filtered...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		// The store only holds what the buffer holds, so both are rebuilt.
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-e.cfg.FactBufferLimit:]...)
		e.rebuild()
	} else {
		for i, f := range filtered {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
			e.store.Add(factToAtom(f))
		}
	}

	if e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return eris.Wrap(err, "diag: eval program after fact insertion")
		}
	}
	return nil
}

// Emit is AddFacts for callers that only log failures.
func (e *Engine) Emit(ctx context.Context, facts ...Fact) {
	if e == nil {
		return
	}
	if err := e.AddFacts(ctx, facts); err != nil {
		e.log.Debug("facts dropped", zap.Int("count", len(facts)), zap.Error(err))
	}
}

func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAccept(f Fact) bool {
	if !e.lowValue[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return e.rand() < e.samplingRate
}

// SamplingRate returns the current adaptive sampling rate.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Query evaluates a single atom such as `locate_miss(Q, R, T)` against base
// and derived facts and returns one binding per match.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || e.programInfo == nil {
		return nil, ErrNotReady
	}
	src := strings.TrimSpace(queryStr)
	if !strings.HasSuffix(src, ".") {
		src += "."
	}
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, eris.Wrap(err, "diag: parse query")
	}
	if len(unit.Clauses) == 0 {
		return nil, eris.New("diag: no query found")
	}
	q := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(q, func(atom ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := make(QueryResult)
		for i, arg := range q.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				r[v.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, r)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "diag: query execution")
	}
	return results, nil
}

// FactsByPredicate returns buffered facts of one predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			out = append(out, e.facts[idx])
		}
	}
	return out
}

// QueryTemporal returns facts of one predicate inside (after, before).
// Zero bounds are open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	out := make([]Fact, 0)
	for _, f := range e.FactsByPredicate(predicate) {
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// Recent returns up to n of the newest buffered facts, oldest first.
func (e *Engine) Recent(n int) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n <= 0 || n > len(e.facts) {
		n = len(e.facts)
	}
	out := make([]Fact, n)
	copy(out, e.facts[len(e.facts)-n:])
	return out
}

// Len returns the number of buffered facts.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.facts)
}

// Ready reports whether queries can be answered.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enable && e.programInfo != nil
}

func (e *Engine) rebuild() {
	e.index = make(map[string][]int)
	e.store = factstore.NewSimpleInMemoryStore()
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
		e.store.Add(factToAtom(f))
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	case time.Duration:
		return ast.Number(val.Milliseconds())
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	term, ok := c.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", c)
	}
	switch term.Type {
	case ast.StringType:
		if s, err := term.StringValue(); err == nil {
			return s
		}
	case ast.NumberType:
		if n, err := term.NumberValue(); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := term.Float64Value(); err == nil {
			return f
		}
	}
	return term.String()
}
