// Package rules provides the Overseer Planner's safety-cap evaluation
// (spec §4.I rule (d): "Safety caps cap iterative work to explicit
// numeric limits"), backed by a real google/mangle Datalog program
// rather than a hand-rolled comparison loop. This is a narrow slice of
// the teacher's full `internal/mangle` kernel (fact store + schema +
// policy + persistence + query language) — just enough to declare two
// predicates and evaluate one derived rule — but it exercises
// google/mangle for real rather than stubbing it out.
package rules

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"
)

// schema declares the two base predicates a safety-cap check needs and
// the derived predicate a violation query reads back. Args are named
// rather than typed tightly (/string Cap) because cap names come from
// configuration (spec §6: `generation.safety_caps.*`), not a closed set
// known at compile time.
const schema = `
Decl requested(Cap, Value)
  bound[/string, /number].

Decl limit(Cap, Value)
  bound[/string, /number].

safety_violation(Cap, Value, Max) :-
  requested(Cap, Value),
  limit(Cap, Max),
  :gt(Value, Max).
`

var (
	violationSym = ast.PredicateSym{Symbol: "safety_violation", Arity: 3}
	requestedSym = ast.PredicateSym{Symbol: "requested", Arity: 2}
	limitSym     = ast.PredicateSym{Symbol: "limit", Arity: 2}
)

// Violation is one safety cap an evaluated spec exceeded.
type Violation struct {
	Cap       string
	Requested int64
	Limit     int64
}

// Checker evaluates a request's numeric caps against configured limits
// through a compiled Mangle program. One Checker is safe to reuse
// across calls; Evaluate clears and reloads the fact store each time
// since cap sets vary per request and the program itself never changes.
type Checker struct {
	mu          sync.Mutex
	programInfo *analysis.ProgramInfo
	queryCtx    *mengine.QueryContext
	store       factstore.FactStoreWithRemove
}

// NewChecker compiles the safety-cap schema once.
func NewChecker() (*Checker, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, fmt.Errorf("rules: parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: unit.Clauses, Decls: unit.Decls}, nil)
	if err != nil {
		return nil, fmt.Errorf("rules: analyze schema: %w", err)
	}

	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range programInfo.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}
	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(programInfo.Decls))
	for sym, decl := range programInfo.Decls {
		predToDecl[sym] = decl
	}

	store := factstore.NewSimpleInMemoryStore()
	return &Checker{
		programInfo: programInfo,
		store:       store,
		queryCtx: &mengine.QueryContext{
			PredToRules: predToRules,
			PredToDecl:  predToDecl,
			Store:       store,
		},
	}, nil
}

// Evaluate checks requested[cap] against limits[cap] for every cap
// present in both maps and returns one Violation per cap where
// requested exceeds the limit. Caps present in only one map are
// ignored — spec §4.I's caps are "overridable downward", so a cap with
// no configured limit imposes no restriction.
func (c *Checker) Evaluate(requested, limits map[string]int64) ([]Violation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store = factstore.NewSimpleInMemoryStore()
	c.queryCtx.Store = c.store

	for capName, v := range requested {
		if _, ok := limits[capName]; !ok {
			continue
		}
		c.store.Add(ast.Atom{Predicate: requestedSym, Args: []ast.BaseTerm{ast.String(capName), ast.Number(v)}})
	}
	for capName, max := range limits {
		if _, ok := requested[capName]; !ok {
			continue
		}
		c.store.Add(ast.Atom{Predicate: limitSym, Args: []ast.BaseTerm{ast.String(capName), ast.Number(max)}})
	}

	decl, ok := c.queryCtx.PredToDecl[violationSym]
	if !ok || len(decl.Modes()) == 0 {
		return nil, fmt.Errorf("rules: safety_violation has no declared mode")
	}
	mode := decl.Modes()[0]

	var violations []Violation
	query := ast.Atom{Predicate: violationSym, Args: []ast.BaseTerm{
		ast.Variable{Symbol: "Cap"}, ast.Variable{Symbol: "Value"}, ast.Variable{Symbol: "Max"},
	}}
	err := c.queryCtx.EvalQuery(query, mode, unionfind.New(), func(fact ast.Atom) error {
		capName, err := stringArg(fact.Args[0])
		if err != nil {
			return err
		}
		val, err := numberArg(fact.Args[1])
		if err != nil {
			return err
		}
		max, err := numberArg(fact.Args[2])
		if err != nil {
			return err
		}
		violations = append(violations, Violation{Cap: capName, Requested: val, Limit: max})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rules: evaluate safety_violation: %w", err)
	}
	return violations, nil
}

func stringArg(t ast.BaseTerm) (string, error) {
	c, ok := t.(ast.Constant)
	if !ok || c.Type != ast.StringType {
		return "", fmt.Errorf("rules: expected string term, got %T", t)
	}
	return c.Symbol, nil
}

func numberArg(t ast.BaseTerm) (int64, error) {
	c, ok := t.(ast.Constant)
	if !ok || c.Type != ast.NumberType {
		return 0, fmt.Errorf("rules: expected number term, got %T", t)
	}
	return c.NumValue, nil
}
