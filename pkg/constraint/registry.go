// Package constraint implements the rule registry that decides which
// governed actions are forbidden outright (hard rules) and which need human
// sign-off (soft rules). Evaluation is pure and deterministic: same input,
// same verdict, no I/O. Audits replaying a decision must reproduce it.
//
// Hard and soft rules are distinct types. A HardRule has no overridable
// field at all, so a never-bypassable rule cannot be constructed as
// anything else.
package constraint

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// HardRule can never be bypassed, at any autonomy level, by any override.
// A violation short-circuits evaluation and terminally rejects the action.
type HardRule struct {
	ID          string
	Scope       contracts.ActionType // concrete type or contracts.ScopeAll
	Description string
	Expr        string // CEL predicate; true means violated
}

// SoftRule is adjustable. A violation routes the action to approval unless
// the user's autonomy level bypasses it, or the rule is Overridable and the
// user's profile disables it.
type SoftRule struct {
	ID          string
	Scope       contracts.ActionType
	Description string
	Expr        string
	Overridable bool
}

// Violation names a rule the input breached.
type Violation struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

// Evaluation is the verdict for one input. Hard holds at most one entry
// because hard violations short-circuit; Soft collects everything that
// applies so the pipeline can put the full list on an approval ticket.
type Evaluation struct {
	Hard []Violation
	Soft []Violation
}

// HardViolated reports whether the action is terminally rejected.
func (e Evaluation) HardViolated() bool { return len(e.Hard) > 0 }

// HardRuleIDs returns the IDs of the violated hard rules.
func (e Evaluation) HardRuleIDs() []string { return ruleIDs(e.Hard) }

// SoftRuleIDs returns the IDs of the violated soft rules.
func (e Evaluation) SoftRuleIDs() []string { return ruleIDs(e.Soft) }

// SoftLabels renders the violated soft rules as "id: description" lines,
// the form approval tickets show to the human resolver.
func (e Evaluation) SoftLabels() []string {
	labels := make([]string, len(e.Soft))
	for i, v := range e.Soft {
		labels[i] = v.RuleID + ": " + v.Description
	}
	return labels
}

func ruleIDs(violations []Violation) []string {
	ids := make([]string, len(violations))
	for i, v := range violations {
		ids[i] = v.RuleID
	}
	return ids
}

// Input is everything a predicate may see. DailyCount is supplied by the
// caller (the pipeline reads it from the quota counter) so that evaluation
// itself stays side-effect free.
type Input struct {
	ActionType contracts.ActionType
	Level      int
	Payload    map[string]any
	Profile    map[string]any // profile attributes, e.g. approved_contacts
	Now        time.Time
	DailyCount int64

	// SoftDisabled holds per-user soft-constraint overrides keyed by rule
	// ID. Only honored for rules constructed as Overridable.
	SoftDisabled map[string]bool
}

type compiledRule struct {
	id          string
	scope       contracts.ActionType
	description string
	overridable bool
	program     cel.Program
}

func (r compiledRule) appliesTo(t contracts.ActionType) bool {
	return r.scope == contracts.ScopeAll || r.scope == t
}

// Registry holds the compiled rule set. Registration happens at startup;
// Evaluate is safe for concurrent use.
type Registry struct {
	env  *cel.Env
	mu   sync.RWMutex
	hard []compiledRule
	soft []compiledRule
}

// NewRegistry creates an empty registry with the standard CEL environment.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("level", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("daily_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("constraint: cel environment: %w", err)
	}
	return &Registry{env: env}, nil
}

// NewBuiltinRegistry creates a registry pre-loaded with the built-in
// constitution rules.
func NewBuiltinRegistry() (*Registry, error) {
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, h := range BuiltinHardRules() {
		if err := r.RegisterHard(h); err != nil {
			return nil, err
		}
	}
	for _, s := range BuiltinSoftRules() {
		if err := r.RegisterSoft(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) compile(id, expr string) (cel.Program, error) {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("constraint %s: compile: %w", id, issues.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("constraint %s: program: %w", id, err)
	}
	return prg, nil
}

// RegisterHard compiles and installs a hard rule.
func (r *Registry) RegisterHard(rule HardRule) error {
	prg, err := r.compile(rule.ID, rule.Expr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hard = append(r.hard, compiledRule{
		id:          rule.ID,
		scope:       rule.Scope,
		description: rule.Description,
		program:     prg,
	})
	return nil
}

// RegisterSoft compiles and installs a soft rule.
func (r *Registry) RegisterSoft(rule SoftRule) error {
	prg, err := r.compile(rule.ID, rule.Expr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.soft = append(r.soft, compiledRule{
		id:          rule.ID,
		scope:       rule.Scope,
		description: rule.Description,
		overridable: rule.Overridable,
		program:     prg,
	})
	return nil
}

// Evaluate runs every applicable rule against in. Hard rules run first and
// short-circuit on the first violation. An evaluation error on a hard rule
// counts as a violation (fail closed); on a soft rule it counts as a soft
// violation, routing the action to a human instead of silently passing.
func (r *Registry) Evaluate(in Input) Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vars := map[string]any{
		"payload":     nonNilMap(in.Payload),
		"profile":     nonNilMap(in.Profile),
		"level":       int64(in.Level),
		"hour":        int64(in.Now.Hour()),
		"daily_count": in.DailyCount,
	}

	var ev Evaluation
	for _, rule := range r.hard {
		if !rule.appliesTo(in.ActionType) {
			continue
		}
		violated, err := evalBool(rule.program, vars)
		if err != nil || violated {
			desc := rule.description
			if err != nil {
				desc = fmt.Sprintf("%s (evaluation error: %v)", rule.description, err)
			}
			ev.Hard = append(ev.Hard, Violation{RuleID: rule.id, Description: desc})
			return ev
		}
	}

	for _, rule := range r.soft {
		if !rule.appliesTo(in.ActionType) {
			continue
		}
		if rule.overridable && in.SoftDisabled[rule.id] {
			continue
		}
		violated, err := evalBool(rule.program, vars)
		if err != nil || violated {
			desc := rule.description
			if err != nil {
				desc = fmt.Sprintf("%s (evaluation error: %v)", rule.description, err)
			}
			ev.Soft = append(ev.Soft, Violation{RuleID: rule.id, Description: desc})
		}
	}
	return ev
}

// AllOverridable reports whether every violation in vs belongs to an
// overridable soft rule. Hard rule IDs and unknown IDs count as not
// overridable.
func (r *Registry) AllOverridable(vs []Violation) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range vs {
		found := false
		for _, rule := range r.soft {
			if rule.id == v.RuleID {
				found = rule.overridable
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func evalBool(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate returned %T, want bool", out.Value())
	}
	return b, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
