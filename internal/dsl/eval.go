package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

// Value is any runtime value the evaluator produces: int64, float64,
// string, bool, []Value, map[string]Value, *Lambda, or nil.
type Value interface{}

// Lambda is a callable value, produced either by a |args| expr lambda
// literal or a func declaration.
type Lambda struct {
	Params []string
	Body   Expr  // set for lambda literals
	Block  []Node // set for func declarations
	Env    *Scope
	Name   string
}

// Scope is a lexical environment frame.
type Scope struct {
	vars   map[string]Value
	consts map[string]bool
	parent *Scope
}

// Effect is one observed call to env() or glob().
type Effect struct {
	Builtin string // "env" or "glob"
	Args    []string
	Result  string
}

// EffectLog accumulates Effects during evaluation of a single target
// block's fields; the Evaluator points one at a fresh instance for the
// duration of each TargetBlock so effects never cross target boundaries.
type EffectLog struct {
	effects []Effect
}

func (e *EffectLog) record(eff Effect) {
	e.effects = append(e.effects, eff)
}

// Entries returns a stable, deterministically ordered string encoding of
// the recorded effects suitable for folding into a cache key.
func (e *EffectLog) Entries() []string {
	out := make([]string, len(e.effects))
	for i, eff := range e.effects {
		out[i] = fmt.Sprintf("%s(%v)=%s", eff.Builtin, eff.Args, eff.Result)
	}
	sort.Strings(out)
	return out
}

func newScope(parent *Scope) *Scope {
	return &Scope{vars: map[string]Value{}, consts: map[string]bool{}, parent: parent}
}

func (s *Scope) define(name string, v Value, isConst bool) {
	s.vars[name] = v
	if isConst {
		s.consts[name] = true
	}
}

func (s *Scope) lookup(name string) (Value, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if v, ok := sc.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Env is the environment the evaluator runs against: a Glob function
// resolving source patterns and a Getenv function looking up environment
// variables (tests can substitute fakes; production wires os.LookupEnv
// and filepath.Glob against the real workspace filesystem).
type Env struct {
	Getenv func(key string) (string, bool)
	Glob   func(pattern string) ([]string, error)
}

// DefaultEnv wires env() to the real process environment and glob() to
// filepath.Glob rooted at dir, matching spec.md §4.2's requirement that
// glob expansion be sorted and deterministic.
func DefaultEnv(dir string) *Env {
	return &Env{
		Getenv: func(key string) (string, bool) { return os.LookupEnv(key) },
		Glob: func(pattern string) ([]string, error) {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			sort.Strings(matches)
			rel := make([]string, len(matches))
			for i, m := range matches {
				r, err := filepath.Rel(dir, m)
				if err != nil {
					return nil, err
				}
				rel[i] = r
			}
			return rel, nil
		},
	}
}

// RawTarget is a target(){} block after evaluation: field values are still
// dynamically typed DSL Values; ToTargets (target.go) converts these into
// typed Target records and reports TypeError/RequiredFieldMissing.
type RawTarget struct {
	Pos     Pos
	Name    Value
	Fields  map[string]Value
	Effects []string // cache-key inputs observed while evaluating this target's fields
}

// Evaluator walks a parsed program, collecting RawTargets.
type Evaluator struct {
	env     *Env
	global  *Scope
	targets []*RawTarget
	// effects accumulates env()/glob() observations made while evaluating
	// the current target block's fields; nil outside of a target block, so
	// calls made at workspace scope (not yet attributed to any target) are
	// not recorded anywhere. Scoped per-target rather than per lexical
	// Scope so that one target's glob() can never leak into another
	// target's cache key (spec.md §4.1: "hashed into the cache key of any
	// target that invokes them" — any target that invokes them itself, not
	// every target declared afterward in the same file).
	effects *EffectLog
}

func NewEvaluator(env *Env) *Evaluator {
	return &Evaluator{env: env, global: newScope(nil)}
}

// Eval runs prog (as returned by Parser.ParseProgram) and returns the
// collected target declarations.
func (ev *Evaluator) Eval(prog []Node) ([]*RawTarget, error) {
	if err := ev.execBlock(prog, ev.global); err != nil {
		return nil, err
	}
	return ev.targets, nil
}

// control is a lightweight sentinel used to implement `return` inside
// func/lambda bodies without panicking across evaluator frames.
type control struct {
	isReturn bool
	value    Value
}

func (ev *Evaluator) execBlock(nodes []Node, scope *Scope) error {
	_, err := ev.execBlockCtl(nodes, scope)
	return err
}

func (ev *Evaluator) execBlockCtl(nodes []Node, scope *Scope) (*control, error) {
	for _, n := range nodes {
		ctl, err := ev.execStmt(n, scope)
		if err != nil {
			return nil, err
		}
		if ctl != nil {
			return ctl, nil
		}
	}
	return nil, nil
}

func (ev *Evaluator) execStmt(n Node, scope *Scope) (*control, error) {
	switch s := n.(type) {
	case *LetStmt:
		v, err := ev.eval(s.Value, scope)
		if err != nil {
			return nil, err
		}
		scope.define(s.Name, v, s.Const)
		return nil, nil
	case *FuncDecl:
		scope.define(s.Name, &Lambda{Params: s.Params, Block: s.Body, Env: scope, Name: s.Name}, true)
		return nil, nil
	case *IfStmt:
		cond, err := ev.eval(s.Cond, scope)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return ev.execBlockCtl(s.Then, newScope(scope))
		}
		if s.Else != nil {
			return ev.execBlockCtl(s.Else, newScope(scope))
		}
		return nil, nil
	case *ForStmt:
		rangeVal, err := ev.eval(s.Range, scope)
		if err != nil {
			return nil, err
		}
		items, err := iterable(rangeVal, s.Pos)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			iterScope := newScope(scope)
			iterScope.define(s.Var, item, false)
			ctl, err := ev.execBlockCtl(s.Body, iterScope)
			if err != nil {
				return nil, err
			}
			if ctl != nil {
				return ctl, nil
			}
		}
		return nil, nil
	case *ReturnStmt:
		var v Value
		if s.Value != nil {
			var err error
			v, err = ev.eval(s.Value, scope)
			if err != nil {
				return nil, err
			}
		}
		return &control{isReturn: true, value: v}, nil
	case *TargetBlock:
		nameVal, err := ev.eval(s.Name, scope)
		if err != nil {
			return nil, err
		}
		fieldScope := newScope(scope)
		prevEffects := ev.effects
		ev.effects = &EffectLog{}
		fields := map[string]Value{}
		for _, f := range s.Fields {
			v, err := ev.eval(f.Value, fieldScope)
			if err != nil {
				ev.effects = prevEffects
				return nil, err
			}
			fields[f.Name] = v
		}
		effects := ev.effects.Entries()
		ev.effects = prevEffects
		ev.targets = append(ev.targets, &RawTarget{
			Pos:     s.Pos,
			Name:    nameVal,
			Fields:  fields,
			Effects: effects,
		})
		return nil, nil
	case *ExprStmt:
		_, err := ev.eval(s.Value, scope)
		return nil, err
	}
	return nil, xerrors.Errorf("dsl: unhandled statement %T", n)
}

func iterable(v Value, pos Pos) ([]Value, error) {
	switch x := v.(type) {
	case []Value:
		return x, nil
	case map[string]Value:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Value, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	return nil, &TypeError{Pos: pos, Expected: "array or map", Got: typeName(v)}
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case string:
		return x != ""
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func typeName(v Value) string {
	switch v.(type) {
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case bool:
		return "bool"
	case []Value:
		return "array"
	case map[string]Value:
		return "map"
	case *Lambda:
		return "function"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func (ev *Evaluator) eval(e Expr, scope *Scope) (Value, error) {
	switch x := e.(type) {
	case *IntLit:
		return x.V, nil
	case *FloatLit:
		return x.V, nil
	case *StringLit:
		return x.V, nil
	case *BoolLit:
		return x.V, nil
	case *Ident:
		v, ok := scope.lookup(x.Name)
		if !ok {
			return nil, xerrors.Errorf("%s: undefined identifier %q", x.Pos, x.Name)
		}
		return v, nil
	case *ArrayLit:
		out := make([]Value, len(x.Elems))
		for i, el := range x.Elems {
			v, err := ev.eval(el, scope)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *MapLit:
		out := map[string]Value{}
		for _, entry := range x.Entries {
			k, err := ev.eval(entry.Key, scope)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, &TypeError{Pos: x.Pos, Expected: "string key", Got: typeName(k)}
			}
			v, err := ev.eval(entry.Value, scope)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	case *LambdaLit:
		return &Lambda{Params: x.Params, Body: x.Body, Env: scope}, nil
	case *UnaryExpr:
		v, err := ev.eval(x.X, scope)
		if err != nil {
			return nil, err
		}
		return evalUnary(x.Op, v, x.Pos)
	case *BinaryExpr:
		return ev.evalBinary(x, scope)
	case *TernaryExpr:
		c, err := ev.eval(x.Cond, scope)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return ev.eval(x.Then, scope)
		}
		return ev.eval(x.Else, scope)
	case *CallExpr:
		return ev.evalCall(x, scope)
	case *IndexExpr:
		return ev.evalIndex(x, scope)
	case *MemberExpr:
		return ev.evalMember(x, scope)
	}
	return nil, xerrors.Errorf("dsl: unhandled expr %T", e)
}

func evalUnary(op Kind, v Value, pos Pos) (Value, error) {
	switch op {
	case Not:
		return !truthy(v), nil
	case Minus:
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, &TypeError{Pos: pos, Expected: "number", Got: typeName(v)}
	}
	return nil, xerrors.Errorf("%s: bad unary op", pos)
}

func (ev *Evaluator) evalBinary(x *BinaryExpr, scope *Scope) (Value, error) {
	// Short-circuit logical operators.
	if x.Op == And {
		l, err := ev.eval(x.X, scope)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := ev.eval(x.Y, scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if x.Op == Or {
		l, err := ev.eval(x.X, scope)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := ev.eval(x.Y, scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := ev.eval(x.X, scope)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(x.Y, scope)
	if err != nil {
		return nil, err
	}
	return applyBinary(x.Op, l, r, x.Pos)
}

func applyBinary(op Kind, l, r Value, pos Pos) (Value, error) {
	switch op {
	case Eq:
		return valuesEqual(l, r), nil
	case Neq:
		return !valuesEqual(l, r), nil
	case Plus:
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, &TypeError{Pos: pos, Expected: "string", Got: typeName(r)}
			}
			return ls + rs, nil
		}
		if la, ok := l.([]Value); ok {
			ra, ok := r.([]Value)
			if !ok {
				return nil, &TypeError{Pos: pos, Expected: "array", Got: typeName(r)}
			}
			out := make([]Value, 0, len(la)+len(ra))
			out = append(out, la...)
			out = append(out, ra...)
			return out, nil
		}
		return numericOp(op, l, r, pos)
	case Minus, Star, Slash, Percent:
		return numericOp(op, l, r, pos)
	case Lt, Lte, Gt, Gte:
		return compareOp(op, l, r, pos)
	}
	return nil, xerrors.Errorf("%s: bad binary op", pos)
}

func valuesEqual(l, r Value) bool {
	return fmt.Sprintf("%v:%T", l, l) == fmt.Sprintf("%v:%T", r, r)
}

func asFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func numericOp(op Kind, l, r Value, pos Pos) (Value, error) {
	li, liok := l.(int64)
	ri, riok := r.(int64)
	if liok && riok {
		switch op {
		case Plus:
			return li + ri, nil
		case Minus:
			return li - ri, nil
		case Star:
			return li * ri, nil
		case Slash:
			if ri == 0 {
				return nil, xerrors.Errorf("%s: division by zero", pos)
			}
			return li / ri, nil
		case Percent:
			if ri == 0 {
				return nil, xerrors.Errorf("%s: modulo by zero", pos)
			}
			return li % ri, nil
		}
	}
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, &TypeError{Pos: pos, Expected: "number", Got: typeName(l) + "/" + typeName(r)}
	}
	switch op {
	case Plus:
		return lf + rf, nil
	case Minus:
		return lf - rf, nil
	case Star:
		return lf * rf, nil
	case Slash:
		return lf / rf, nil
	case Percent:
		return nil, xerrors.Errorf("%s: modulo requires integers", pos)
	}
	return nil, xerrors.Errorf("%s: bad numeric op", pos)
}

func compareOp(op Kind, l, r Value, pos Pos) (Value, error) {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch op {
		case Lt:
			return lf < rf, nil
		case Lte:
			return lf <= rf, nil
		case Gt:
			return lf > rf, nil
		case Gte:
			return lf >= rf, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case Lt:
			return ls < rs, nil
		case Lte:
			return ls <= rs, nil
		case Gt:
			return ls > rs, nil
		case Gte:
			return ls >= rs, nil
		}
	}
	return nil, &TypeError{Pos: pos, Expected: "comparable operands", Got: typeName(l) + "/" + typeName(r)}
}

func (ev *Evaluator) evalIndex(x *IndexExpr, scope *Scope) (Value, error) {
	base, err := ev.eval(x.X, scope)
	if err != nil {
		return nil, err
	}
	idx, err := ev.eval(x.Index, scope)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case []Value:
		i, ok := idx.(int64)
		if !ok {
			return nil, &TypeError{Pos: x.Pos, Expected: "int index", Got: typeName(idx)}
		}
		if i < 0 || int(i) >= len(b) {
			return nil, xerrors.Errorf("%s: index %d out of range (len %d)", x.Pos, i, len(b))
		}
		return b[i], nil
	case map[string]Value:
		k, ok := idx.(string)
		if !ok {
			return nil, &TypeError{Pos: x.Pos, Expected: "string key", Got: typeName(idx)}
		}
		return b[k], nil
	case string:
		i, ok := idx.(int64)
		if !ok {
			return nil, &TypeError{Pos: x.Pos, Expected: "int index", Got: typeName(idx)}
		}
		if i < 0 || int(i) >= len(b) {
			return nil, xerrors.Errorf("%s: index %d out of range", x.Pos, i)
		}
		return string(b[i]), nil
	}
	return nil, &TypeError{Pos: x.Pos, Expected: "indexable (array/map/string)", Got: typeName(base)}
}

func (ev *Evaluator) evalMember(x *MemberExpr, scope *Scope) (Value, error) {
	base, err := ev.eval(x.X, scope)
	if err != nil {
		return nil, err
	}
	m, ok := base.(map[string]Value)
	if !ok {
		return nil, &TypeError{Pos: x.Pos, Field: x.Name, Expected: "map", Got: typeName(base)}
	}
	return m[x.Name], nil
}

func (ev *Evaluator) evalCall(x *CallExpr, scope *Scope) (Value, error) {
	// Built-ins are resolved by name before falling back to user-defined
	// functions, since "env" and "glob" are reserved identifiers.
	if id, ok := x.Fn.(*Ident); ok {
		switch id.Name {
		case "env":
			return ev.callEnv(x, scope)
		case "glob":
			return ev.callGlob(x, scope)
		}
	}
	fnVal, err := ev.eval(x.Fn, scope)
	if err != nil {
		return nil, err
	}
	fn, ok := fnVal.(*Lambda)
	if !ok {
		return nil, &TypeError{Pos: x.Pos, Expected: "function", Got: typeName(fnVal)}
	}
	args := make([]Value, len(x.Args))
	for i, a := range x.Args {
		v, err := ev.eval(a, scope)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return ev.callLambda(fn, args, x.Pos)
}

func (ev *Evaluator) callLambda(fn *Lambda, args []Value, pos Pos) (Value, error) {
	if len(args) != len(fn.Params) {
		return nil, xerrors.Errorf("%s: function %q expects %d args, got %d", pos, fn.Name, len(fn.Params), len(args))
	}
	callScope := newScope(fn.Env)
	for i, p := range fn.Params {
		callScope.define(p, args[i], false)
	}
	if fn.Body != nil {
		return ev.eval(fn.Body, callScope)
	}
	ctl, err := ev.execBlockCtl(fn.Block, callScope)
	if err != nil {
		return nil, err
	}
	if ctl != nil {
		return ctl.value, nil
	}
	return nil, nil
}

func (ev *Evaluator) callEnv(x *CallExpr, scope *Scope) (Value, error) {
	if len(x.Args) < 1 || len(x.Args) > 2 {
		return nil, xerrors.Errorf("%s: env() takes 1 or 2 arguments", x.Pos)
	}
	keyV, err := ev.eval(x.Args[0], scope)
	if err != nil {
		return nil, err
	}
	key, ok := keyV.(string)
	if !ok {
		return nil, &TypeError{Pos: x.Pos, Expected: "string", Got: typeName(keyV)}
	}
	def := ""
	if len(x.Args) == 2 {
		d, err := ev.eval(x.Args[1], scope)
		if err != nil {
			return nil, err
		}
		if ds, ok := d.(string); ok {
			def = ds
		}
	}
	val, present := ev.env.Getenv(key)
	if !present {
		val = def
	}
	if ev.effects != nil {
		ev.effects.record(Effect{Builtin: "env", Args: []string{key, def}, Result: val})
	}
	return val, nil
}

func (ev *Evaluator) callGlob(x *CallExpr, scope *Scope) (Value, error) {
	if len(x.Args) != 1 {
		return nil, xerrors.Errorf("%s: glob() takes exactly 1 argument", x.Pos)
	}
	patV, err := ev.eval(x.Args[0], scope)
	if err != nil {
		return nil, err
	}
	pattern, ok := patV.(string)
	if !ok {
		return nil, &TypeError{Pos: x.Pos, Expected: "string", Got: typeName(patV)}
	}
	matches, err := ev.env.Glob(pattern)
	if err != nil {
		return nil, xerrors.Errorf("%s: glob(%q): %w", x.Pos, pattern, err)
	}
	out := make([]Value, len(matches))
	for i, m := range matches {
		out[i] = m
	}
	if ev.effects != nil {
		ev.effects.record(Effect{Builtin: "glob", Args: []string{pattern}, Result: fmt.Sprint(matches)})
	}
	return out, nil
}
