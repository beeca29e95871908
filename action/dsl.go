package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudillo/cloudillo/clerr"
)

// Expression is a tagged-union node evaluated against a HookContext's
// variables. Literal values decode directly; compound nodes carry a Kind
// discriminator plus the operator-specific fields (spec §4.H.2).
type Expression struct {
	Kind ExprKind `json:"kind"`

	// Literal
	Literal any `json:"literal,omitempty"`

	// Ref: a "{variable}" single-reference or "prefix {a}:{b} suffix"
	// template string, resolved at eval time.
	Template string `json:"template,omitempty"`

	// Comparison/Logical/Arithmetic/StringOp
	Op    string        `json:"op,omitempty"`
	Left  *Expression   `json:"left,omitempty"`
	Right *Expression   `json:"right,omitempty"`
	Args  []*Expression `json:"args,omitempty"` // Logical And/Or with >2 operands

	// Ternary
	Cond *Expression `json:"cond,omitempty"`
	Then *Expression `json:"then,omitempty"`
	Else *Expression `json:"else,omitempty"`

	// Coalesce
	Values []*Expression `json:"values,omitempty"`
}

type ExprKind string

const (
	ExprLiteral    ExprKind = "literal"
	ExprRef        ExprKind = "ref"
	ExprComparison ExprKind = "comparison"
	ExprLogical    ExprKind = "logical"
	ExprArithmetic ExprKind = "arithmetic"
	ExprStringOp   ExprKind = "stringOp"
	ExprTernary    ExprKind = "ternary"
	ExprCoalesce   ExprKind = "coalesce"
)

// Vars is the variable environment an Expression/Operation resolves
// against: fixed action fields, context.*, is_inbound/is_outbound, plus
// anything a Set operation has added.
type Vars map[string]any

// resolveTemplate expands "{a}" and "prefix {a}:{b} suffix" forms.
// Lookups into the fixed/context/flag namespaces that miss yield Null;
// lookups into user-set variables that miss are an error (spec §4.H.2).
func (v Vars) resolveTemplate(tmpl string) (any, error) {
	if strings.HasPrefix(tmpl, "{") && strings.HasSuffix(tmpl, "}") && strings.Count(tmpl, "{") == 1 {
		return v.lookup(tmpl[1 : len(tmpl)-1])
	}

	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, clerr.New(clerr.ValidationError, "unterminated template placeholder")
			}
			name := tmpl[i+1 : i+end]
			val, err := v.lookup(name)
			if err != nil {
				return nil, err
			}
			b.WriteString(fmt.Sprint(val))
			i += end + 1
			continue
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String(), nil
}

var fixedActionFields = map[string]bool{
	"action_id": true, "type": true, "subtype": true, "issuer": true,
	"audience": true, "parent": true, "subject": true, "content": true,
	"attachments": true, "created_at": true, "expires_at": true,
}

func (v Vars) lookup(path string) (any, error) {
	head, rest, hasRest := strings.Cut(path, ".")

	if fixedActionFields[head] {
		return traverse(v[head], rest, hasRest), nil
	}
	if head == "context" {
		ctxVal, _ := v["context"].(map[string]any)
		return traverse(ctxVal, rest, hasRest), nil
	}
	if head == "is_inbound" || head == "is_outbound" {
		return v[head], nil
	}
	if val, ok := v[head]; ok {
		return traverse(val, rest, hasRest), nil
	}
	return nil, clerr.New(clerr.ValidationError, fmt.Sprintf("unknown variable %q", head))
}

// traverse walks a dotted path through nested maps; any missing
// intermediate segment yields Null rather than an error, per spec.
func traverse(root any, rest string, hasRest bool) any {
	if !hasRest {
		return root
	}
	cur := root
	for _, seg := range strings.Split(rest, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

const (
	maxExprDepth = 50
	maxExprNodes = 100
)

// ValidateExpressionLimits enforces spec §4.H.2's runtime resource
// limits on an expression tree before it is evaluated: depth ≤ 50,
// node count ≤ 100. Checked once per top-level expression a hook
// operation evaluates (engine.go), not per recursive Eval call.
func ValidateExpressionLimits(e *Expression) error {
	if e == nil {
		return nil
	}
	count, depth := countExprNodes(e, 1)
	if depth > maxExprDepth {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("expression depth %d exceeds limit %d", depth, maxExprDepth))
	}
	if count > maxExprNodes {
		return clerr.New(clerr.ValidationError, fmt.Sprintf("expression has %d nodes, limit %d", count, maxExprNodes))
	}
	return nil
}

func countExprNodes(e *Expression, depth int) (count int, maxDepth int) {
	if e == nil {
		return 0, depth - 1
	}
	count, maxDepth = 1, depth
	children := make([]*Expression, 0, 4)
	children = append(children, e.Left, e.Right, e.Cond, e.Then, e.Else)
	children = append(children, e.Args...)
	children = append(children, e.Values...)
	for _, c := range children {
		if c == nil {
			continue
		}
		cc, cd := countExprNodes(c, depth+1)
		count += cc
		if cd > maxDepth {
			maxDepth = cd
		}
	}
	return
}

// Eval recursively resolves an Expression node against vars.
func (e *Expression) Eval(v Vars) (any, error) {
	switch e.Kind {
	case ExprLiteral, "":
		return e.Literal, nil
	case ExprRef:
		return v.resolveTemplate(e.Template)
	case ExprComparison:
		return e.evalComparison(v)
	case ExprLogical:
		return e.evalLogical(v)
	case ExprArithmetic:
		return e.evalArithmetic(v)
	case ExprStringOp:
		return e.evalStringOp(v)
	case ExprTernary:
		cond, err := e.Cond.Eval(v)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.Then.Eval(v)
		}
		return e.Else.Eval(v)
	case ExprCoalesce:
		for _, val := range e.Values {
			resolved, err := val.Eval(v)
			if err != nil {
				return nil, err
			}
			if resolved != nil {
				return resolved, nil
			}
		}
		return nil, nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown expression kind: "+string(e.Kind))
	}
}

func (e *Expression) evalComparison(v Vars) (any, error) {
	l, err := e.Left.Eval(v)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(v)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "eq":
		return looseEqual(l, r), nil
	case "ne":
		return !looseEqual(l, r), nil
	case "gt", "gte", "lt", "lte":
		ln, lok := asNumber(l)
		rn, rok := asNumber(r)
		if !lok || !rok {
			return false, nil
		}
		switch e.Op {
		case "gt":
			return ln > rn, nil
		case "gte":
			return ln >= rn, nil
		case "lt":
			return ln < rn, nil
		default:
			return ln <= rn, nil
		}
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown comparison op: "+e.Op)
	}
}

func (e *Expression) evalLogical(v Vars) (any, error) {
	operands := e.Args
	if operands == nil {
		operands = []*Expression{e.Left, e.Right}
	}
	switch e.Op {
	case "and":
		for _, op := range operands {
			val, err := op.Eval(v)
			if err != nil {
				return nil, err
			}
			if !truthy(val) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, op := range operands {
			val, err := op.Eval(v)
			if err != nil {
				return nil, err
			}
			if truthy(val) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		val, err := e.Left.Eval(v)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown logical op: "+e.Op)
	}
}

func (e *Expression) evalArithmetic(v Vars) (any, error) {
	l, err := e.Left.Eval(v)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(v)
	if err != nil {
		return nil, err
	}
	ln, _ := asNumber(l)
	rn, _ := asNumber(r)
	switch e.Op {
	case "add":
		return ln + rn, nil
	case "sub":
		return ln - rn, nil
	case "mul":
		return ln * rn, nil
	case "div":
		if rn == 0 {
			return nil, clerr.New(clerr.ValidationError, "division by zero")
		}
		return ln / rn, nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown arithmetic op: "+e.Op)
	}
}

func (e *Expression) evalStringOp(v Vars) (any, error) {
	l, err := e.Left.Eval(v)
	if err != nil {
		return nil, err
	}
	ls := fmt.Sprint(l)
	switch e.Op {
	case "concat":
		r, err := e.Right.Eval(v)
		if err != nil {
			return nil, err
		}
		return ls + fmt.Sprint(r), nil
	case "upper":
		return strings.ToUpper(ls), nil
	case "lower":
		return strings.ToLower(ls), nil
	case "trim":
		return strings.TrimSpace(ls), nil
	case "contains":
		r, err := e.Right.Eval(v)
		if err != nil {
			return nil, err
		}
		return strings.Contains(ls, fmt.Sprint(r)), nil
	default:
		return nil, clerr.New(clerr.ValidationError, "unknown string op: "+e.Op)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func looseEqual(a, b any) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// countOps walks an operation tree, returning the total node count and
// the maximum nesting depth, for the load-time resource-limit checks in
// registry.go (spec §4.H.1, depth ≤ 10, count ≤ 100 at DEFINITION time).
// The run-time expression limits in engine.go are checked by
// ValidateExpressionLimits, not by this walk.
func countOps(ops []Operation, depth int) (count int, maxDepth int) {
	maxDepth = depth
	for _, op := range ops {
		count++
		for _, child := range op.children() {
			c, d := countOps(child, depth+1)
			count += c
			if d > maxDepth {
				maxDepth = d
			}
		}
	}
	return
}
