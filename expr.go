package abac

import (
	"fmt"
	"strings"

	"github.com/oarkflow/abac/utils"
)

// ============================================================================
// CONDITION EXPRESSIONS
// ============================================================================

// Expr is a compiled condition node. The node set is closed (comparison,
// membership, and, or, not, true) so evaluation is exhaustive and
// allocation-free. A missing or type-mismatched attribute makes the
// single predicate false; it never fails evaluation.
type Expr interface {
	Evaluate(req *AccessRequest) bool
	String() string
}

// CmpOp is a comparison operator in a condition.
type CmpOp string

const (
	OpEq  CmpOp = "=="
	OpNe  CmpOp = "!="
	OpLt  CmpOp = "<"
	OpLte CmpOp = "<="
	OpGt  CmpOp = ">"
	OpGte CmpOp = ">="
)

// CmpExpr compares an attribute against a constant or another attribute
// reference (a string value of the form "principal.x", "resource.x",
// "context.x" or "action" is resolved against the request).
type CmpExpr struct {
	Field string
	Op    CmpOp
	Value any
}

func (e *CmpExpr) Evaluate(req *AccessRequest) bool {
	left, ok := resolveField(req, e.Field)
	if !ok {
		return false
	}
	right := e.Value
	if ref, isRef := fieldRef(e.Value); isRef {
		rv, rok := resolveField(req, ref)
		if !rok {
			return false
		}
		right = rv
	}
	c, comparable := compareValues(left, right)
	if !comparable {
		return false
	}
	switch e.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func (e *CmpExpr) String() string {
	return fmt.Sprintf("%s %s %s", e.Field, e.Op, literal(e.Value))
}

// InExpr checks set membership.
type InExpr struct {
	Field  string
	Values []any
}

func (e *InExpr) Evaluate(req *AccessRequest) bool {
	left, ok := resolveField(req, e.Field)
	if !ok {
		return false
	}
	for _, v := range e.Values {
		if ref, isRef := fieldRef(v); isRef {
			rv, rok := resolveField(req, ref)
			if rok {
				if c, cmp := compareValues(left, rv); cmp && c == 0 {
					return true
				}
			}
			continue
		}
		if c, cmp := compareValues(left, v); cmp && c == 0 {
			return true
		}
	}
	return false
}

func (e *InExpr) String() string {
	parts := make([]string, 0, len(e.Values))
	for _, v := range e.Values {
		parts = append(parts, literal(v))
	}
	return fmt.Sprintf("%s in [%s]", e.Field, strings.Join(parts, ", "))
}

// AndExpr is logical conjunction.
type AndExpr struct {
	Left  Expr
	Right Expr
}

func (e *AndExpr) Evaluate(req *AccessRequest) bool {
	return e.Left.Evaluate(req) && e.Right.Evaluate(req)
}

func (e *AndExpr) String() string {
	return fmt.Sprintf("(%s && %s)", e.Left.String(), e.Right.String())
}

// OrExpr is logical disjunction.
type OrExpr struct {
	Left  Expr
	Right Expr
}

func (e *OrExpr) Evaluate(req *AccessRequest) bool {
	return e.Left.Evaluate(req) || e.Right.Evaluate(req)
}

func (e *OrExpr) String() string {
	return fmt.Sprintf("(%s || %s)", e.Left.String(), e.Right.String())
}

// NotExpr is logical negation.
type NotExpr struct {
	Inner Expr
}

func (e *NotExpr) Evaluate(req *AccessRequest) bool {
	return !e.Inner.Evaluate(req)
}

func (e *NotExpr) String() string {
	return "!" + e.Inner.String()
}

// LikeExpr matches a string attribute against a segment wildcard
// pattern. It is not reachable from policy text; the engine synthesizes
// it for emergency grant scopes like "artifact/*".
type LikeExpr struct {
	Field   string
	Pattern string
}

func (e *LikeExpr) Evaluate(req *AccessRequest) bool {
	v, ok := resolveField(req, e.Field)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return utils.MatchPattern(s, e.Pattern)
}

func (e *LikeExpr) String() string {
	return fmt.Sprintf("%s like %q", e.Field, e.Pattern)
}

// TrueExpr matches unconditionally.
type TrueExpr struct{}

func (e *TrueExpr) Evaluate(req *AccessRequest) bool { return true }
func (e *TrueExpr) String() string                   { return "true" }

// ============================================================================
// FIELD RESOLUTION & COMPARISON
// ============================================================================

// fieldRef reports whether v is a string naming another request field.
func fieldRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	if s == "action" ||
		strings.HasPrefix(s, "principal.") ||
		strings.HasPrefix(s, "resource.") ||
		strings.HasPrefix(s, "context.") {
		return s, true
	}
	return "", false
}

// resolveField looks a dotted field path up in the request. The second
// return value is false when the attribute is absent.
func resolveField(req *AccessRequest, field string) (any, bool) {
	switch {
	case field == "action":
		return req.Action, true
	case field == "principal.type":
		return req.Principal.Type, true
	case field == "resource.type":
		return req.Resource.Type, true
	case strings.HasPrefix(field, "principal."):
		v, ok := req.Principal.Attrs[field[len("principal."):]]
		return v, ok
	case strings.HasPrefix(field, "resource."):
		v, ok := req.Resource.Attrs[field[len("resource."):]]
		return v, ok
	case strings.HasPrefix(field, "context."):
		v, ok := req.Context[field[len("context."):]]
		return v, ok
	}
	return nil, false
}

// compareValues orders two values of compatible type. The bool result is
// false when the values cannot be compared, which callers must treat as
// a failed predicate rather than an error.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0, true
			}
			if !av {
				return -1, true
			}
			return 1, true
		}
	case int, int32, int64, float32, float64:
		af, _ := toFloat(a)
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af == bf:
			return 0, true
		case af < bf:
			return -1, true
		default:
			return 1, true
		}
	case []string:
		// membership-style equality: a slice equals a scalar when it
		// contains it, mirroring how multi-valued attributes match
		if bv, ok := b.(string); ok {
			for _, s := range av {
				if s == bv {
					return 0, true
				}
			}
			return -1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func literal(v any) string {
	switch s := v.(type) {
	case string:
		if _, isRef := fieldRef(s); isRef {
			return s
		}
		return fmt.Sprintf("%q", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
