package abac

import (
	"fmt"
	"strings"
)

// ============================================================================
// POLICY VALIDATOR
// ============================================================================

// Validator parses policy text and checks it against the schema port.
// Validation never persists anything; a failure aborts the whole
// create/update operation.
type Validator struct {
	schema SchemaPort
}

func NewValidator(schema SchemaPort) *Validator {
	return &Validator{schema: schema}
}

// Validate returns the parsed AST, or a *ValidationError describing the
// first syntax or semantic problem found.
func (v *Validator) Validate(text string) (*PolicyAST, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ValidationError{Message: "empty policy text"}
	}
	ast, err := ParsePolicy(text)
	if err != nil {
		return nil, err
	}
	if err := v.checkSemantics(ast); err != nil {
		return nil, err
	}
	return ast, nil
}

func (v *Validator) checkSemantics(ast *PolicyAST) error {
	for _, action := range ast.Actions {
		if !v.schema.ActionExists(action) {
			return &ValidationError{Message: fmt.Sprintf("unknown action %q", action), Field: "action"}
		}
	}
	for _, rt := range ast.ResourceTypes {
		if !v.schema.EntityTypeExists(rt) {
			return &ValidationError{Message: fmt.Sprintf("unknown resource type %q", rt), Field: "resource.type"}
		}
	}
	for _, e := range []Expr{ast.Principal, ast.Resource, ast.Condition} {
		if err := v.checkExpr(e); err != nil {
			return err
		}
	}
	return nil
}

// checkExpr walks a condition tree verifying every attribute reference
// exists in the schema with a type compatible with its literal operand.
func (v *Validator) checkExpr(e Expr) error {
	switch n := e.(type) {
	case *CmpExpr:
		declared, err := v.checkField(n.Field)
		if err != nil {
			return err
		}
		if _, isRef := fieldRef(n.Value); isRef {
			// attribute-to-attribute comparison: types resolved at eval time
			return nil
		}
		if declared != "" && !literalMatchesType(n.Value, declared) {
			return &ValidationError{
				Message: fmt.Sprintf("operand %v is not a %s", n.Value, declared),
				Field:   n.Field,
			}
		}
		if ordered(n.Op) && declared == AttrBool {
			return &ValidationError{
				Message: fmt.Sprintf("ordered comparison %s on boolean attribute", n.Op),
				Field:   n.Field,
			}
		}
	case *InExpr:
		declared, err := v.checkField(n.Field)
		if err != nil {
			return err
		}
		for _, raw := range n.Values {
			if _, isRef := fieldRef(raw); isRef {
				continue
			}
			if declared != "" && !literalMatchesType(raw, declared) {
				return &ValidationError{
					Message: fmt.Sprintf("set member %v is not a %s", raw, declared),
					Field:   n.Field,
				}
			}
		}
	case *AndExpr:
		if err := v.checkExpr(n.Left); err != nil {
			return err
		}
		return v.checkExpr(n.Right)
	case *OrExpr:
		if err := v.checkExpr(n.Left); err != nil {
			return err
		}
		return v.checkExpr(n.Right)
	case *NotExpr:
		return v.checkExpr(n.Inner)
	case *TrueExpr:
	}
	return nil
}

// checkField resolves a dotted reference against the schema. It returns
// the declared attribute type, or "" for references whose type is not
// statically known (action, type tags).
func (v *Validator) checkField(field string) (AttrType, error) {
	switch {
	case field == "action", field == "principal.type", field == "resource.type":
		return "", nil
	case strings.HasPrefix(field, "principal."):
		return v.attrType("principal", field[len("principal."):], field)
	case strings.HasPrefix(field, "resource."):
		return v.attrType("resource", field[len("resource."):], field)
	case strings.HasPrefix(field, "context."):
		return v.attrType("context", field[len("context."):], field)
	}
	return "", &ValidationError{Message: fmt.Sprintf("unknown attribute scope %q", field), Field: field}
}

func (v *Validator) attrType(entity, attr, field string) (AttrType, error) {
	t, ok := v.schema.AttributeType(entity, attr)
	if !ok {
		return "", &ValidationError{
			Message: fmt.Sprintf("attribute %q not declared for %s", attr, entity),
			Field:   field,
		}
	}
	return t, nil
}

func ordered(op CmpOp) bool {
	switch op {
	case OpLt, OpLte, OpGt, OpGte:
		return true
	}
	return false
}

func literalMatchesType(v any, t AttrType) bool {
	switch t {
	case AttrString:
		_, ok := v.(string)
		return ok
	case AttrNumber:
		_, ok := toFloat(v)
		return ok
	case AttrBool:
		_, ok := v.(bool)
		return ok
	}
	return true
}

// ============================================================================
// STATIC SCHEMA
// ============================================================================

// StaticSchema is a SchemaPort backed by registered actions, entity
// types and attribute declarations. The zero value accepts nothing;
// NewStaticSchema starts empty and is populated by the caller or from
// config.
type StaticSchema struct {
	actions     map[string]bool
	entityTypes map[string]bool
	attrs       map[string]map[string]AttrType // entity -> attr -> type
}

func NewStaticSchema() *StaticSchema {
	return &StaticSchema{
		actions:     make(map[string]bool),
		entityTypes: make(map[string]bool),
		attrs:       make(map[string]map[string]AttrType),
	}
}

func (s *StaticSchema) RegisterAction(action string) {
	s.actions[action] = true
}

func (s *StaticSchema) RegisterEntityType(entityType string) {
	s.entityTypes[entityType] = true
}

func (s *StaticSchema) RegisterAttribute(entity, attr string, t AttrType) {
	m, ok := s.attrs[entity]
	if !ok {
		m = make(map[string]AttrType)
		s.attrs[entity] = m
	}
	m[attr] = t
}

func (s *StaticSchema) ActionExists(action string) bool { return s.actions[action] }

func (s *StaticSchema) EntityTypeExists(entityType string) bool { return s.entityTypes[entityType] }

func (s *StaticSchema) AttributeType(entity, attr string) (AttrType, bool) {
	t, ok := s.attrs[entity][attr]
	return t, ok
}
