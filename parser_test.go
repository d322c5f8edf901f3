package abac_test

import (
	"errors"
	"strings"
	"testing"

	abac "github.com/oarkflow/abac"
)

func TestParsePolicyFull(t *testing.T) {
	text := `permit(principal.role == "engineer", action == "read", resource.type == "document") when { resource.owner == principal.id || context.mfa == true }`
	ast, err := abac.ParsePolicy(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ast.Effect != abac.EffectPermit {
		t.Fatalf("expected permit, got %s", ast.Effect)
	}
	if len(ast.Actions) != 1 || ast.Actions[0] != "read" {
		t.Fatalf("expected action hint [read], got %v", ast.Actions)
	}
	if len(ast.ResourceTypes) != 1 || ast.ResourceTypes[0] != "document" {
		t.Fatalf("expected resource type hint [document], got %v", ast.ResourceTypes)
	}

	req := &abac.AccessRequest{
		Principal: abac.Principal{Type: "user", Attrs: map[string]any{"id": "u-1", "role": "engineer"}},
		Action:    "read",
		Resource:  abac.ResourceRef{Type: "document", Attrs: map[string]any{"owner": "u-1"}},
		Context:   map[string]any{},
	}
	if !ast.Matches(req) {
		t.Fatalf("expected owner request to match")
	}
	req.Resource.Attrs["owner"] = "u-2"
	if ast.Matches(req) {
		t.Fatalf("expected non-owner request without mfa not to match")
	}
	req.Context["mfa"] = true
	if !ast.Matches(req) {
		t.Fatalf("expected mfa to satisfy the disjunction")
	}
}

func TestParsePolicyBareClauses(t *testing.T) {
	ast, err := abac.ParsePolicy(`forbid(principal, action, resource)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ast.Effect != abac.EffectForbid {
		t.Fatalf("expected forbid, got %s", ast.Effect)
	}
	if len(ast.Actions) != 0 || len(ast.ResourceTypes) != 0 {
		t.Fatalf("bare clauses must not produce index hints: %v %v", ast.Actions, ast.ResourceTypes)
	}
	req := &abac.AccessRequest{
		Principal: abac.Principal{Type: "user", Attrs: map[string]any{"id": "anyone"}},
		Action:    "anything",
		Resource:  abac.ResourceRef{Type: "whatever"},
	}
	if !ast.Matches(req) {
		t.Fatalf("unconstrained policy must match any request")
	}
}

func TestParsePolicyActionInList(t *testing.T) {
	ast, err := abac.ParsePolicy(`permit(principal, action in ["read", "list"], resource.type == "document")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ast.Actions) != 2 {
		t.Fatalf("expected two action hints, got %v", ast.Actions)
	}
	req := &abac.AccessRequest{
		Principal: abac.Principal{Attrs: map[string]any{}},
		Action:    "list",
		Resource:  abac.ResourceRef{Type: "document"},
	}
	if !ast.Matches(req) {
		t.Fatalf("expected list action to match")
	}
	req.Action = "delete"
	if ast.Matches(req) {
		t.Fatalf("delete is not in the action set")
	}
}

func TestParsePolicyMissingAttributeIsFalse(t *testing.T) {
	ast, err := abac.ParsePolicy(`permit(principal, action == "read", resource) when { principal.clearance >= 3 }`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req := &abac.AccessRequest{
		Principal: abac.Principal{Attrs: map[string]any{}},
		Action:    "read",
		Resource:  abac.ResourceRef{Type: "document"},
	}
	if ast.Matches(req) {
		t.Fatalf("missing attribute must make the predicate false, not true")
	}
}

func TestParsePolicyErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty head", `allow(principal, action, resource)`},
		{"missing comma", `permit(principal action, resource)`},
		{"clause order", `permit(action == "read", principal, resource)`},
		{"unknown scope", `permit(principal, action, resource) when { ship.size > 3 }`},
		{"unterminated string", `permit(principal, action == "read, resource)`},
		{"trailing input", `permit(principal, action, resource) garbage`},
		{"bad operator", `permit(principal, action = "read", resource)`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := abac.ParsePolicy(tc.text)
			if err == nil {
				t.Fatalf("expected error for %q", tc.text)
			}
			if !abac.IsValidation(err) {
				t.Fatalf("expected validation error, got %T: %v", err, err)
			}
		})
	}
}

func TestParsePolicyErrorPosition(t *testing.T) {
	_, err := abac.ParsePolicy("permit(principal,\n  action ==, resource)")
	if err == nil {
		t.Fatalf("expected error")
	}
	var verr *abac.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Line != 2 {
		t.Fatalf("expected error on line 2, got line %d (%v)", verr.Line, verr)
	}
}

func TestPolicyASTCanonicalText(t *testing.T) {
	text := `permit(principal.role == "admin", action in ["read", "write"], resource.type == "document") when { (context.mfa == true && principal.clearance >= 2) }`
	ast, err := abac.ParsePolicy(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rendered := ast.String()
	again, err := abac.ParsePolicy(rendered)
	if err != nil {
		t.Fatalf("reparse canonical text %q: %v", rendered, err)
	}
	if again.String() != rendered {
		t.Fatalf("canonical text not stable:\n first: %s\nsecond: %s", rendered, again.String())
	}
	if !strings.HasPrefix(rendered, "permit(") {
		t.Fatalf("unexpected canonical form: %s", rendered)
	}
}
