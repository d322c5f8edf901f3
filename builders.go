package abac

import (
	"fmt"
	"strings"
)

// Builders provide a fluent API for composing policies and requests
// without hand-writing policy text.

// PolicyBuilder assembles policy source from clauses and renders it
// through the same grammar the validator accepts.
type PolicyBuilder struct {
	id        string
	name      string
	author    string
	tags      []string
	status    PolicyStatus
	effect    Effect
	principal string
	action    string
	resource  string
	when      []string
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{effect: EffectPermit, status: StatusDraft}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder             { b.id = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder            { b.name = n; return b }
func (b *PolicyBuilder) Author(a string) *PolicyBuilder          { b.author = a; return b }
func (b *PolicyBuilder) Tags(t ...string) *PolicyBuilder         { b.tags = append(b.tags, t...); return b }
func (b *PolicyBuilder) Status(s PolicyStatus) *PolicyBuilder    { b.status = s; return b }
func (b *PolicyBuilder) Permit() *PolicyBuilder                  { b.effect = EffectPermit; return b }
func (b *PolicyBuilder) Forbid() *PolicyBuilder                  { b.effect = EffectForbid; return b }

// PrincipalWhere constrains the principal clause, e.g.
// PrincipalWhere("principal.role", "==", `"admin"`).
func (b *PolicyBuilder) PrincipalWhere(field, op, value string) *PolicyBuilder {
	b.principal = fmt.Sprintf("principal %s %s", opClause(field, op), value)
	return b
}

func (b *PolicyBuilder) AnyPrincipal() *PolicyBuilder { b.principal = "principal"; return b }

func (b *PolicyBuilder) Action(action string) *PolicyBuilder {
	b.action = fmt.Sprintf("action == %q", action)
	return b
}

func (b *PolicyBuilder) ActionIn(actions ...string) *PolicyBuilder {
	quoted := make([]string, 0, len(actions))
	for _, a := range actions {
		quoted = append(quoted, fmt.Sprintf("%q", a))
	}
	b.action = fmt.Sprintf("action in [%s]", strings.Join(quoted, ", "))
	return b
}

func (b *PolicyBuilder) AnyAction() *PolicyBuilder { b.action = "action"; return b }

func (b *PolicyBuilder) ResourceType(t string) *PolicyBuilder {
	b.resource = fmt.Sprintf("resource.type == %q", t)
	return b
}

func (b *PolicyBuilder) AnyResource() *PolicyBuilder { b.resource = "resource"; return b }

// When appends a condition term; multiple terms are conjoined.
func (b *PolicyBuilder) When(term string) *PolicyBuilder {
	b.when = append(b.when, term)
	return b
}

// Text renders the policy source.
func (b *PolicyBuilder) Text() string {
	principal := b.principal
	if principal == "" {
		principal = "principal"
	}
	action := b.action
	if action == "" {
		action = "action"
	}
	resource := b.resource
	if resource == "" {
		resource = "resource"
	}
	text := fmt.Sprintf("%s(%s, %s, %s)", b.effect, principal, action, resource)
	if len(b.when) > 0 {
		text += fmt.Sprintf(" when { %s }", strings.Join(b.when, " && "))
	}
	return text
}

// Build renders the policy record. The text is not validated here; pass
// it through Engine.CreatePolicy or Validator.Validate.
func (b *PolicyBuilder) Build() *Policy {
	return &Policy{
		ID:     b.id,
		Name:   b.name,
		Text:   b.Text(),
		Status: b.status,
		Author: b.author,
		Tags:   b.tags,
	}
}

func opClause(field, op string) string {
	if op == "" {
		op = "=="
	}
	return field + " " + op
}

// RequestBuilder assembles an access request.
type RequestBuilder struct {
	req *AccessRequest
}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{req: &AccessRequest{
		Principal: Principal{Attrs: map[string]any{}},
		Resource:  ResourceRef{Attrs: map[string]any{}},
		Context:   map[string]any{},
	}}
}

func (b *RequestBuilder) Principal(typ, id string) *RequestBuilder {
	b.req.Principal.Type = typ
	b.req.Principal.Attrs["id"] = id
	return b
}

func (b *RequestBuilder) PrincipalAttr(k string, v any) *RequestBuilder {
	b.req.Principal.Attrs[k] = v
	return b
}

func (b *RequestBuilder) Action(a string) *RequestBuilder { b.req.Action = a; return b }

func (b *RequestBuilder) Resource(typ string) *RequestBuilder {
	b.req.Resource.Type = typ
	return b
}

func (b *RequestBuilder) ResourceAttr(k string, v any) *RequestBuilder {
	b.req.Resource.Attrs[k] = v
	return b
}

func (b *RequestBuilder) Context(k string, v any) *RequestBuilder {
	b.req.Context[k] = v
	return b
}

func (b *RequestBuilder) Build() *AccessRequest { return b.req }
