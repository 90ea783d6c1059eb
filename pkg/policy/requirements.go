package policy

import (
	"context"
	"fmt"
	"strings"

	jmes "github.com/jmespath/go-jmespath"
	"github.com/open-policy-agent/opa/rego"

	"bearergate/pkg/identity"
)

// ClaimRequirement is satisfied by a claim with the exact type and value.
type ClaimRequirement struct {
	ClaimType  string
	ClaimValue string
}

func (r ClaimRequirement) Allow(_ context.Context, id *identity.Identity) (bool, error) {
	return id.HasClaim(r.ClaimType, r.ClaimValue), nil
}

func (r ClaimRequirement) String() string {
	return fmt.Sprintf("claim %s=%s required", r.ClaimType, r.ClaimValue)
}

// AnyClaimRequirement is satisfied by a claim of the type carrying any of the
// values, or any value at all when Values is empty.
type AnyClaimRequirement struct {
	ClaimType string
	Values    []string
}

func (r AnyClaimRequirement) Allow(_ context.Context, id *identity.Identity) (bool, error) {
	if len(r.Values) == 0 {
		_, ok := id.FindFirst(r.ClaimType)
		return ok, nil
	}
	for _, v := range r.Values {
		if id.HasClaim(r.ClaimType, v) {
			return true, nil
		}
	}
	return false, nil
}

func (r AnyClaimRequirement) String() string {
	if len(r.Values) == 0 {
		return fmt.Sprintf("claim %s required", r.ClaimType)
	}
	return fmt.Sprintf("claim %s in [%s] required", r.ClaimType, strings.Join(r.Values, ","))
}

// ExpressionRequirement evaluates a JMESPath expression against the claim
// document (see identity.Document); a truthy result allows.
type ExpressionRequirement struct {
	expr string
	jp   *jmes.JMESPath
}

// NewExpressionRequirement compiles expr.
func NewExpressionRequirement(expr string) (*ExpressionRequirement, error) {
	jp, err := jmes.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("jmespath %q: %w", expr, err)
	}
	return &ExpressionRequirement{expr: expr, jp: jp}, nil
}

func (r *ExpressionRequirement) Allow(_ context.Context, id *identity.Identity) (bool, error) {
	res, err := r.jp.Search(id.Document())
	if err != nil {
		return false, err
	}
	return truthy(res), nil
}

func (r *ExpressionRequirement) String() string { return "expression " + r.expr }

// RegoRequirement evaluates a prepared Rego query with input
// {"claims": <claim document>, "authentication_type": ...}. The query must
// produce a boolean; anything else denies.
type RegoRequirement struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewRegoRequirement compiles module and prepares query (e.g. "data.authz.allow").
func NewRegoRequirement(ctx context.Context, query, module string) (*RegoRequirement, error) {
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rego %q: %w", query, err)
	}
	return &RegoRequirement{query: query, prepared: pq}, nil
}

func (r *RegoRequirement) Allow(ctx context.Context, id *identity.Identity) (bool, error) {
	input := map[string]any{
		"claims":              id.Document(),
		"authentication_type": id.AuthenticationType(),
	}
	rs, err := r.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := rs[0].Expressions[0].Value.(bool)
	return allowed, nil
}

func (r *RegoRequirement) String() string { return "rego " + r.query }

// truthy follows JMESPath truthiness: false, null, "" and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
