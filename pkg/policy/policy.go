// Package policy registers named authorization policies over identity claims.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bearergate/pkg/identity"
	"bearergate/pkg/trust"
)

// Built-in policy names.
const (
	Admin = "admin"
	User  = "user"
)

var (
	// ErrPolicyDenied indicates the identity does not satisfy the policy.
	ErrPolicyDenied = errors.New("policy: access denied")
	// ErrUnknownPolicy is returned for names that were never registered.
	ErrUnknownPolicy = errors.New("policy: unknown policy")
	// ErrDuplicatePolicy is returned when a name is registered twice.
	ErrDuplicatePolicy = errors.New("policy: duplicate policy name")
)

// DeniedError carries the policy that failed.
type DeniedError struct {
	Policy string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("policy: %q denied", e.Policy)
	}
	return fmt.Sprintf("policy: %q denied: %s", e.Policy, e.Reason)
}

// Is enables errors.Is(err, ErrPolicyDenied).
func (e *DeniedError) Is(target error) bool { return target == ErrPolicyDenied }

// Requirement decides whether an identity is allowed.
type Requirement interface {
	Allow(ctx context.Context, id *identity.Identity) (bool, error)
	String() string
}

// Policy is a named requirement.
type Policy struct {
	Name        string
	Requirement Requirement
}

// Set is the read-only collection of policies built at startup.
type Set struct {
	byName map[string]Policy
}

// Builder collects policies; names cannot be registered twice.
type Builder struct {
	byName map[string]Policy
}

// Add registers a policy. Registering an existing name fails, so extensions
// cannot replace the built-in policies.
func (b *Builder) Add(name string, req Requirement) error {
	if name == "" {
		return errors.New("policy: name is required")
	}
	if req == nil {
		return fmt.Errorf("policy %q: requirement is required", name)
	}
	if _, ok := b.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, name)
	}
	b.byName[name] = Policy{Name: name, Requirement: req}
	return nil
}

// RequireClaim registers a policy satisfied by one exact claim.
func (b *Builder) RequireClaim(name, claimType, value string) error {
	return b.Add(name, ClaimRequirement{ClaimType: claimType, ClaimValue: value})
}

// Has reports whether name is already registered.
func (b *Builder) Has(name string) bool {
	_, ok := b.byName[name]
	return ok
}

// Register builds the policy set for cfg. The admin policy exists iff an
// admin group is configured, the user policy iff a user group is; both
// check the configured group claim type. extend may add more policies
// after the built-in ones.
func Register(cfg *trust.Configuration, extend func(*Builder) error) (*Set, error) {
	b := &Builder{byName: map[string]Policy{}}
	if g := cfg.AdminGroupID(); g != "" {
		if err := b.RequireClaim(Admin, cfg.GroupClaimType(), g); err != nil {
			return nil, err
		}
	}
	if g := cfg.UserGroupID(); g != "" {
		if err := b.RequireClaim(User, cfg.GroupClaimType(), g); err != nil {
			return nil, err
		}
	}
	if extend != nil {
		if err := extend(b); err != nil {
			return nil, fmt.Errorf("policy: extension: %w", err)
		}
	}
	byName := make(map[string]Policy, len(b.byName))
	for k, v := range b.byName {
		byName[k] = v
	}
	return &Set{byName: byName}, nil
}

// Lookup returns the named policy.
func (s *Set) Lookup(name string) (Policy, bool) {
	if s == nil {
		return Policy{}, false
	}
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the registered policy names, sorted.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate checks id against the named policy. It returns nil when allowed,
// a *DeniedError when not, ErrUnknownPolicy for unregistered names and the
// requirement's own error when evaluation fails.
func (s *Set) Evaluate(ctx context.Context, name string, id *identity.Identity) error {
	p, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if !id.IsAuthenticated() {
		return &DeniedError{Policy: name, Reason: "not authenticated"}
	}
	allowed, err := p.Requirement.Allow(ctx, id)
	if err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}
	if !allowed {
		return &DeniedError{Policy: name, Reason: p.Requirement.String()}
	}
	return nil
}
