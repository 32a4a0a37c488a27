// Package policy is Conductor's Policy Interface (spec §6): consulted by
// Core (to build a task's ladder) and the Fallback Orchestrator, never
// owned by them; the Router does not consult it. Spec marks
// this interface "consumed, not owned" with no mandated implementation;
// this package supplies a minimal in-memory one, built in the same
// config-driven-gate idiom as pkg/breaker and pkg/budget.
package policy

import (
	"sync"

	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// TenantRule is a tenant's runtime-kind allowlist and fallback-descent
// rules. A zero-value TenantRule permits every kind in DefaultLadder
// order and allows every fallback descent.
type TenantRule struct {
	// AllowedKinds, if non-empty, restricts the runtime kinds this
	// tenant's tasks may ever run on, in priority order.
	AllowedKinds []types.RuntimeKind
	// DeniedDescents blocks a specific fallback descent irrespective of
	// AllowedKinds — e.g. a tenant permitted MicroVM and HostSandbox but
	// never allowed to fall back onto HostSandbox for HighRisk tasks.
	DeniedDescents map[types.RuntimeKind]bool
	// RequireHighRiskIsolation, when set, excludes HostSandbox (no
	// kernel boundary) for any Task marked HighRisk.
	RequireHighRiskIsolation bool
}

// Policy answers runtime-kind and fallback eligibility questions,
// satisfying pkg/fallback.Policy.
type Policy struct {
	mu    sync.RWMutex
	rules map[string]TenantRule
	log   zerolog.Logger
}

func New() *Policy {
	return &Policy{rules: make(map[string]TenantRule), log: log.Component("policy")}
}

// SetTenantRule installs (or replaces) tenantID's rule set.
func (p *Policy) SetTenantRule(tenantID string, rule TenantRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[tenantID] = rule
}

func (p *Policy) ruleFor(tenantID string) TenantRule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules[tenantID]
}

// AllowedRuntimeKinds returns the ranked runtime kinds task's tenant may
// use: the tenant's AllowedKinds, or when that is empty the built-in
// RemoteSandbox, MicroVM, HostSandbox order, with HostSandbox removed for
// HighRisk tasks when RequireHighRiskIsolation is set.
func (p *Policy) AllowedRuntimeKinds(tenantID string, task *types.Task) []types.RuntimeKind {
	rule := p.ruleFor(tenantID)

	base := rule.AllowedKinds
	if len(base) == 0 {
		base = []types.RuntimeKind{
			types.RuntimeRemoteSandbox,
			types.RuntimeMicroVM,
			types.RuntimeHostSandbox,
		}
	}

	out := make([]types.RuntimeKind, 0, len(base))
	for _, kind := range base {
		if rule.RequireHighRiskIsolation && task.HighRisk && kind == types.RuntimeHostSandbox {
			continue
		}
		out = append(out, kind)
	}
	return out
}

// MayFallbackTo reports whether task may descend to kind, having already
// exhausted higher-ranked kinds in its ladder.
func (p *Policy) MayFallbackTo(task *types.Task, kind types.RuntimeKind) bool {
	rule := p.ruleFor(task.TenantID)
	if rule.RequireHighRiskIsolation && task.HighRisk && kind == types.RuntimeHostSandbox {
		return false
	}
	if rule.DeniedDescents != nil && rule.DeniedDescents[kind] {
		return false
	}
	return true
}
