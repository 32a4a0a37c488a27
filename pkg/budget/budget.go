// Package budget is Conductor's Budget & Quota Gate (spec §4.7):
// pre-admission ceiling/quota checks, atomic reservation, and
// post-execution reconciliation.
package budget

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/registry"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Applier submits budget mutations through Core's durable write path.
// Defined locally, mirroring pkg/registry.Applier, to avoid an import
// cycle with pkg/core.
type Applier interface {
	Apply(op string, data []byte) error
}

const OpUpsertTenantBudget = "upsert_tenant_budget"

// Thresholds for the warning/critical budget.alert events (spec §4.7's
// "e.g., 75%, 90%" example, taken as the operative default).
const (
	warningThreshold  = 0.75
	criticalThreshold = 0.90
)

// Config tunes the Gate.
type Config struct {
	// Slack is the fraction by which observed cost may exceed the
	// reservation before a budget.overshoot event is emitted.
	Slack float64
	// ResetHourUTC is the UTC hour at which daily/monthly scopes reset.
	ResetHourUTC int
}

func DefaultConfig() Config {
	return Config{Slack: 0.10, ResetHourUTC: 0}
}

// quotaSource supplies each tenant's concurrency ceiling; the Gate does not
// own Quota records (spec §3 leaves Quota ownership with the caller/CLI),
// it only enforces them.
type quotaSource interface {
	Quota(tenantID string) (types.Quota, bool)
	ActiveTaskCount(tenantID string) int
}

// Gate is the Budget & Quota Gate.
type Gate struct {
	cfg      Config
	applier  Applier
	store    storage.Store
	bus      *events.Broker
	tokens   *registry.TokenManager
	quotas   quotaSource
	throttle *catrate.Limiter
	cronSched *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	budgets map[string]*types.TenantBudget // key: tenantID/scope
}

// New constructs a Gate. throttleRates configures the near-limit throttle
// (spec §4.7 implies tenants near their limit should be slowed, not just
// hard-cut at 100%); pass nil to disable near-limit throttling.
func New(cfg Config, applier Applier, store storage.Store, bus *events.Broker, tokens *registry.TokenManager, quotas quotaSource, throttleRates map[time.Duration]int) (*Gate, error) {
	g := &Gate{
		cfg:     cfg,
		applier: applier,
		store:   store,
		bus:     bus,
		tokens:  tokens,
		quotas:  quotas,
		log:     log.Component("budget"),
		budgets: make(map[string]*types.TenantBudget),
	}
	if len(throttleRates) > 0 {
		g.throttle = catrate.NewLimiter(throttleRates)
	}

	existing, err := store.ListTenantBudgets()
	if err != nil {
		return nil, fmt.Errorf("budget: load tenant budgets: %w", err)
	}
	for _, b := range existing {
		g.budgets[budgetKey(b.TenantID, b.Scope)] = b
	}

	g.cronSched = cron.New(cron.WithLocation(time.UTC))
	spec := fmt.Sprintf("0 %d * * *", cfg.ResetHourUTC)
	if _, err := g.cronSched.AddFunc(spec, g.resetDaily); err != nil {
		return nil, fmt.Errorf("budget: schedule daily reset: %w", err)
	}
	monthlySpec := fmt.Sprintf("0 %d 1 * *", cfg.ResetHourUTC)
	if _, err := g.cronSched.AddFunc(monthlySpec, g.resetMonthly); err != nil {
		return nil, fmt.Errorf("budget: schedule monthly reset: %w", err)
	}

	return g, nil
}

func budgetKey(tenantID string, scope types.BudgetScope) string {
	return tenantID + "/" + string(scope)
}

func (g *Gate) Start() { g.cronSched.Start() }
func (g *Gate) Stop()  { <-g.cronSched.Stop().Done() }

// Admit runs the pre-admission checks of spec §4.7 and, on success,
// atomically reserves estimatedCost against the tenant's active budget.
// hasOverridePermission is true when the caller presented a valid
// budget.override token (pkg/registry.RoleBudgetOverride).
func (g *Gate) Admit(tenantID string, estimatedCost float64, explicitOverride, hasOverridePermission bool) error {
	if g.quotas != nil {
		if q, ok := g.quotas.Quota(tenantID); ok && q.MaxActiveTasks > 0 {
			if g.quotas.ActiveTaskCount(tenantID) >= q.MaxActiveTasks {
				return cerrors.New(cerrors.BudgetExceeded, "tenant active task quota exceeded")
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[budgetKey(tenantID, types.BudgetDaily)]
	if !ok || b == nil {
		return cerrors.New(cerrors.BudgetExceeded, "tenant has no active budget")
	}

	if b.Consumed >= b.Limit {
		if !(explicitOverride && hasOverridePermission) {
			return cerrors.New(cerrors.BudgetExceeded, "tenant budget consumed")
		}
	}

	if g.throttle != nil && b.Limit > 0 && b.Consumed/b.Limit >= warningThreshold {
		if _, allowed := g.throttle.Allow(tenantID); !allowed {
			return cerrors.New(cerrors.BudgetExceeded, "tenant is near budget limit, throttled")
		}
	}

	b.Consumed += estimatedCost
	g.checkThresholds(b)
	return g.persist(b)
}

// SetBudget installs or replaces tenantID's ceiling for scope (spec §3's
// TenantBudget, created by operator/CLI tooling rather than derived from
// task traffic). Consumed/alert flags reset to zero; an already-consumed
// budget should go through Reconcile instead.
func (g *Gate) SetBudget(tenantID string, scope types.BudgetScope, limit float64, resetAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := &types.TenantBudget{
		TenantID: tenantID,
		Scope:    scope,
		Limit:    limit,
		ResetAt:  resetAt,
	}
	g.budgets[budgetKey(tenantID, scope)] = b
	return g.persist(b)
}

// Reconcile adjusts a reservation to the observed cost after execution
// (spec §4.7's post-execution step). A positive delta increases Consumed;
// the delta is negative when the observed cost is less than reserved.
func (g *Gate) Reconcile(tenantID string, reservedCost, observedCost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[budgetKey(tenantID, types.BudgetDaily)]
	if !ok {
		return fmt.Errorf("budget: reconcile: no budget for tenant %s", tenantID)
	}

	delta := observedCost - reservedCost
	b.Consumed += delta

	if reservedCost > 0 && observedCost > reservedCost*(1+g.cfg.Slack) {
		g.bus.Publish(&events.Event{
			Type:     events.BudgetOvershoot,
			TenantID: tenantID,
			Message:  fmt.Sprintf("observed cost %.4f exceeds reservation %.4f by more than %.0f%%", observedCost, reservedCost, g.cfg.Slack*100),
			Audit:    true,
		})
	}

	g.checkThresholds(b)
	return g.persist(b)
}

// checkThresholds emits budget.alert once per threshold per reset window
// (spec §4.7), tracked via the AlertedWarning/AlertedCritical flags that
// are cleared by the reset cron jobs.
func (g *Gate) checkThresholds(b *types.TenantBudget) {
	if b.Limit <= 0 {
		return
	}
	ratio := b.Consumed / b.Limit

	if ratio >= criticalThreshold && !b.AlertedCritical {
		b.AlertedCritical = true
		metrics.BudgetAlertsTotal.WithLabelValues(b.TenantID, "critical").Inc()
		g.bus.Publish(&events.Event{Type: events.BudgetAlert, TenantID: b.TenantID, Message: "budget at critical threshold", Audit: true})
	} else if ratio >= warningThreshold && !b.AlertedWarning {
		b.AlertedWarning = true
		metrics.BudgetAlertsTotal.WithLabelValues(b.TenantID, "warning").Inc()
		g.bus.Publish(&events.Event{Type: events.BudgetAlert, TenantID: b.TenantID, Message: "budget at warning threshold", Audit: true})
	}
}

func (g *Gate) persist(b *types.TenantBudget) error {
	b.SchemaVersion = 1
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return g.applier.Apply(OpUpsertTenantBudget, data)
}

// Apply is invoked by Core's FSM after an upsert_tenant_budget command
// commits, to keep the in-memory view current.
func (g *Gate) Apply(b *types.TenantBudget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budgets[budgetKey(b.TenantID, b.Scope)] = b
}

// resetDaily is invoked by cron at cfg.ResetHourUTC every day. Idempotent:
// re-running within the same day is a no-op because ResetAt is advanced
// past "now" on the first run.
func (g *Gate) resetDaily() { g.reset(types.BudgetDaily, 24*time.Hour) }

// resetMonthly is invoked by cron at cfg.ResetHourUTC on the 1st of the
// month.
func (g *Gate) resetMonthly() { g.reset(types.BudgetMonthly, 0) }

func (g *Gate) reset(scope types.BudgetScope, period time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	for key, b := range g.budgets {
		if b.Scope != scope {
			continue
		}
		if !b.ResetAt.IsZero() && now.Before(b.ResetAt) {
			continue
		}
		b.Consumed = 0
		b.AlertedWarning = false
		b.AlertedCritical = false
		if period > 0 {
			b.ResetAt = now.Add(period)
		} else {
			b.ResetAt = time.Date(now.Year(), now.Month()+1, 1, g.cfg.ResetHourUTC, 0, 0, 0, time.UTC)
		}
		if err := g.persist(b); err != nil {
			g.log.Error().Err(err).Str("key", key).Msg("persist budget reset")
		}
	}
}
