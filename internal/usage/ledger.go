// Package usage tracks per-user lab time consumption and enforces plan
// allowances. A session is reserved when a connection ticket is requested,
// started when the websocket actually connects, and settled when it closes.
// Accounts roll over to a fresh period once the configured period length
// has elapsed.
package usage

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labfoundry/labgate/internal/identity"
)

var (
	// ErrQuotaExhausted is returned when the caller has no lab time left
	// in the current period.
	ErrQuotaExhausted = errors.New("no lab hours remaining")
	// ErrNoPrincipal is returned when no principal name can be resolved
	// for the caller.
	ErrNoPrincipal = errors.New("unable to resolve user principal")
)

// Snapshot is a point-in-time view of one account's consumption.
type Snapshot struct {
	Principal        string    `json:"principal"`
	Plan             Plan      `json:"plan"`
	AllowanceSeconds int64     `json:"allowanceSeconds"`
	ConsumedSeconds  int64     `json:"consumedSeconds"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	PeriodStartedAt  time.Time `json:"periodStartedAt"`
	ResetsAt         time.Time `json:"resetsAt"`
}

// IsExhausted reports whether the account has no remaining allowance.
func (s Snapshot) IsExhausted() bool {
	return s.RemainingSeconds <= 0
}

// Reservation is a pending session created by Reserve. No time has been
// charged yet; the session either starts when the connection opens or is
// cancelled.
type Reservation struct {
	SessionID string
	Snapshot  Snapshot
}

// SessionContext describes a session that has started accruing time.
type SessionContext struct {
	SessionID string
	Principal string
	Plan      Plan
	StartedAt time.Time
	Snapshot  Snapshot
}

type activeSession struct {
	id         string
	principal  string
	plan       Plan
	reservedAt time.Time
	startedAt  time.Time // zero until started
}

// account tracks one principal's consumption within the current period.
// All mutations happen under its own mutex so accounts never contend
// with each other.
type account struct {
	mu          sync.Mutex
	plan        Plan
	periodStart time.Time
	secondsUsed int64
}

// refresh resets the period when it has elapsed or the plan changed.
// Must be called on every touch before reading or charging time.
func (a *account) refresh(target Plan, now time.Time, period time.Duration) {
	if a.periodStart.IsZero() {
		a.periodStart = now
	}
	if a.plan != target {
		a.plan = target
		a.periodStart = now
		a.secondsUsed = 0
		return
	}
	if !a.periodStart.Add(period).After(now) {
		a.periodStart = now
		a.secondsUsed = 0
	}
}

func (a *account) remaining(allowance int64) int64 {
	if r := allowance - a.secondsUsed; r > 0 {
		return r
	}
	return 0
}

// consume charges seconds against the account, clamped to the allowance.
func (a *account) consume(seconds, allowance int64) {
	if seconds <= 0 {
		return
	}
	updated := a.secondsUsed + seconds
	if updated >= allowance {
		a.secondsUsed = allowance
	} else {
		a.secondsUsed = updated
	}
}

func (a *account) snapshot(principal string, plan Plan, allowance int64, period time.Duration, now time.Time) Snapshot {
	resetsAt := a.periodStart.Add(period)
	if !resetsAt.After(now) {
		a.periodStart = now
		a.secondsUsed = 0
		resetsAt = a.periodStart.Add(period)
	}
	return Snapshot{
		Principal:        principal,
		Plan:             plan,
		AllowanceSeconds: allowance,
		ConsumedSeconds:  a.secondsUsed,
		RemainingSeconds: a.remaining(allowance),
		PeriodStartedAt:  a.periodStart,
		ResetsAt:         resetsAt,
	}
}

// Ledger owns all usage accounts and outstanding session reservations.
// Accounts live in a sync.Map keyed by normalized principal so lookups
// never take a global lock; each account serializes its own mutations.
type Ledger struct {
	limits Limits

	accounts sync.Map // principal -> *account

	sessMu   sync.Mutex
	sessions map[string]*activeSession

	overrideMu      sync.RWMutex
	premiumOverride bool

	now func() time.Time
}

// NewLedger creates a ledger with the given limits. The premium override
// starts from the supplied configuration value and can be toggled at
// runtime via SetPremiumOverride.
func NewLedger(limits Limits, premiumOverride bool) *Ledger {
	return &Ledger{
		limits:          limits,
		sessions:        make(map[string]*activeSession),
		premiumOverride: premiumOverride,
		now:             time.Now,
	}
}

// Limits returns the quota configuration the ledger enforces.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// PremiumOverrideEnabled reports the current global override state.
func (l *Ledger) PremiumOverrideEnabled() bool {
	l.overrideMu.RLock()
	defer l.overrideMu.RUnlock()
	return l.premiumOverride
}

// SetPremiumOverride toggles the process-wide premium override. The effect
// is immediate for all subsequent plan resolutions.
func (l *Ledger) SetPremiumOverride(enabled bool) {
	l.overrideMu.Lock()
	l.premiumOverride = enabled
	l.overrideMu.Unlock()
}

// ResolvePlan determines the effective plan for the given identity.
// Precedence: global premium override, operator principal, premium role
// among the identity's roles, subscription attribute naming the premium
// role or plan. Everything else is the free plan.
func (l *Ledger) ResolvePlan(id *identity.Identity) Plan {
	if id == nil {
		return PlanFree
	}
	if l.PremiumOverrideEnabled() {
		return PlanPremium
	}
	if strings.EqualFold(strings.TrimSpace(id.Name), operatorPrincipal) {
		return PlanPremium
	}
	if id.HasRole(l.limits.PremiumRole) {
		return PlanPremium
	}
	if sub := id.Attribute(identity.AttrSubscription); sub != "" {
		if strings.EqualFold(sub, l.limits.PremiumRole) || strings.EqualFold(sub, string(PlanPremium)) {
			return PlanPremium
		}
	}
	return PlanFree
}

// Reserve checks the caller's remaining allowance and, if any is left,
// records a fresh session reservation. No time is charged until the
// session starts and later finishes.
func (l *Ledger) Reserve(principal string, plan Plan) (Reservation, error) {
	principal, err := normalizePrincipal(principal)
	if err != nil {
		return Reservation{}, err
	}

	now := l.now()
	acct := l.ensureAccount(principal, plan, now)
	allowance := l.limits.Allowance(plan)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.refresh(plan, now, l.limits.PeriodLength)
	if acct.remaining(allowance) <= 0 {
		log.Printf("Quota exceeded for %s (plan=%s)", principal, plan)
		return Reservation{}, ErrQuotaExhausted
	}

	session := &activeSession{
		id:         uuid.New().String(),
		principal:  principal,
		plan:       plan,
		reservedAt: now,
	}
	l.sessMu.Lock()
	l.sessions[session.id] = session
	l.sessMu.Unlock()

	snap := acct.snapshot(principal, plan, allowance, l.limits.PeriodLength, now)
	return Reservation{SessionID: session.id, Snapshot: snap}, nil
}

// Start marks a reserved session as started. The remaining quota is
// rechecked because time may have passed between reservation and connect;
// if it is exhausted the reservation is removed and ok is false, and the
// caller must reject the connection without charging time.
func (l *Ledger) Start(sessionID string) (SessionContext, bool) {
	l.sessMu.Lock()
	session := l.sessions[sessionID]
	l.sessMu.Unlock()
	if session == nil {
		return SessionContext{}, false
	}

	now := l.now()
	acct := l.ensureAccount(session.principal, session.plan, now)
	allowance := l.limits.Allowance(session.plan)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.refresh(session.plan, now, l.limits.PeriodLength)
	if acct.remaining(allowance) <= 0 {
		l.sessMu.Lock()
		delete(l.sessions, sessionID)
		l.sessMu.Unlock()
		log.Printf("Quota exhausted before starting session %s for %s", sessionID, session.principal)
		return SessionContext{}, false
	}

	session.startedAt = now
	snap := acct.snapshot(session.principal, session.plan, allowance, l.limits.PeriodLength, now)
	return SessionContext{
		SessionID: sessionID,
		Principal: session.principal,
		Plan:      session.plan,
		StartedAt: now,
		Snapshot:  snap,
	}, true
}

// Finish settles a session: the elapsed connected time is charged against
// the account, clamped to the allowance, and the reservation is removed.
// A second Finish for the same id finds no session and reports ok false,
// so double settlement is impossible.
func (l *Ledger) Finish(sessionID string) (Snapshot, bool) {
	l.sessMu.Lock()
	session := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	l.sessMu.Unlock()
	if session == nil {
		return Snapshot{}, false
	}

	now := l.now()
	acct := l.ensureAccount(session.principal, session.plan, now)
	allowance := l.limits.Allowance(session.plan)

	startedAt := session.startedAt
	if startedAt.IsZero() {
		// Never connected: charge from reservation time, which settles
		// to zero elapsed within clock precision.
		startedAt = session.reservedAt
	}
	seconds := int64(now.Sub(startedAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.refresh(session.plan, now, l.limits.PeriodLength)
	acct.consume(seconds, allowance)
	snap := acct.snapshot(session.principal, session.plan, allowance, l.limits.PeriodLength, now)
	log.Printf("Session %s for %s consumed %d seconds (%s)", sessionID, session.principal, seconds, session.plan)
	return snap, true
}

// Cancel removes a reservation without charging time. Used when ticket
// consumption or the backend connection fails before any data flowed.
func (l *Ledger) Cancel(sessionID string) {
	l.sessMu.Lock()
	delete(l.sessions, sessionID)
	l.sessMu.Unlock()
}

// SnapshotFor returns the current usage view for the given principal,
// applying the same period rollover as Reserve.
func (l *Ledger) SnapshotFor(principal string, plan Plan) (Snapshot, error) {
	principal, err := normalizePrincipal(principal)
	if err != nil {
		return Snapshot{}, err
	}

	now := l.now()
	acct := l.ensureAccount(principal, plan, now)
	allowance := l.limits.Allowance(plan)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.refresh(plan, now, l.limits.PeriodLength)
	return acct.snapshot(principal, plan, allowance, l.limits.PeriodLength, now), nil
}

func (l *Ledger) ensureAccount(principal string, plan Plan, now time.Time) *account {
	if v, ok := l.accounts.Load(principal); ok {
		return v.(*account)
	}
	v, _ := l.accounts.LoadOrStore(principal, &account{plan: plan, periodStart: now})
	return v.(*account)
}

func normalizePrincipal(principal string) (string, error) {
	trimmed := strings.TrimSpace(principal)
	if trimmed == "" {
		return "", ErrNoPrincipal
	}
	return strings.ToLower(trimmed), nil
}
