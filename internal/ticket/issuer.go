// Package ticket issues single-use, time-limited connection tickets.
// A ticket authorizes exactly one websocket open and binds the caller's
// principal to a reserved session id and plan. Consumption is
// delete-on-read, so a ticket can never authorize two connections.
package ticket

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/labfoundry/labgate/internal/usage"
)

// DefaultTTL is how long an issued ticket stays valid.
const DefaultTTL = time.Minute

// Ticket is a single-use capability. The principal, session id, and plan
// are fixed at issue time.
type Ticket struct {
	Value     string
	Principal string
	SessionID string
	Plan      usage.Plan
	ExpiresAt time.Time
}

// Issuer stores outstanding tickets keyed by their opaque value.
type Issuer struct {
	mu      sync.Mutex
	tickets map[string]Ticket
	ttl     time.Duration

	now func() time.Time
}

// NewIssuer creates an issuer with the given TTL. A non-positive ttl
// falls back to DefaultTTL.
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		tickets: make(map[string]Ticket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue creates a ticket bound to the given principal, session id, and
// plan. The value is 32 bytes of crypto/rand, hex-encoded.
func (i *Issuer) Issue(principal, sessionID string, plan usage.Plan) (Ticket, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Ticket{}, fmt.Errorf("generate ticket value: %w", err)
	}

	t := Ticket{
		Value:     hex.EncodeToString(b),
		Principal: principal,
		SessionID: sessionID,
		Plan:      plan,
		ExpiresAt: i.now().Add(i.ttl),
	}

	i.mu.Lock()
	i.tickets[t.Value] = t
	i.mu.Unlock()
	return t, nil
}

// Consume atomically removes the ticket with the given value. It reports
// ok false when the value is blank, unknown, already consumed, or the
// ticket has expired. At most one Consume call for a value can succeed.
// An expired ticket is returned alongside ok=false: it is removed from
// the store here, so the caller must release the session reservation it
// was bound to.
func (i *Issuer) Consume(value string) (Ticket, bool) {
	if value == "" {
		return Ticket{}, false
	}

	i.mu.Lock()
	t, ok := i.tickets[value]
	if ok {
		delete(i.tickets, value)
	}
	i.mu.Unlock()

	if !ok {
		return Ticket{}, false
	}
	if t.ExpiresAt.Before(i.now()) {
		return t, false
	}
	return t, true
}

// PurgeExpired removes tickets whose expiry has passed and returns them so
// the caller can cancel the session reservations they were bound to.
// Expired tickets are already logically dead for Consume; this reclaims
// the storage and the dangling reservations.
func (i *Issuer) PurgeExpired() []Ticket {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	var expired []Ticket
	for value, t := range i.tickets {
		if t.ExpiresAt.Before(now) {
			expired = append(expired, t)
			delete(i.tickets, value)
		}
	}
	return expired
}

// Outstanding returns the number of unconsumed, unexpired-or-not tickets
// currently stored.
func (i *Issuer) Outstanding() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.tickets)
}
