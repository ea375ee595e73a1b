// Package tunnel composes quota accounting, ticket gating, backend
// transports and the connection registry into the session lifecycle:
// issue a ticket, open a bridged connection, settle usage on teardown.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/labfoundry/labgate/internal/bridge"
	"github.com/labfoundry/labgate/internal/identity"
	"github.com/labfoundry/labgate/internal/targets"
	"github.com/labfoundry/labgate/internal/ticket"
	"github.com/labfoundry/labgate/internal/usage"
)

var (
	// ErrTicketInvalid covers unknown, expired and already-used tickets.
	// Callers must not distinguish the three cases.
	ErrTicketInvalid = errors.New("invalid ticket")

	// ErrUnknownTarget means the requested node id is not in the allow-list.
	ErrUnknownTarget = errors.New("unknown target node")

	// ErrBackendConnect wraps transport connection failures.
	ErrBackendConnect = errors.New("backend connect failed")
)

// DialFunc opens a backend transport to the given target.
type DialFunc func(ctx context.Context, target targets.Target) (bridge.Transport, error)

// IssueResult is a granted ticket together with the usage snapshot taken
// at reservation time.
type IssueResult struct {
	Ticket   ticket.Ticket
	Snapshot usage.Snapshot
}

// Orchestrator owns the session lifecycle across the ledger, the ticket
// issuer, the target allow-list and the live-connection registry.
type Orchestrator struct {
	Ledger   *usage.Ledger
	Issuer   *ticket.Issuer
	Targets  *targets.Registry
	Registry *bridge.Registry
}

func New(ledger *usage.Ledger, issuer *ticket.Issuer, tr *targets.Registry, reg *bridge.Registry) *Orchestrator {
	return &Orchestrator{Ledger: ledger, Issuer: issuer, Targets: tr, Registry: reg}
}

// IssueTicket reserves quota for the caller and mints a one-time ticket
// bound to the reservation. Returns usage.ErrNoPrincipal when the
// identity has no resolvable principal and usage.ErrQuotaExhausted when
// the allowance is spent.
func (o *Orchestrator) IssueTicket(id *identity.Identity) (IssueResult, error) {
	plan := o.Ledger.ResolvePlan(id)
	res, err := o.Ledger.Reserve(id.Principal(), plan)
	if err != nil {
		return IssueResult{}, err
	}

	tk, err := o.Issuer.Issue(res.Snapshot.Principal, res.SessionID, plan)
	if err != nil {
		o.Ledger.Cancel(res.SessionID)
		return IssueResult{}, fmt.Errorf("issue ticket: %w", err)
	}

	log.Printf("ticket issued: principal=%s session=%s plan=%s remaining=%ds",
		res.Snapshot.Principal, res.SessionID, plan, res.Snapshot.RemainingSeconds)
	return IssueResult{Ticket: tk, Snapshot: res.Snapshot}, nil
}

// SessionOptions controls how OpenSession bridges the connection.
type SessionOptions struct {
	// TagOutput enables '0'-prefixed egress frames (terminal bridges).
	TagOutput bool
}

// OpenSession redeems a ticket, starts its reservation, connects the
// backend transport and wires the bridge. Every failure path cancels the
// reservation without charging time: the caller was never connected, so
// no lab time was consumed. The returned bridge is registered but not yet
// started; the caller starts the pumps once the client connection is
// ready.
func (o *Orchestrator) OpenSession(ctx context.Context, ticketValue, nodeID string, client bridge.ClientWriter, dial DialFunc, opts SessionOptions) (*bridge.Bridge, error) {
	tk, ok := o.Issuer.Consume(ticketValue)
	if !ok {
		// An expired ticket still carries its reservation; release it so
		// the session does not stay pinned until the period rolls over.
		if tk.SessionID != "" {
			o.Ledger.Cancel(tk.SessionID)
		}
		return nil, ErrTicketInvalid
	}

	target, ok := o.Targets.Find(nodeID)
	if !ok {
		o.Ledger.Cancel(tk.SessionID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, nodeID)
	}

	// Second quota checkpoint. A reservation made near exhaustion may
	// find the allowance spent by the time the connection opens.
	sess, ok := o.Ledger.Start(tk.SessionID)
	if !ok {
		return nil, usage.ErrQuotaExhausted
	}

	transport, err := dial(ctx, target)
	if err != nil {
		o.Ledger.Cancel(tk.SessionID)
		return nil, fmt.Errorf("%w: %w", ErrBackendConnect, err)
	}

	b := bridge.New(sess.SessionID, transport, client, bridge.Options{
		TagOutput: opts.TagOutput,
		OnClosed: func() {
			o.Registry.Remove(sess.SessionID)
			if snap, ok := o.Ledger.Finish(sess.SessionID); ok {
				log.Printf("session finished: id=%s principal=%s consumed=%ds remaining=%ds",
					sess.SessionID, snap.Principal, snap.ConsumedSeconds, snap.RemainingSeconds)
			}
		},
	})
	if !o.Registry.Put(sess.SessionID, b) {
		log.Printf("connection registry already holds session %s", sess.SessionID)
	}

	log.Printf("session opened: id=%s principal=%s plan=%s node=%s",
		sess.SessionID, sess.Principal, sess.Plan, nodeID)
	return b, nil
}

// SweepExpiredTickets purges physically-expired tickets and cancels
// their ledger reservations so never-redeemed tickets do not pin
// sessions forever. Invoked periodically by the cron schedule in main.
func (o *Orchestrator) SweepExpiredTickets() {
	expired := o.Issuer.PurgeExpired()
	for _, tk := range expired {
		o.Ledger.Cancel(tk.SessionID)
	}
	if len(expired) > 0 {
		log.Printf("ticket sweep: cancelled %d expired reservation(s)", len(expired))
	}
}
