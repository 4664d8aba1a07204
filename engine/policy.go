package engine

import "context"

// =============================================================================
// OVERRUN POLICY - Soft destination overruns, hard project ceiling
// =============================================================================

// Client and depot quotas are commercial allocations that staff may
// knowingly override; the project total is the vessel's cargo, a physical
// ceiling that can never be exceeded in the data model. Hence the
// asymmetry: destination overruns are confirmable, project overruns are
// rejected unconditionally.
//
// Authorization checks always consider all-time consumption. A display
// date filter must never make an over-quota delivery look admissible.

type OverrunClass int

const (
	WithinQuota OverrunClass = iota
	SoftOverrun              // destination-level, confirmable
	HardOverrun              // project-level, rejected
)

// OverrunDecision carries the classification plus the numbers behind it.
type OverrunDecision struct {
	Class OverrunClass

	// Destination-scope figures (always populated).
	Destination    Scope
	DestAuthorized Weight
	DestConsumed   Weight
	DestRemaining  Weight
	DestExcess     Weight // requested - remaining, when Class >= SoftOverrun

	// Project-scope figures (always populated).
	ProjAuthorized Weight
	ProjConsumed   Weight
	ProjRemaining  Weight
	ProjShortfall  Weight // requested - remaining, when Class == HardOverrun
}

// OverrunPolicy classifies a prospective delivery against the ledger.
type OverrunPolicy struct {
	ledger *QuotaLedger
}

func NewOverrunPolicy(ledger *QuotaLedger) *OverrunPolicy {
	return &OverrunPolicy{ledger: ledger}
}

// Evaluate classifies a candidate net weight w delivered to dest within
// projectID. excludeID removes an existing record (and its paired side)
// from the consumed sums; pass "" for a fresh commit.
//
// The project check runs independently of the destination check and takes
// precedence: a delivery that breaks the project ceiling is a HardOverrun
// even when the destination has headroom, and no confirmation changes that.
func (p *OverrunPolicy) Evaluate(ctx context.Context, projectID string, dest Scope, w Weight, excludeID string) (OverrunDecision, error) {
	d := OverrunDecision{Class: WithinQuota, Destination: dest}

	var err error
	if d.DestAuthorized, err = p.ledger.Authorized(ctx, dest, projectID); err != nil {
		return d, err
	}
	if d.DestConsumed, err = p.ledger.ConsumedExcluding(ctx, dest, projectID, excludeID, nil); err != nil {
		return d, err
	}
	d.DestRemaining = d.DestAuthorized.Sub(d.DestConsumed)

	if d.ProjAuthorized, err = p.ledger.Authorized(ctx, ProjectScope(), projectID); err != nil {
		return d, err
	}
	if d.ProjConsumed, err = p.ledger.ConsumedExcluding(ctx, ProjectScope(), projectID, excludeID, nil); err != nil {
		return d, err
	}
	d.ProjRemaining = d.ProjAuthorized.Sub(d.ProjConsumed)

	if w.GreaterThan(d.DestRemaining) {
		d.Class = SoftOverrun
		d.DestExcess = w.Sub(d.DestRemaining)
	}
	if w.GreaterThan(d.ProjRemaining) {
		d.Class = HardOverrun
		d.ProjShortfall = w.Sub(d.ProjRemaining)
	}
	return d, nil
}

// Err converts a decision into the error the caller sees. WithinQuota maps
// to nil; SoftOverrun maps to nil when confirmed.
func (d OverrunDecision) Err(projectID string, w Weight, confirmed bool) error {
	switch d.Class {
	case HardOverrun:
		return &QuotaExceededError{
			ProjectID:  projectID,
			Authorized: d.ProjAuthorized,
			Consumed:   d.ProjConsumed,
			Remaining:  d.ProjRemaining,
			Requested:  w,
			Shortfall:  d.ProjShortfall,
		}
	case SoftOverrun:
		if confirmed {
			return nil
		}
		return &SoftOverrunError{
			Scope:      d.Destination,
			ProjectID:  projectID,
			Authorized: d.DestAuthorized,
			Consumed:   d.DestConsumed,
			Remaining:  d.DestRemaining,
			Requested:  w,
			Excess:     d.DestExcess,
		}
	}
	return nil
}
