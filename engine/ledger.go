/*
ledger.go - Quota consumption and remaining computation

PURPOSE:
  Answers "how much of this quota is used?" by summing net delivered weight
  over committed delivery records. There is no cached running total: every
  call recomputes from the store, so the result always reflects the latest
  committed state, and the work-day windowing stays trivially correct.

DOUBLE-COUNT AVOIDANCE:
  Every physical delivery may be described by up to two records (a Voyage
  and a Dechargement) joined by business key. The ledger counts each
  physical delivery once: when both sides exist for a key, the Voyage is
  authoritative; an unpaired Dechargement counts on its own.

SIGNED REMAINING:
  remaining = authorized - consumed, exactly. Negative remaining is a
  valid over-quota state and is never clamped to zero.

SEE ALSO:
  - workday.go: range membership for filtered reports
  - policy.go: overrun classification on top of Remaining
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var decimalTen = decimal.NewFromInt(10)

// =============================================================================
// QUOTA LEDGER
// =============================================================================

// QuotaLedger computes consumed and remaining quantities for a scope.
type QuotaLedger struct {
	store Store
	clock Clock
}

func NewQuotaLedger(store Store) *QuotaLedger {
	return &QuotaLedger{store: store, clock: time.Now}
}

// Consumed sums net delivered weight for the scope within the project,
// optionally restricted to timestamps inside the range's work-day windows.
// A nil range means all-time. For ScopeProject the sum spans every
// destination in the project.
func (l *QuotaLedger) Consumed(ctx context.Context, scope Scope, projectID string, rng *DateRange) (Weight, error) {
	return l.ConsumedExcluding(ctx, scope, projectID, "", rng)
}

// ConsumedExcluding is Consumed minus the contribution of one record id.
// Update checks use it so a record's previous weight does not count against
// its own replacement.
func (l *QuotaLedger) ConsumedExcluding(ctx context.Context, scope Scope, projectID, excludeID string, rng *DateRange) (Weight, error) {
	records, err := l.store.ListByScope(ctx, scope, projectID)
	if err != nil {
		return ZeroWeight(), storeErr(err)
	}

	// Excluding a record also excludes its paired side: both describe the
	// same physical delivery.
	var excludeKey BusinessKey
	if excludeID != "" {
		for _, rec := range records {
			if rec.ID == excludeID {
				excludeKey = rec.Key
				break
			}
		}
	}

	total := ZeroWeight()
	for _, rec := range dedupeByKey(records) {
		if excludeID != "" && (rec.ID == excludeID || (!excludeKey.IsZero() && rec.Key == excludeKey)) {
			continue
		}
		if rng != nil && !rng.Contains(rec.OccurredAt, l.clock) {
			continue
		}
		total = total.Add(rec.Net)
	}
	return total, nil
}

// Authorized returns the quota ceiling for the scope within the project.
func (l *QuotaLedger) Authorized(ctx context.Context, scope Scope, projectID string) (Weight, error) {
	switch scope.Kind {
	case ScopeProject:
		p, err := l.store.GetProject(ctx, projectID)
		if err != nil {
			return ZeroWeight(), storeErr(err)
		}
		return p.TotalAuthorized, nil

	case ScopeClient:
		q, err := l.store.GetClientQuota(ctx, scope.ID, projectID)
		if err != nil {
			return ZeroWeight(), storeErr(err)
		}
		if q == nil {
			return ZeroWeight(), fmt.Errorf("%w: client %s in project %s", ErrQuotaNotFound, scope.ID, projectID)
		}
		return q.Authorized, nil

	case ScopeDepot:
		q, err := l.store.GetDepotQuota(ctx, scope.ID, projectID)
		if err != nil {
			return ZeroWeight(), storeErr(err)
		}
		if q == nil {
			return ZeroWeight(), fmt.Errorf("%w: depot %s in project %s", ErrQuotaNotFound, scope.ID, projectID)
		}
		return q.Authorized, nil
	}

	return ZeroWeight(), fmt.Errorf("unknown scope kind %q", scope.Kind)
}

// Remaining returns authorized - consumed for the scope. Signed: negative
// means the quota is already exceeded.
func (l *QuotaLedger) Remaining(ctx context.Context, scope Scope, projectID string, rng *DateRange) (Weight, error) {
	return l.RemainingExcluding(ctx, scope, projectID, "", rng)
}

// RemainingExcluding is Remaining with one record id left out of the
// consumed sum.
func (l *QuotaLedger) RemainingExcluding(ctx context.Context, scope Scope, projectID, excludeID string, rng *DateRange) (Weight, error) {
	authorized, err := l.Authorized(ctx, scope, projectID)
	if err != nil {
		return ZeroWeight(), err
	}
	consumed, err := l.ConsumedExcluding(ctx, scope, projectID, excludeID, rng)
	if err != nil {
		return ZeroWeight(), err
	}
	return authorized.Sub(consumed), nil
}

// dedupeByKey collapses paired records to a single contribution per
// business key, preferring the Voyage side. Records without a business key
// on file (legacy imports) count individually.
func dedupeByKey(records []DeliveryRecord) []DeliveryRecord {
	type slot struct {
		index int
		side  Side
	}
	out := make([]DeliveryRecord, 0, len(records))
	seen := make(map[BusinessKey]slot)

	for _, rec := range records {
		if rec.Key.IsZero() {
			out = append(out, rec)
			continue
		}
		prev, ok := seen[rec.Key]
		if !ok {
			seen[rec.Key] = slot{index: len(out), side: rec.Side}
			out = append(out, rec)
			continue
		}
		// Pair already represented; Voyage wins.
		if prev.side == SideDechargement && rec.Side == SideVoyage {
			out[prev.index] = rec
			seen[rec.Key] = slot{index: prev.index, side: SideVoyage}
		}
	}
	return out
}

// =============================================================================
// LEDGER REPORT - Display-oriented summary
// =============================================================================

type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning" // remaining below 10% of authorized
	SeverityDanger  Severity = "danger"  // remaining negative
)

// Report is what screens show for a scope: the signed remaining plus a
// severity classification. The classification is presentation-only; the
// ledger never clamps.
type Report struct {
	Scope      Scope
	ProjectID  string
	Authorized Weight
	Consumed   Weight
	Remaining  Weight
	Severity   Severity
}

// ReportFor assembles a Report for the scope, optionally range-filtered.
func (l *QuotaLedger) ReportFor(ctx context.Context, scope Scope, projectID string, rng *DateRange) (Report, error) {
	authorized, err := l.Authorized(ctx, scope, projectID)
	if err != nil {
		return Report{}, err
	}
	consumed, err := l.Consumed(ctx, scope, projectID, rng)
	if err != nil {
		return Report{}, err
	}
	remaining := authorized.Sub(consumed)

	severity := SeverityOK
	threshold := Weight{Value: authorized.Value.Div(decimalTen)}
	if remaining.IsNegative() {
		severity = SeverityDanger
	} else if !authorized.IsZero() && remaining.LessThan(threshold) {
		severity = SeverityWarning
	}

	return Report{
		Scope:      scope,
		ProjectID:  projectID,
		Authorized: authorized,
		Consumed:   consumed,
		Remaining:  remaining,
		Severity:   severity,
	}, nil
}
