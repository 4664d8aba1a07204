/*
engine.go - Delivery commit/update/delete orchestration

PURPOSE:
  The facade the surrounding application calls. Each operation runs the
  same pipeline: validate the destination invariant, check quotas through
  the overrun policy, persist, then hand off to the synchronizer for
  best-effort pair maintenance.

CONCURRENCY:
  The quota check and the persistence write form a check-then-act pair:
  two concurrent commits could both read a stale remaining and jointly
  exceed the quota. The engine serializes all mutating operations per
  project with a keyed mutex held across check + write. The project-level
  ceiling spans every destination in the project, so the project is the
  unit of serialization. Synchronization runs after the lock is released -
  it is advisory and needs no atomicity with the primary write.

SEE ALSO:
  - policy.go: overrun classification
  - sync.go: pair propagation and cascade delete
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/cargo-engine/idgen"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	notifier Notifier
	ledger   *QuotaLedger
	policy   *OverrunPolicy
	sync     *Synchronizer
	log      *logrus.Logger
	clock    Clock
	newID    func() string
	locks    projectLocks
}

type Option func(*Engine)

// WithClock injects the time source (tests pin it).
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger injects the logger. Defaults to the logrus standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithIDGenerator injects the id source for records and notifications.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func New(store Store, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		log:      logrus.StandardLogger(),
		clock:    time.Now,
		newID:    idgen.Next,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = &QuotaLedger{store: store, clock: e.clock}
	e.policy = NewOverrunPolicy(e.ledger)
	e.sync = NewSynchronizer(store, notifier, e.log, e.newID, e.clock)
	return e
}

// Ledger exposes the quota ledger for read-only reporting.
func (e *Engine) Ledger() *QuotaLedger { return e.ledger }

// =============================================================================
// COMMIT
// =============================================================================

// CommitDelivery validates and persists a candidate record.
//
// Returns *SoftOverrunError when the destination quota is exceeded and the
// candidate is not confirmed; *QuotaExceededError when the project ceiling
// is broken (confirmation is irrelevant); ErrInvalidDestination and friends
// for invariant violations.
func (e *Engine) CommitDelivery(ctx context.Context, c Candidate) (*DeliveryRecord, error) {
	rec := c.Record.Clone()

	if err := e.validateRecord(ctx, rec); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(rec.ProjectID)
	defer unlock()

	// Business-key uniqueness within (project, side).
	existing, err := e.store.FindByBusinessKey(ctx, rec.ProjectID, rec.Key, rec.Side)
	if err != nil {
		return nil, storeErr(err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s %s in project %s", ErrDuplicateBusinessKey, rec.Side, rec.Key, rec.ProjectID)
	}

	// A record completing an existing pair adds nothing to the ledger (the
	// pair counts once, Voyage authoritative), so only the marginal
	// contribution is checked: the already-counted side is excluded.
	excludeID := ""
	paired, err := e.store.FindByBusinessKey(ctx, rec.ProjectID, rec.Key, rec.Side.Other())
	if err != nil {
		return nil, storeErr(err)
	}
	if paired != nil {
		excludeID = paired.ID
	}

	decision, err := e.policy.Evaluate(ctx, rec.ProjectID, rec.DestinationScope(), rec.Net, excludeID)
	if err != nil {
		return nil, err
	}
	if err := decision.Err(rec.ProjectID, rec.Net, c.ConfirmOverrun); err != nil {
		return nil, err
	}
	if decision.Class == SoftOverrun {
		e.log.WithFields(logrus.Fields{
			"project":     rec.ProjectID,
			"destination": rec.DestinationScope().String(),
			"excess":      decision.DestExcess.String(),
		}).Info("destination overrun confirmed by operator")
	}

	if rec.ID == "" {
		rec.ID = e.newID()
	}
	now := e.clock()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Side == SideVoyage {
		snap := decision.DestRemaining
		rec.ResteSnapshot = &snap
	}

	if err := e.store.CreateDelivery(ctx, rec); err != nil {
		return nil, storeErr(err)
	}
	unlock()

	e.sync.AfterCreate(ctx, rec)
	return rec, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateDelivery applies a partial change set to an existing record, then
// propagates shared fields to the paired record. Applying the same changes
// twice leaves the same stored state as applying them once.
func (e *Engine) UpdateDelivery(ctx context.Context, id string, ch Changes) (*DeliveryRecord, error) {
	current, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	preKey := current.Key

	rec := current.Clone()
	if err := applyChanges(rec, ch); err != nil {
		return nil, err
	}
	if err := e.validateRecord(ctx, rec); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(rec.ProjectID)
	defer unlock()

	if rec.Key != preKey {
		existing, err := e.store.FindByBusinessKey(ctx, rec.ProjectID, rec.Key, rec.Side)
		if err != nil {
			return nil, storeErr(err)
		}
		if existing != nil && existing.ID != rec.ID {
			return nil, fmt.Errorf("%w: %s %s in project %s", ErrDuplicateBusinessKey, rec.Side, rec.Key, rec.ProjectID)
		}
	}

	decision, err := e.policy.Evaluate(ctx, rec.ProjectID, rec.DestinationScope(), rec.Net, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := decision.Err(rec.ProjectID, rec.Net, ch.ConfirmOverrun); err != nil {
		return nil, err
	}

	rec.UpdatedAt = e.clock()
	if err := e.store.UpdateDelivery(ctx, rec); err != nil {
		return nil, storeErr(err)
	}
	unlock()

	e.sync.AfterUpdate(ctx, preKey, rec)
	return rec, nil
}

// applyChanges merges a change set onto rec. Destination handling is in
// destination.go; weight derivation for the unloading side happens after
// the merge so gross/tare edits recompute net.
func applyChanges(rec *DeliveryRecord, ch Changes) error {
	if err := applyDestinationChange(rec, ch); err != nil {
		return err
	}

	if ch.Key != nil {
		rec.Key = *ch.Key
	}
	if ch.Net != nil {
		rec.Net = *ch.Net
	}
	if ch.Gross != nil {
		rec.Gross = *ch.Gross
	}
	if ch.Tare != nil {
		rec.Tare = *ch.Tare
	}
	if ch.OccurredAt != nil {
		rec.OccurredAt = *ch.OccurredAt
	}
	if ch.Truck != nil {
		rec.Truck = *ch.Truck
	}
	if ch.Driver != nil {
		rec.Driver = *ch.Driver
	}
	if ch.Transporter != nil {
		rec.Transporter = *ch.Transporter
	}
	if ch.Company != nil {
		rec.Company = *ch.Company
	}
	if ch.ChargementID != nil {
		rec.ChargementID = *ch.ChargementID
	}

	if rec.Side == SideDechargement && (ch.Gross != nil || ch.Tare != nil) {
		rec.Net = rec.Gross.Sub(rec.Tare)
	}
	return nil
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteResult reports what a deletion removed.
type DeleteResult struct {
	PrimaryDeleted bool
	PairedDeleted  bool
}

// DeleteDelivery removes a record and cascades to its paired record when
// one is linked by business key. Exactly one audit notification is
// emitted: DANGER (non-deletable) for a cascade, WARNING when no pair
// exists. Notification failures never undo the deletion.
func (e *Engine) DeleteDelivery(ctx context.Context, id string) (DeleteResult, error) {
	rec, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return DeleteResult{}, storeErr(err)
	}

	unlock := e.locks.lock(rec.ProjectID)
	if err := e.store.DeleteDelivery(ctx, id); err != nil {
		unlock()
		return DeleteResult{}, storeErr(err)
	}
	unlock()

	paired := e.sync.CascadeDelete(ctx, rec)
	return DeleteResult{PrimaryDeleted: true, PairedDeleted: paired}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// RemainingFor returns the signed remaining quota for a scope. A nil range
// means all-time; a range restricts the consumed sum to work-day windows.
func (e *Engine) RemainingFor(ctx context.Context, scope Scope, projectID string, rng *DateRange) (Weight, error) {
	return e.ledger.Remaining(ctx, scope, projectID, rng)
}

// LedgerReport returns the display-oriented summary for a scope.
func (e *Engine) LedgerReport(ctx context.Context, scope Scope, projectID string, rng *DateRange) (Report, error) {
	return e.ledger.ReportFor(ctx, scope, projectID, rng)
}

// =============================================================================
// VALIDATION
// =============================================================================

// validateRecord enforces the committed-record invariants: side and key
// present, project exists and is active, one destination, sane weights,
// company membership.
func (e *Engine) validateRecord(ctx context.Context, rec *DeliveryRecord) error {
	if rec.Side != SideVoyage && rec.Side != SideDechargement {
		return fmt.Errorf("unknown record side %q", rec.Side)
	}
	if rec.Key.BonLivraison == "" || rec.Key.Ticket == "" {
		return fmt.Errorf("business key requires both bon de livraison and ticket numbers")
	}

	if err := ValidateDestination(rec); err != nil {
		return err
	}

	project, err := e.store.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return storeErr(err)
	}
	if !project.Active {
		return fmt.Errorf("%w: %s", ErrProjectInactive, project.ID)
	}
	if !project.HasCompany(rec.Company) {
		return fmt.Errorf("%w: %q not in project %s", ErrCompanyNotInProject, rec.Company, project.ID)
	}

	if rec.Side == SideDechargement {
		if !rec.Gross.GreaterThan(rec.Tare) {
			return fmt.Errorf("%w: gross %s must exceed tare %s", ErrInvalidWeight, rec.Gross, rec.Tare)
		}
		rec.Net = rec.Gross.Sub(rec.Tare)
	}
	if rec.Net.IsNegative() {
		return fmt.Errorf("%w: net %s is negative", ErrInvalidWeight, rec.Net)
	}
	return nil
}

// =============================================================================
// PROJECT LOCKS - Serialize mutating operations per project
// =============================================================================

type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the project's mutex and returns an idempotent unlock.
func (p *projectLocks) lock(projectID string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[projectID] = l
	}
	p.mu.Unlock()

	l.Lock()
	var once sync.Once
	return func() { once.Do(l.Unlock) }
}
