/*
sync.go - Voyage <-> Dechargement synchronization

PURPOSE:
  The two sides of a physical delivery are captured by independently owned
  workflows, then joined by business key. This file keeps them consistent:
  propagating shared fields when one side is edited, and cascading deletion
  with an audit notification.

ADVISORY, NOT TRANSACTIONAL:
  Synchronization never fails the operation the user asked for. A missing
  paired record is normal (the other workflow simply hasn't entered it
  yet); a failed propagation or notification is logged and dropped. The
  primary write is the only hard effect.

LINK STATES:
  Unlinked - only one side exists for the key
  Linked   - both sides exist with matching key
  Deleted  - cascade removed both

SEE ALSO:
  - engine.go: calls into the synchronizer after each primary commit
*/
package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// SYNCHRONIZER
// =============================================================================

type LinkState string

const (
	LinkUnlinked LinkState = "unlinked"
	LinkLinked   LinkState = "linked"
)

// Synchronizer resolves the paired record by business key and propagates
// shared fields between the two sides.
type Synchronizer struct {
	store    Store
	notifier Notifier
	log      *logrus.Logger
	newID    func() string
	clock    Clock
}

func NewSynchronizer(store Store, notifier Notifier, log *logrus.Logger, newID func() string, clock Clock) *Synchronizer {
	return &Synchronizer{store: store, notifier: notifier, log: log, newID: newID, clock: clock}
}

// AfterCreate resolves the link state of a freshly committed record. The
// second side of a pair is entered independently and already carries its
// own correct data, so nothing is overwritten on create.
func (s *Synchronizer) AfterCreate(ctx context.Context, rec *DeliveryRecord) LinkState {
	paired, err := s.store.FindByBusinessKey(ctx, rec.ProjectID, rec.Key, rec.Side.Other())
	if err != nil {
		s.log.WithError(err).WithField("key", rec.Key.String()).
			Warn("pair lookup failed after create; record stays unlinked")
		return LinkUnlinked
	}
	if paired == nil {
		return LinkUnlinked
	}
	s.log.WithFields(logrus.Fields{
		"key":    rec.Key.String(),
		"record": rec.ID,
		"paired": paired.ID,
	}).Info("delivery records linked")
	return LinkLinked
}

// AfterUpdate propagates shared fields onto the paired record. The pair is
// resolved with the pre-update business key, because the key itself may be
// part of the change. When no pair exists the update stands alone.
func (s *Synchronizer) AfterUpdate(ctx context.Context, preKey BusinessKey, rec *DeliveryRecord) {
	paired, err := s.store.FindByBusinessKey(ctx, rec.ProjectID, preKey, rec.Side.Other())
	if err != nil {
		s.log.WithError(err).WithField("key", preKey.String()).
			Warn("pair lookup failed after update; no propagation")
		return
	}
	if paired == nil {
		return
	}

	// A key change renames the paired record too, so the target key must be
	// free on the paired side as well. On a conflict the pair keeps its old
	// key; propagation is advisory and never corrupts uniqueness.
	if rec.Key != preKey {
		conflict, err := s.store.FindByBusinessKey(ctx, rec.ProjectID, rec.Key, paired.Side)
		if err != nil {
			s.log.WithError(err).WithField("key", rec.Key.String()).
				Warn("conflict lookup failed after key change; no propagation")
			return
		}
		if conflict != nil && conflict.ID != paired.ID {
			s.log.WithFields(logrus.Fields{
				"key":      rec.Key.String(),
				"paired":   paired.ID,
				"conflict": conflict.ID,
			}).Warn("key change not propagated; target key already held on the paired side")
			return
		}
	}

	updated := paired.Clone()
	propagateShared(rec, updated)
	updated.UpdatedAt = s.clock()

	if err := s.store.UpdateDelivery(ctx, updated); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"record": rec.ID,
			"paired": paired.ID,
		}).Warn("propagation to paired record failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"record": rec.ID,
		"paired": paired.ID,
	}).Info("shared fields propagated to paired record")
}

// CascadeDelete removes the record paired with a just-deleted primary and
// emits the audit notification. Returns whether a paired record was
// deleted. The primary deletion already happened; nothing here undoes it.
func (s *Synchronizer) CascadeDelete(ctx context.Context, primary *DeliveryRecord) bool {
	paired, err := s.store.FindByBusinessKey(ctx, primary.ProjectID, primary.Key, primary.Side.Other())
	if err != nil {
		s.log.WithError(err).WithField("key", primary.Key.String()).
			Warn("pair lookup failed during cascade delete")
		paired = nil
	}

	if paired == nil {
		s.notify(ctx, Notification{
			ID:    s.newID(),
			Level: LevelWarning,
			Message: fmt.Sprintf("deleted %s %s (bon %s, ticket %s, %s, net %s); no linked %s found",
				primary.Side, primary.ID, primary.Key.BonLivraison, primary.Key.Ticket,
				primary.DestinationScope(), primary.Net, primary.Side.Other()),
			EntityRef: primary.ID,
			Deletable: true,
			CreatedAt: s.clock(),
		})
		return false
	}

	if err := s.store.DeleteDelivery(ctx, paired.ID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"record": primary.ID,
			"paired": paired.ID,
		}).Warn("cascade delete of paired record failed")
		return false
	}

	s.notify(ctx, Notification{
		ID:    s.newID(),
		Level: LevelDanger,
		Message: fmt.Sprintf("cascade delete of bon %s ticket %s: %s %s (%s, net %s, %s) and %s %s (%s, net %s, %s)",
			primary.Key.BonLivraison, primary.Key.Ticket,
			primary.Side, primary.ID, primary.DestinationScope(), primary.Net, primary.OccurredAt.Format("2006-01-02 15:04"),
			paired.Side, paired.ID, paired.DestinationScope(), paired.Net, paired.OccurredAt.Format("2006-01-02 15:04")),
		EntityRef: primary.ID,
		Deletable: false,
		CreatedAt: s.clock(),
	})
	return true
}

// notify emits best-effort. Deletion is the primary effect; a sink failure
// is logged, never propagated.
func (s *Synchronizer) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WithError(err).WithField("entity", n.EntityRef).Warn("audit notification dropped")
	}
}

// propagateShared copies the fields both sides logically share from src
// onto dst: destination (with derived net weight), timestamp, carrier, and
// company. Side-specific fields (tare/gross, chargement reference, reste
// snapshot) stay put.
func propagateShared(src, dst *DeliveryRecord) {
	dst.Key = src.Key
	dst.ClientID = src.ClientID
	dst.DepotID = src.DepotID
	dst.Net = src.Net
	dst.OccurredAt = src.OccurredAt
	dst.Truck = src.Truck
	dst.Driver = src.Driver
	dst.Transporter = src.Transporter
	dst.Company = src.Company
}
