/*
Package engine is the quota ledger and cross-record reconciliation core.

PURPOSE:
  A project (a cargo lot with a total authorized quantity) is unloaded truck
  by truck, each delivery going to exactly one destination: a client (sale)
  or a depot (storage). Every physical delivery is described by two records
  captured by independent workflows - a Voyage on the weighing-out side and
  a Dechargement on the weighing-in side - joined by a business key. This
  package keeps the two sides consistent and enforces authorized quotas.

KEY CONCEPTS IN THIS FILE (types.go):
  - Weight: a measured quantity backed by decimal.Decimal (never floats)
  - DeliveryRecord: one side (Voyage or Dechargement) of a physical delivery
  - BusinessKey: (bon de livraison number, ticket number) join key
  - Scope: what a quota applies to - a project, a client, or a depot
  - Project / ClientQuota / DepotQuota: the authorized ceilings

DESIGN PRINCIPLES:
  1. Quotas are never stored as running totals; consumption is always
     derived by summing committed delivery records (see ledger.go).
  2. Remaining quota is a signed value. Negative remaining is a valid,
     meaningful over-quota state and is never clamped.
  3. The two record sides stay separate entities linked by key; they are
     synchronized by explicit propagation, not shared identity (see sync.go).

SEE ALSO:
  - ledger.go: consumed/remaining computation
  - policy.go: soft vs hard overrun classification
  - sync.go: Voyage <-> Dechargement propagation and cascade delete
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WEIGHT - Measured quantity (tonnes)
// =============================================================================

// Weight is a net, gross, or tare quantity. All arithmetic is decimal;
// weighbridge tickets carry fractional tonnes and floats drift.
type Weight struct {
	Value decimal.Decimal
}

func NewWeight(value float64) Weight    { return Weight{Value: decimal.NewFromFloat(value)} }
func NewWeightFromInt(value int) Weight { return Weight{Value: decimal.NewFromInt(int64(value))} }
func ZeroWeight() Weight                { return Weight{Value: decimal.Zero} }

// MustParseWeight parses a decimal string, returning zero on failure.
func MustParseWeight(s string) Weight {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroWeight()
	}
	return Weight{Value: d}
}

func (w Weight) Add(o Weight) Weight       { return Weight{Value: w.Value.Add(o.Value)} }
func (w Weight) Sub(o Weight) Weight       { return Weight{Value: w.Value.Sub(o.Value)} }
func (w Weight) Neg() Weight               { return Weight{Value: w.Value.Neg()} }
func (w Weight) IsNegative() bool          { return w.Value.IsNegative() }
func (w Weight) IsZero() bool              { return w.Value.IsZero() }
func (w Weight) IsPositive() bool          { return w.Value.IsPositive() }
func (w Weight) GreaterThan(o Weight) bool { return w.Value.GreaterThan(o.Value) }
func (w Weight) LessThan(o Weight) bool    { return w.Value.LessThan(o.Value) }
func (w Weight) Equal(o Weight) bool       { return w.Value.Equal(o.Value) }
func (w Weight) String() string            { return w.Value.String() }

// =============================================================================
// SCOPE - What a quota applies to
// =============================================================================

type ScopeKind string

const (
	ScopeProject ScopeKind = "project"
	ScopeClient  ScopeKind = "client"
	ScopeDepot   ScopeKind = "depot"
)

// Scope identifies a quota holder. For ScopeProject the ID is empty; the
// project is always passed separately because client and depot quotas are
// per-project associations.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func ProjectScope() Scope         { return Scope{Kind: ScopeProject} }
func ClientScope(id string) Scope { return Scope{Kind: ScopeClient, ID: id} }
func DepotScope(id string) Scope  { return Scope{Kind: ScopeDepot, ID: id} }

func (s Scope) String() string {
	if s.Kind == ScopeProject {
		return "project"
	}
	return string(s.Kind) + ":" + s.ID
}

// =============================================================================
// MASTER DATA - Project and per-destination quotas
// =============================================================================

// Project is a cargo lot: one vessel, one product, one total authorized
// quantity. The total is a physical ceiling and is never auto-decremented;
// remaining quota is always derived on read.
type Project struct {
	ID              string
	Name            string
	Ship            string
	Port            string
	Product         string
	TotalAuthorized Weight
	Active          bool
	Companies       []string // transport companies attached to the project
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasCompany reports whether name belongs to the project's company set.
// An empty name is always acceptable (the field is optional on records).
func (p *Project) HasCompany(name string) bool {
	if name == "" {
		return true
	}
	for _, c := range p.Companies {
		if c == name {
			return true
		}
	}
	return false
}

// ClientQuota is the authorized quantity a client may receive within one
// project. A client can hold different quotas in different projects.
type ClientQuota struct {
	ClientID   string
	ProjectID  string
	Authorized Weight
}

// DepotQuota is the storage counterpart of ClientQuota.
type DepotQuota struct {
	DepotID    string
	ProjectID  string
	Authorized Weight
}

// =============================================================================
// DELIVERY RECORD - One side of a physical delivery
// =============================================================================

// Side tags which workflow captured a record.
type Side string

const (
	SideVoyage       Side = "voyage"       // weighing-out (loading) side
	SideDechargement Side = "dechargement" // weighing-in (unloading) side
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideVoyage {
		return SideDechargement
	}
	return SideVoyage
}

// BusinessKey joins the Voyage and Dechargement describing the same
// physical delivery: the bon de livraison number plus the weighbridge
// ticket number. Unique per (project, side).
type BusinessKey struct {
	BonLivraison string
	Ticket       string
}

func (k BusinessKey) IsZero() bool { return k.BonLivraison == "" && k.Ticket == "" }

func (k BusinessKey) String() string { return k.BonLivraison + "/" + k.Ticket }

// DeliveryRecord is one committed record. Invariants after a successful
// commit:
//  1. Exactly one of ClientID/DepotID is set.
//  2. Net >= 0; for a Dechargement, Gross > Tare and Net = Gross - Tare.
//  3. Key is unique within (ProjectID, Side).
//  4. Company, when set, belongs to the owning project's company set.
type DeliveryRecord struct {
	ID        string
	Side      Side
	ProjectID string
	Key       BusinessKey

	// Destination: exactly one of the two.
	ClientID string
	DepotID  string

	// Weights. Voyage carries Net directly; Dechargement derives it from
	// Gross (poids complet) and Tare (poids camion vide).
	Net   Weight
	Gross Weight
	Tare  Weight

	OccurredAt time.Time

	// Carrier fields, shared between the two sides.
	Truck       string
	Driver      string
	Transporter string
	Company     string

	// ResteSnapshot is the destination's remaining quota captured when a
	// Voyage was committed. Advisory only: never trusted for computation.
	ResteSnapshot *Weight

	// ChargementID references the loading order a Dechargement closes out.
	ChargementID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DestinationScope returns the client or depot scope this record delivers
// to. Only meaningful on a committed record (one destination set).
func (r *DeliveryRecord) DestinationScope() Scope {
	if r.ClientID != "" {
		return ClientScope(r.ClientID)
	}
	return DepotScope(r.DepotID)
}

// Clone returns a deep copy, so propagation can mutate freely.
func (r *DeliveryRecord) Clone() *DeliveryRecord {
	out := *r
	if r.ResteSnapshot != nil {
		snap := *r.ResteSnapshot
		out.ResteSnapshot = &snap
	}
	return &out
}

// =============================================================================
// CANDIDATE AND CHANGES - Inputs to commit/update
// =============================================================================

// Candidate is a prospective delivery record. ConfirmOverrun carries the
// operator's explicit acceptance of a destination-level overrun; it never
// overrides the project ceiling.
type Candidate struct {
	Record         DeliveryRecord
	ConfirmOverrun bool
}

// Changes is a partial update. Nil fields are left untouched. Setting
// ClientID or DepotID to a non-empty value switches the destination; the
// previous destination field is cleared as part of validation. Explicitly
// clearing a field is done with a pointer to the empty string.
type Changes struct {
	Key *BusinessKey

	ClientID *string
	DepotID  *string

	Net   *Weight
	Gross *Weight
	Tare  *Weight

	OccurredAt *time.Time

	Truck       *string
	Driver      *string
	Transporter *string
	Company     *string

	ChargementID *string

	ConfirmOverrun bool
}

// DateRange is a reporting filter expressed in calendar days. Membership is
// evaluated against work-day windows, not midnight boundaries (workday.go).
type DateRange struct {
	From time.Time
	To   time.Time
}
