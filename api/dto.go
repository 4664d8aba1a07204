/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupled from the engine types.
  Weights travel as decimal strings to avoid float mangling in clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator tags; handlers run them through a shared
  validator instance before touching the engine.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/cargo-engine/engine"
)

// =============================================================================
// DELIVERY TYPES
// =============================================================================

// DeliveryDTO represents a delivery record in API responses.
type DeliveryDTO struct {
	ID            string  `json:"id"`
	Side          string  `json:"side"`
	ProjectID     string  `json:"project_id"`
	BonLivraison  string  `json:"bon_livraison"`
	Ticket        string  `json:"ticket"`
	ClientID      string  `json:"client_id,omitempty"`
	DepotID       string  `json:"depot_id,omitempty"`
	Net           string  `json:"net"`
	Gross         string  `json:"gross,omitempty"`
	Tare          string  `json:"tare,omitempty"`
	OccurredAt    string  `json:"occurred_at"`
	Truck         string  `json:"truck,omitempty"`
	Driver        string  `json:"driver,omitempty"`
	Transporter   string  `json:"transporter,omitempty"`
	Company       string  `json:"company,omitempty"`
	ResteSnapshot *string `json:"reste_snapshot,omitempty"`
	ChargementID  string  `json:"chargement_id,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// CommitDeliveryRequest is the request to commit a delivery record.
// Exactly one of client_id/depot_id must be set. Voyage records carry net
// directly; dechargement records carry gross and tare.
type CommitDeliveryRequest struct {
	Side         string `json:"side" validate:"required,oneof=voyage dechargement"`
	ProjectID    string `json:"project_id" validate:"required"`
	BonLivraison string `json:"bon_livraison" validate:"required"`
	Ticket       string `json:"ticket" validate:"required"`
	ClientID     string `json:"client_id"`
	DepotID      string `json:"depot_id"`
	Net          string `json:"net"`
	Gross        string `json:"gross"`
	Tare         string `json:"tare"`
	OccurredAt   string `json:"occurred_at" validate:"required"`
	Truck        string `json:"truck"`
	Driver       string `json:"driver"`
	Transporter  string `json:"transporter"`
	Company      string `json:"company"`
	ChargementID string `json:"chargement_id"`

	// ConfirmOverrun is the operator's explicit acceptance of a
	// destination-level overrun reported by a previous attempt.
	ConfirmOverrun bool `json:"confirm_overrun"`
}

// UpdateDeliveryRequest is a partial update; absent fields stay untouched.
type UpdateDeliveryRequest struct {
	BonLivraison *string `json:"bon_livraison,omitempty"`
	Ticket       *string `json:"ticket,omitempty"`
	ClientID     *string `json:"client_id,omitempty"`
	DepotID      *string `json:"depot_id,omitempty"`
	Net          *string `json:"net,omitempty"`
	Gross        *string `json:"gross,omitempty"`
	Tare         *string `json:"tare,omitempty"`
	OccurredAt   *string `json:"occurred_at,omitempty"`
	Truck        *string `json:"truck,omitempty"`
	Driver       *string `json:"driver,omitempty"`
	Transporter  *string `json:"transporter,omitempty"`
	Company      *string `json:"company,omitempty"`
	ChargementID *string `json:"chargement_id,omitempty"`

	ConfirmOverrun bool `json:"confirm_overrun"`
}

// DeleteResultDTO reports what a deletion removed.
type DeleteResultDTO struct {
	PrimaryDeleted bool `json:"primary_deleted"`
	PairedDeleted  bool `json:"paired_deleted"`
}

// =============================================================================
// MASTER DATA TYPES
// =============================================================================

// ProjectDTO represents a project in API responses.
type ProjectDTO struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Ship            string   `json:"ship,omitempty"`
	Port            string   `json:"port,omitempty"`
	Product         string   `json:"product,omitempty"`
	TotalAuthorized string   `json:"total_authorized"`
	Active          bool     `json:"active"`
	Companies       []string `json:"companies,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

// SaveProjectRequest creates or replaces a project.
type SaveProjectRequest struct {
	ID              string   `json:"id" validate:"required"`
	Name            string   `json:"name" validate:"required"`
	Ship            string   `json:"ship"`
	Port            string   `json:"port"`
	Product         string   `json:"product"`
	TotalAuthorized string   `json:"total_authorized" validate:"required"`
	Active          bool     `json:"active"`
	Companies       []string `json:"companies"`
}

// SaveQuotaRequest sets the authorized quantity for a client or depot
// within a project.
type SaveQuotaRequest struct {
	Authorized string `json:"authorized" validate:"required"`
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// ReportDTO is the ledger summary for a scope.
type ReportDTO struct {
	Scope      string `json:"scope"`
	ScopeID    string `json:"scope_id,omitempty"`
	ProjectID  string `json:"project_id"`
	Authorized string `json:"authorized"`
	Consumed   string `json:"consumed"`
	Remaining  string `json:"remaining"`
	Severity   string `json:"severity"`
}

// SoftOverrunDTO is the payload returned alongside a soft-overrun refusal.
type SoftOverrunDTO struct {
	Error           string `json:"error"`
	Scope           string `json:"scope"`
	Remaining       string `json:"remaining"`
	Requested       string `json:"requested"`
	Excess          string `json:"excess"`
	ConfirmRequired bool   `json:"confirm_required"`
}

// NotificationDTO represents an audit notification.
type NotificationDTO struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	EntityRef string `json:"entity_ref,omitempty"`
	Deletable bool   `json:"deletable"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toDeliveryDTO(rec *engine.DeliveryRecord) DeliveryDTO {
	dto := DeliveryDTO{
		ID:           rec.ID,
		Side:         string(rec.Side),
		ProjectID:    rec.ProjectID,
		BonLivraison: rec.Key.BonLivraison,
		Ticket:       rec.Key.Ticket,
		ClientID:     rec.ClientID,
		DepotID:      rec.DepotID,
		Net:          rec.Net.String(),
		OccurredAt:   rec.OccurredAt.Format(time.RFC3339),
		Truck:        rec.Truck,
		Driver:       rec.Driver,
		Transporter:  rec.Transporter,
		Company:      rec.Company,
		ChargementID: rec.ChargementID,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.Side == engine.SideDechargement {
		dto.Gross = rec.Gross.String()
		dto.Tare = rec.Tare.String()
	}
	if rec.ResteSnapshot != nil {
		s := rec.ResteSnapshot.String()
		dto.ResteSnapshot = &s
	}
	return dto
}

func (r CommitDeliveryRequest) toCandidate() (engine.Candidate, error) {
	occurredAt, err := time.Parse(time.RFC3339, r.OccurredAt)
	if err != nil {
		return engine.Candidate{}, fmt.Errorf("invalid occurred_at (use RFC3339): %w", err)
	}

	rec := engine.DeliveryRecord{
		Side:         engine.Side(r.Side),
		ProjectID:    r.ProjectID,
		Key:          engine.BusinessKey{BonLivraison: r.BonLivraison, Ticket: r.Ticket},
		ClientID:     r.ClientID,
		DepotID:      r.DepotID,
		OccurredAt:   occurredAt,
		Truck:        r.Truck,
		Driver:       r.Driver,
		Transporter:  r.Transporter,
		Company:      r.Company,
		ChargementID: r.ChargementID,
	}

	if r.Net != "" {
		if rec.Net, err = parseWeight("net", r.Net); err != nil {
			return engine.Candidate{}, err
		}
	}
	if r.Gross != "" {
		if rec.Gross, err = parseWeight("gross", r.Gross); err != nil {
			return engine.Candidate{}, err
		}
	}
	if r.Tare != "" {
		if rec.Tare, err = parseWeight("tare", r.Tare); err != nil {
			return engine.Candidate{}, err
		}
	}

	return engine.Candidate{Record: rec, ConfirmOverrun: r.ConfirmOverrun}, nil
}

func (r UpdateDeliveryRequest) toChanges() (engine.Changes, error) {
	ch := engine.Changes{
		ClientID:       r.ClientID,
		DepotID:        r.DepotID,
		Truck:          r.Truck,
		Driver:         r.Driver,
		Transporter:    r.Transporter,
		Company:        r.Company,
		ChargementID:   r.ChargementID,
		ConfirmOverrun: r.ConfirmOverrun,
	}

	if r.BonLivraison != nil || r.Ticket != nil {
		if r.BonLivraison == nil || r.Ticket == nil {
			return ch, fmt.Errorf("bon_livraison and ticket must be changed together")
		}
		ch.Key = &engine.BusinessKey{BonLivraison: *r.BonLivraison, Ticket: *r.Ticket}
	}
	if r.OccurredAt != nil {
		t, err := time.Parse(time.RFC3339, *r.OccurredAt)
		if err != nil {
			return ch, fmt.Errorf("invalid occurred_at (use RFC3339): %w", err)
		}
		ch.OccurredAt = &t
	}
	if r.Net != nil {
		w, err := parseWeight("net", *r.Net)
		if err != nil {
			return ch, err
		}
		ch.Net = &w
	}
	if r.Gross != nil {
		w, err := parseWeight("gross", *r.Gross)
		if err != nil {
			return ch, err
		}
		ch.Gross = &w
	}
	if r.Tare != nil {
		w, err := parseWeight("tare", *r.Tare)
		if err != nil {
			return ch, err
		}
		ch.Tare = &w
	}
	return ch, nil
}

func parseWeight(field, value string) (engine.Weight, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return engine.Weight{}, fmt.Errorf("invalid %s weight %q", field, value)
	}
	return engine.Weight{Value: d}, nil
}

func toReportDTO(r engine.Report) ReportDTO {
	return ReportDTO{
		Scope:      string(r.Scope.Kind),
		ScopeID:    r.Scope.ID,
		ProjectID:  r.ProjectID,
		Authorized: r.Authorized.String(),
		Consumed:   r.Consumed.String(),
		Remaining:  r.Remaining.String(),
		Severity:   string(r.Severity),
	}
}
