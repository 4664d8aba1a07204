/*
store.go - Persistence and notification interfaces

PURPOSE:
  Defines what the engine needs from its collaborators. The Store is plain
  read/write persistence of delivery records and master data; the Notifier
  accepts audit events for operators. Both are synchronous and assumed to
  reach a single authoritative store.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store (also a Notifier)
  - engine/store: in-memory store for tests and development

LOOKUP CONVENTIONS:
  FindByBusinessKey returns (nil, nil) when no record matches - absence of
  a paired record is an expected state, not an error. Get* methods return
  ErrRecordNotFound / ErrProjectNotFound for unknown ids.
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// DELIVERY RECORD STORE
// =============================================================================

// Store persists delivery records and quota master data.
type Store interface {
	// GetDelivery returns a record by id, or ErrRecordNotFound.
	GetDelivery(ctx context.Context, id string) (*DeliveryRecord, error)

	// FindByBusinessKey returns the record with the given key on the given
	// side of the project, or (nil, nil) when absent.
	FindByBusinessKey(ctx context.Context, projectID string, key BusinessKey, side Side) (*DeliveryRecord, error)

	// ListByScope returns all records in the project delivering to the
	// given client or depot scope. For ScopeProject it returns every
	// record in the project.
	ListByScope(ctx context.Context, scope Scope, projectID string) ([]DeliveryRecord, error)

	// CreateDelivery persists a new record. Returns ErrDuplicateBusinessKey
	// when the (project, side, key) triple already exists.
	CreateDelivery(ctx context.Context, rec *DeliveryRecord) error

	// UpdateDelivery overwrites an existing record by id.
	UpdateDelivery(ctx context.Context, rec *DeliveryRecord) error

	// DeleteDelivery removes a record by id. Deleting a missing record
	// returns ErrRecordNotFound.
	DeleteDelivery(ctx context.Context, id string) error

	// Master data.
	GetProject(ctx context.Context, id string) (*Project, error)
	SaveProject(ctx context.Context, p Project) error
	ListProjects(ctx context.Context) ([]Project, error)

	GetClientQuota(ctx context.Context, clientID, projectID string) (*ClientQuota, error)
	SaveClientQuota(ctx context.Context, q ClientQuota) error

	GetDepotQuota(ctx context.Context, depotID, projectID string) (*DepotQuota, error)
	SaveDepotQuota(ctx context.Context, q DepotQuota) error
}

// =============================================================================
// NOTIFICATION SINK - Audit events for operators
// =============================================================================

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Notification is an audit event shown to operators. Non-deletable
// notifications record cascade deletions and cannot be dismissed.
type Notification struct {
	ID        string
	Level     Level
	Message   string
	EntityRef string
	Deletable bool
	CreatedAt time.Time
}

// Notifier accepts audit events. Delivery is best-effort: a failed Notify
// never rolls back the operation it describes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
