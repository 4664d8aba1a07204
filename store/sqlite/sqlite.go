/*
Package sqlite provides the SQLite-backed Store and Notifier.

PURPOSE:
  Implements engine.Store and engine.Notifier on database/sql. The same
  patterns carry to PostgreSQL with minor dialect changes.

KEY TABLES:
  projects:       cargo lots with total authorized quantity and company set
  client_quotas:  authorized quantity per (client, project)
  depot_quotas:   authorized quantity per (depot, project)
  deliveries:     Voyage and Dechargement records, one row per side
  notifications:  audit events (cascade deletions, orphan deletions)

CONSTRAINTS:
  idx_deliveries_business_key enforces business-key uniqueness per
  (project, side); violations surface as engine.ErrDuplicateBusinessKey.

NUMERIC STORAGE:
  Weights are stored as decimal strings, never floats. Timestamps are
  RFC3339 text.

WAL MODE:
  SQLite is opened with WAL so readers don't block the single writer.

SEE ALSO:
  - engine/store.go: interface definitions
  - engine/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridian/cargo-engine/engine"
)

// Store implements engine.Store and engine.Notifier using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ship TEXT,
		port TEXT,
		product TEXT,
		total_authorized TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		companies_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_quotas (
		client_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		authorized TEXT NOT NULL,
		PRIMARY KEY (client_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS depot_quotas (
		depot_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		authorized TEXT NOT NULL,
		PRIMARY KEY (depot_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		side TEXT NOT NULL,
		project_id TEXT NOT NULL,
		bon_livraison TEXT NOT NULL,
		ticket TEXT NOT NULL,
		client_id TEXT,
		depot_id TEXT,
		net TEXT NOT NULL,
		gross TEXT,
		tare TEXT,
		occurred_at TEXT NOT NULL,
		truck TEXT,
		driver TEXT,
		transporter TEXT,
		company TEXT,
		reste_snapshot TEXT,
		chargement_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One record per business key per side of a project.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_business_key
		ON deliveries(project_id, side, bon_livraison, ticket);

	-- Ledger hot paths: scope sums.
	CREATE INDEX IF NOT EXISTS idx_deliveries_project
		ON deliveries(project_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_project_client
		ON deliveries(project_id, client_id) WHERE client_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_deliveries_project_depot
		ON deliveries(project_id, depot_id) WHERE depot_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		entity_ref TEXT,
		deletable BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_created
		ON notifications(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DELIVERY RECORDS (engine.Store interface)
// =============================================================================

const deliveryColumns = `id, side, project_id, bon_livraison, ticket, client_id, depot_id,
	net, gross, tare, occurred_at, truck, driver, transporter, company,
	reste_snapshot, chargement_id, created_at, updated_at`

// GetDelivery returns a record by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (*engine.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", engine.ErrRecordNotFound, id)
	}
	rec, err := scanDelivery(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByBusinessKey returns the record for (project, key, side), or nil.
func (s *Store) FindByBusinessKey(ctx context.Context, projectID string, key engine.BusinessKey, side engine.Side) (*engine.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE project_id = ? AND bon_livraison = ? AND ticket = ? AND side = ?`,
		projectID, key.BonLivraison, key.Ticket, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery by key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanDelivery(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByScope returns the project's records filtered to the scope.
func (s *Store) ListByScope(ctx context.Context, scope engine.Scope, projectID string) ([]engine.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE project_id = ?`
	args := []any{projectID}

	switch scope.Kind {
	case engine.ScopeProject:
		// No destination filter.
	case engine.ScopeClient:
		query += ` AND client_id = ?`
		args = append(args, scope.ID)
	case engine.ScopeDepot:
		query += ` AND depot_id = ?`
		args = append(args, scope.ID)
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
	query += ` ORDER BY occurred_at ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var records []engine.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateDelivery inserts a record.
func (s *Store) CreateDelivery(ctx context.Context, rec *engine.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries
		(id, side, project_id, bon_livraison, ticket, client_id, depot_id,
		 net, gross, tare, occurred_at, truck, driver, transporter, company,
		 reste_snapshot, chargement_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deliveryArgs(rec)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", engine.ErrDuplicateBusinessKey, rec.Side, rec.Key)
		}
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery overwrites a record by id.
func (s *Store) UpdateDelivery(ctx context.Context, rec *engine.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET
			side = ?, project_id = ?, bon_livraison = ?, ticket = ?,
			client_id = ?, depot_id = ?, net = ?, gross = ?, tare = ?,
			occurred_at = ?, truck = ?, driver = ?, transporter = ?, company = ?,
			reste_snapshot = ?, chargement_id = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		append(deliveryArgs(rec)[1:], rec.ID)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", engine.ErrDuplicateBusinessKey, rec.Side, rec.Key)
		}
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRecordNotFound, rec.ID)
	}
	return nil
}

// DeleteDelivery removes a record by id.
func (s *Store) DeleteDelivery(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRecordNotFound, id)
	}
	return nil
}

func deliveryArgs(rec *engine.DeliveryRecord) []any {
	var reste sql.NullString
	if rec.ResteSnapshot != nil {
		reste = sql.NullString{String: rec.ResteSnapshot.String(), Valid: true}
	}
	return []any{
		rec.ID,
		string(rec.Side),
		rec.ProjectID,
		rec.Key.BonLivraison,
		rec.Key.Ticket,
		nullString(rec.ClientID),
		nullString(rec.DepotID),
		rec.Net.String(),
		rec.Gross.String(),
		rec.Tare.String(),
		rec.OccurredAt.UTC().Format(time.RFC3339),
		nullString(rec.Truck),
		nullString(rec.Driver),
		nullString(rec.Transporter),
		nullString(rec.Company),
		reste,
		nullString(rec.ChargementID),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func scanDelivery(rows *sql.Rows) (engine.DeliveryRecord, error) {
	var (
		rec         engine.DeliveryRecord
		side        string
		clientID    sql.NullString
		depotID     sql.NullString
		net         string
		gross       sql.NullString
		tare        sql.NullString
		occurredAt  string
		truck       sql.NullString
		driver      sql.NullString
		transporter sql.NullString
		company     sql.NullString
		reste       sql.NullString
		chargement  sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := rows.Scan(
		&rec.ID, &side, &rec.ProjectID, &rec.Key.BonLivraison, &rec.Key.Ticket,
		&clientID, &depotID, &net, &gross, &tare, &occurredAt,
		&truck, &driver, &transporter, &company,
		&reste, &chargement, &createdAt, &updatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan delivery: %w", err)
	}

	rec.Side = engine.Side(side)
	rec.ClientID = clientID.String
	rec.DepotID = depotID.String
	rec.Net = engine.MustParseWeight(net)
	rec.Gross = engine.MustParseWeight(gross.String)
	rec.Tare = engine.MustParseWeight(tare.String)
	rec.Truck = truck.String
	rec.Driver = driver.String
	rec.Transporter = transporter.String
	rec.Company = company.String
	rec.ChargementID = chargement.String
	if reste.Valid {
		w := engine.MustParseWeight(reste.String)
		rec.ResteSnapshot = &w
	}
	rec.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, nil
}

// =============================================================================
// MASTER DATA
// =============================================================================

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p             engine.Project
		ship, port    sql.NullString
		product       sql.NullString
		totalAuth     string
		companiesJSON sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, ship, port, product, total_authorized, active, companies_json, created_at, updated_at
		FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &ship, &port, &product, &totalAuth, &p.Active, &companiesJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", engine.ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.Ship = ship.String
	p.Port = port.String
	p.Product = product.String
	p.TotalAuthorized = engine.MustParseWeight(totalAuth)
	if companiesJSON.Valid && companiesJSON.String != "" {
		json.Unmarshal([]byte(companiesJSON.String), &p.Companies)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// SaveProject inserts or replaces a project.
func (s *Store) SaveProject(ctx context.Context, p engine.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	companiesJSON, _ := json.Marshal(p.Companies)
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, ship, port, product, total_authorized, active, companies_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, ship = excluded.ship, port = excluded.port,
			product = excluded.product, total_authorized = excluded.total_authorized,
			active = excluded.active, companies_json = excluded.companies_json,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, nullString(p.Ship), nullString(p.Port), nullString(p.Product),
		p.TotalAuthorized.String(), p.Active, string(companiesJSON), createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// ListProjects returns all projects.
func (s *Store) ListProjects(ctx context.Context) ([]engine.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ship, port, product, total_authorized, active, companies_json, created_at, updated_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []engine.Project
	for rows.Next() {
		var (
			p             engine.Project
			ship, port    sql.NullString
			product       sql.NullString
			totalAuth     string
			companiesJSON sql.NullString
			createdAt     string
			updatedAt     string
		)
		if err := rows.Scan(&p.ID, &p.Name, &ship, &port, &product, &totalAuth, &p.Active, &companiesJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Ship = ship.String
		p.Port = port.String
		p.Product = product.String
		p.TotalAuthorized = engine.MustParseWeight(totalAuth)
		if companiesJSON.Valid && companiesJSON.String != "" {
			json.Unmarshal([]byte(companiesJSON.String), &p.Companies)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetClientQuota returns the quota row for (client, project), or nil.
func (s *Store) GetClientQuota(ctx context.Context, clientID, projectID string) (*engine.ClientQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authorized string
	err := s.db.QueryRowContext(ctx,
		`SELECT authorized FROM client_quotas WHERE client_id = ? AND project_id = ?`,
		clientID, projectID).Scan(&authorized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client quota: %w", err)
	}
	return &engine.ClientQuota{
		ClientID:   clientID,
		ProjectID:  projectID,
		Authorized: engine.MustParseWeight(authorized),
	}, nil
}

// SaveClientQuota inserts or replaces a quota row.
func (s *Store) SaveClientQuota(ctx context.Context, q engine.ClientQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_quotas (client_id, project_id, authorized) VALUES (?, ?, ?)
		ON CONFLICT(client_id, project_id) DO UPDATE SET authorized = excluded.authorized`,
		q.ClientID, q.ProjectID, q.Authorized.String())
	if err != nil {
		return fmt.Errorf("failed to save client quota: %w", err)
	}
	return nil
}

// GetDepotQuota returns the quota row for (depot, project), or nil.
func (s *Store) GetDepotQuota(ctx context.Context, depotID, projectID string) (*engine.DepotQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authorized string
	err := s.db.QueryRowContext(ctx,
		`SELECT authorized FROM depot_quotas WHERE depot_id = ? AND project_id = ?`,
		depotID, projectID).Scan(&authorized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get depot quota: %w", err)
	}
	return &engine.DepotQuota{
		DepotID:    depotID,
		ProjectID:  projectID,
		Authorized: engine.MustParseWeight(authorized),
	}, nil
}

// SaveDepotQuota inserts or replaces a quota row.
func (s *Store) SaveDepotQuota(ctx context.Context, q engine.DepotQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO depot_quotas (depot_id, project_id, authorized) VALUES (?, ?, ?)
		ON CONFLICT(depot_id, project_id) DO UPDATE SET authorized = excluded.authorized`,
		q.DepotID, q.ProjectID, q.Authorized.String())
	if err != nil {
		return fmt.Errorf("failed to save depot quota: %w", err)
	}
	return nil
}

// =============================================================================
// NOTIFICATIONS (engine.Notifier interface)
// =============================================================================

// Notify persists an audit notification.
func (s *Store) Notify(ctx context.Context, n engine.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, level, message, entity_ref, deletable, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Level), n.Message, nullString(n.EntityRef), n.Deletable,
		createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context) ([]engine.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, message, entity_ref, deletable, created_at
		FROM notifications ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []engine.Notification
	for rows.Next() {
		var (
			n         engine.Notification
			level     string
			entityRef sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &level, &n.Message, &entityRef, &n.Deletable, &createdAt); err != nil {
			return nil, err
		}
		n.Level = engine.Level(level)
		n.EntityRef = entityRef.String
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// DismissNotification deletes a notification unless it is flagged
// non-deletable (cascade-delete audit entries are kept forever).
func (s *Store) DismissNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deletable bool
	err := s.db.QueryRowContext(ctx,
		`SELECT deletable FROM notifications WHERE id = ?`, id).Scan(&deletable)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: notification %s", engine.ErrRecordNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get notification: %w", err)
	}
	if !deletable {
		return fmt.Errorf("%w: %s", engine.ErrNotificationProtected, id)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss notification: %w", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
