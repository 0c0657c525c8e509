package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists resources, plans, runs and events in a single
// SQLite file. It implements engine.StateManager.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store instance. Call Init before use.
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: cfg.Path,
		log:  logger.With().Str("component", "store").Logger(),
	}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	s.log.Debug().Str("path", s.path).Msg("state store initialized")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// GetResource returns one tracked resource.
func (s *SQLiteStore) GetResource(ctx context.Context, resourceID string) (*engine.Resource, error) {
	query := `
		SELECT id, type, name, module, config, state, status, labels, dependencies, created_at, updated_at, version
		FROM resources
		WHERE id = ?
	`
	res, err := scanResource(s.db.QueryRowContext(ctx, query, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s not tracked", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource %s: %w", resourceID, err)
	}
	return res, nil
}

// SaveResource inserts or replaces a tracked resource.
func (s *SQLiteStore) SaveResource(ctx context.Context, resource *engine.Resource) error {
	labels, err := marshalNullable(resource.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	deps, err := marshalNullable(resource.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	query := `
		INSERT INTO resources (id, type, name, module, config, state, status, labels, dependencies, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			module = excluded.module,
			config = excluded.config,
			state = excluded.state,
			status = excluded.status,
			labels = excluded.labels,
			dependencies = excluded.dependencies,
			updated_at = excluded.updated_at,
			version = excluded.version
	`
	_, err = s.db.ExecContext(ctx, query,
		resource.ID,
		resource.Type,
		resource.Name,
		resource.Module,
		rawOrEmpty(resource.Config),
		rawString(resource.State),
		string(resource.Status),
		labels,
		deps,
		resource.CreatedAt.UTC(),
		resource.UpdatedAt.UTC(),
		resource.Version,
	)
	if err != nil {
		return fmt.Errorf("save resource %s: %w", resource.ID, err)
	}
	return nil
}

// DeleteResource drops a resource from tracking.
func (s *SQLiteStore) DeleteResource(ctx context.Context, resourceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("delete resource %s: %w", resourceID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("resource %s not tracked", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(resourceID)
	}
	return nil
}

// ListResources returns every tracked resource ordered by ID.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]engine.Resource, error) {
	query := `
		SELECT id, type, name, module, config, state, status, labels, dependencies, created_at, updated_at, version
		FROM resources
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	resources := []engine.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		resources = append(resources, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return resources, nil
}

// GetResourceState returns the last recorded actual state.
func (s *SQLiteStore) GetResourceState(ctx context.Context, resourceID string) (json.RawMessage, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM resources WHERE id = ?`, resourceID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s not tracked", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get state for %s: %w", resourceID, err)
	}
	if !state.Valid {
		return nil, nil
	}
	return json.RawMessage(state.String), nil
}

// UpdateResourceState writes new actual state under optimistic locking:
// the caller passes the version it read, and the write fails with a
// conflict when another writer got there first.
func (s *SQLiteStore) UpdateResourceState(ctx context.Context, resourceID string, state json.RawMessage, version int64) error {
	query := `
		UPDATE resources
		SET state = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		rawString(state),
		string(engine.ResourceStatusReady),
		time.Now().UTC(),
		resourceID,
		version,
	)
	if err != nil {
		return fmt.Errorf("update state for %s: %w", resourceID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM resources WHERE id = ?`, resourceID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewPermanentError(
				fmt.Sprintf("resource %s not tracked", resourceID), nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(resourceID)
		}
		if err != nil {
			return fmt.Errorf("check version for %s: %w", resourceID, err)
		}
		return engine.NewConflictError(
			fmt.Sprintf("resource %s modified concurrently: expected version %d, found %d", resourceID, version, current), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(resourceID)
	}
	return nil
}

// SavePlan stores the plan document.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.ID, err)
	}

	query := `
		INSERT INTO plans (id, workspace, is_destroy, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace = excluded.workspace,
			is_destroy = excluded.is_destroy,
			payload = excluded.payload
	`
	_, err = s.db.ExecContext(ctx, query,
		plan.ID, plan.Workspace, plan.Destroy, string(payload), plan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// GetPlan loads a stored plan.
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*engine.Plan, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM plans WHERE id = ?`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plan %s not found", planID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", planID, err)
	}

	plan := &engine.Plan{}
	if err := json.Unmarshal([]byte(payload), plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}
	return plan, nil
}

// SaveRun inserts or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}

	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}

	query := `
		INSERT INTO runs (id, plan_id, status, started_at, completed_at, duration_ns, user, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns,
			summary = excluded.summary
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, string(run.Status), run.StartedAt.UTC(),
		completedAt, int64(run.Duration), run.User, string(summary))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run record.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at, duration_ns, user, summary
		FROM runs
		WHERE id = ?
	`
	run := &engine.Run{}
	var (
		status      string
		completedAt sql.NullTime
		durationNS  int64
		summary     string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.PlanID, &status, &run.StartedAt,
		&completedAt, &durationNS, &run.User, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("run %s not found", runID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationNS)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return run, nil
}

// AppendEvent writes one timeline event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	details, err := marshalNullable(event.Details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}

	query := `
		INSERT INTO events (id, type, run_id, unit_id, resource_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, string(event.Type), event.RunID, event.UnitID,
		event.ResourceID, event.Level, event.Message, details, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetEvents returns a run's events in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, type, run_id, unit_id, resource_id, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("get events for %s: %w", runID, err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			event     engine.Event
			eventType string
			details   sql.NullString
		)
		err := rows.Scan(&event.ID, &eventType, &event.RunID, &event.UnitID,
			&event.ResourceID, &event.Level, &event.Message, &details, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row rowScanner) (*engine.Resource, error) {
	var (
		res    engine.Resource
		status string
		state  sql.NullString
		labels sql.NullString
		deps   sql.NullString
	)
	err := row.Scan(&res.ID, &res.Type, &res.Name, &res.Module,
		&res.Config, &state, &status, &labels, &deps,
		&res.CreatedAt, &res.UpdatedAt, &res.Version)
	if err != nil {
		return nil, err
	}

	res.Status = engine.ResourceStatus(status)
	if state.Valid {
		res.State = json.RawMessage(state.String)
	}
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &res.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	if deps.Valid {
		if err := json.Unmarshal([]byte(deps.String), &res.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	return &res, nil
}

// marshalNullable encodes maps and slices, storing NULL for empty ones.
func marshalNullable(v interface{}) (interface{}, error) {
	switch value := v.(type) {
	case map[string]string:
		if len(value) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(value) == 0 {
			return nil, nil
		}
	case []string:
		if len(value) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func rawString(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
