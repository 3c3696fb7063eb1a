// Package snapshot persists the annotation snapshot data recorded while a
// dashboard is being snapshotted, and replays it into dashboard models.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/metrics"
)

// Supported backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// Store persists snapshot updates keyed by dashboard and annotation name.
type Store struct {
	db      *sql.DB
	backend string
	logger  *zap.Logger
	now     func() time.Time
}

// Open opens (or creates) a snapshot store on backend.
func Open(backend, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var driver string
	switch backend {
	case BackendSQLite:
		driver = "sqlite"
	case BackendPostgres:
		driver = "pgx"
	case BackendMySQL:
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("mysql dsn: %w", err)
		}
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported snapshot backend %q", backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if backend == BackendSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to %s snapshot db: %w", backend, err)
	}
	if _, err := db.Exec(createTable(backend)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create dashboard_snapshots: %w", err)
	}

	return &Store{db: db, backend: backend, logger: logger.Named("snapshot"), now: time.Now}, nil
}

func createTable(backend string) string {
	if backend == BackendMySQL {
		return `CREATE TABLE IF NOT EXISTS dashboard_snapshots (
			dashboard_uid   VARCHAR(190) NOT NULL,
			annotation_name VARCHAR(190) NOT NULL,
			events_json     LONGTEXT NOT NULL,
			updated_at      VARCHAR(40) NOT NULL,
			PRIMARY KEY (dashboard_uid, annotation_name)
		)`
	}
	return `CREATE TABLE IF NOT EXISTS dashboard_snapshots (
		dashboard_uid   TEXT NOT NULL,
		annotation_name TEXT NOT NULL,
		events_json     TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (dashboard_uid, annotation_name)
	)`
}

// rebind rewrites ? placeholders for backends that number them.
func (s *Store) rebind(q string) string {
	if s.backend != BackendPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Backend returns the backend name.
func (s *Store) Backend() string { return s.backend }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores u, replacing earlier data for the same annotation.
func (s *Store) Save(ctx context.Context, u dashboard.SnapshotUpdate) error {
	eventsJSON, err := json.Marshal(u.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	q := `INSERT INTO dashboard_snapshots (dashboard_uid, annotation_name, events_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dashboard_uid, annotation_name) DO UPDATE SET events_json = excluded.events_json, updated_at = excluded.updated_at`
	if s.backend == BackendMySQL {
		q = `INSERT INTO dashboard_snapshots (dashboard_uid, annotation_name, events_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE events_json = VALUES(events_json), updated_at = VALUES(updated_at)`
	}

	_, err = s.db.ExecContext(ctx, s.rebind(q),
		u.DashboardUID,
		u.AnnotationName,
		string(eventsJSON),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", u.DashboardUID, u.AnnotationName, err)
	}
	metrics.RecordSnapshotUpdate(s.backend)
	return nil
}

// Load returns the stored updates of a dashboard ordered by annotation name.
func (s *Store) Load(ctx context.Context, dashboardUID string) ([]dashboard.SnapshotUpdate, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT annotation_name, events_json FROM dashboard_snapshots
		WHERE dashboard_uid = ? ORDER BY annotation_name`), dashboardUID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	defer rows.Close()

	var out []dashboard.SnapshotUpdate
	for rows.Next() {
		var name, eventsJSON string
		if err := rows.Scan(&name, &eventsJSON); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		u := dashboard.SnapshotUpdate{DashboardUID: dashboardUID, AnnotationName: name}
		if err := json.Unmarshal([]byte(eventsJSON), &u.Events); err != nil {
			return nil, fmt.Errorf("decode snapshot %s/%s: %w", dashboardUID, name, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Delete drops every stored update of a dashboard.
func (s *Store) Delete(ctx context.Context, dashboardUID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM dashboard_snapshots WHERE dashboard_uid = ?`), dashboardUID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// Replay applies the stored updates of m to m. Updates naming an annotation
// m no longer has are skipped. It returns the number applied.
func (s *Store) Replay(ctx context.Context, m *dashboard.Model) (int, error) {
	updates, err := s.Load(ctx, m.UID)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, u := range updates {
		if m.ApplySnapshot(u) {
			applied++
			continue
		}
		s.logger.Debug("Skipping snapshot for unknown annotation", zap.String("dashboard", m.UID), zap.String("annotation", u.AnnotationName))
	}
	return applied, nil
}

// Applier applies snapshot updates to a dashboard and persists them.
type Applier struct {
	store *Store
	model *dashboard.Model
}

// Applier returns an applier for m.
func (s *Store) Applier(m *dashboard.Model) *Applier {
	return &Applier{store: s, model: m}
}

// ApplySnapshot applies u to the dashboard, then stores it.
func (a *Applier) ApplySnapshot(ctx context.Context, u dashboard.SnapshotUpdate) error {
	if !a.model.ApplySnapshot(u) {
		return fmt.Errorf("no annotation named %q", u.AnnotationName)
	}
	return a.store.Save(ctx, u)
}
