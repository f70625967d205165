package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
)

var (
	// ErrCatalogCorrupt means the catalog file exists but cannot be read as a
	// catalog. Nothing mutates it until an operator repairs or removes it.
	ErrCatalogCorrupt   = errors.New("catalog corrupt")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrVersionNotFound  = errors.New("version not found")
)

// CorruptError names the unreadable catalog file.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("catalog corrupt: %s: %v (repair or remove the file before retrying)", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCatalogCorrupt, e.Err} }

const (
	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

// Store is the SQLite backed catalog of one alias. The database is opened
// lazily: reading a catalog that was never written returns an empty catalog
// and creates nothing.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewStore returns a catalog store for the database file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the catalog file path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the database handle. When create is false and the file does
// not exist yet it returns nil, nil.
func (s *Store) conn(ctx context.Context, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	existed := true
	if _, err := os.Stat(s.path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat catalog: %w", err)
		}
		existed = false
		if !create {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if existed {
		if err := quickCheck(ctx, db); err != nil {
			db.Close()
			return nil, s.classify(err)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, s.classify(err)
	}

	s.db = db
	return db, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", errIntegrity, result)
	}
	return nil
}

var errIntegrity = errors.New("integrity check failed")

// classify maps SQLite "not a database" and "corrupt" failures onto
// ErrCatalogCorrupt and passes everything else through.
func (s *Store) classify(err error) error {
	if errors.Is(err, errIntegrity) {
		return &CorruptError{Path: s.path, Err: err}
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		if code == sqliteCorrupt || code == sqliteNotADB {
			return &CorruptError{Path: s.path, Err: err}
		}
	}
	return fmt.Errorf("catalog %s: %w", s.path, err)
}

func initSchema(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			format TEXT NOT NULL DEFAULT '',
			latest_version_id TEXT NOT NULL DEFAULT '',
			n_versions INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS versions (
			artifact_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			code_hash TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			sidecar_format TEXT NOT NULL DEFAULT 'json',
			PRIMARY KEY (artifact_id, version_id),
			FOREIGN KEY (artifact_id) REFERENCES artifacts(artifact_id)
		);`,
		`CREATE INDEX IF NOT EXISTS versions_order
			ON versions (artifact_id, created_at DESC, version_id DESC);`,
		`CREATE TABLE IF NOT EXISTS parent_index (
			child_artifact_id TEXT NOT NULL,
			child_version_id TEXT NOT NULL,
			child_path TEXT NOT NULL,
			parent_alias TEXT NOT NULL DEFAULT '',
			parent_artifact_id TEXT NOT NULL,
			parent_version_id TEXT NOT NULL,
			parent_path TEXT NOT NULL,
			PRIMARY KEY (child_artifact_id, child_version_id, parent_artifact_id, parent_version_id)
		);`,
		`CREATE INDEX IF NOT EXISTS parent_lookup
			ON parent_index (parent_artifact_id, parent_version_id);`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// Read loads the whole catalog. A missing catalog file is an empty catalog.
func (s *Store) Read(ctx context.Context) (*Catalog, error) {
	db, err := s.conn(ctx, false)
	if err != nil {
		return nil, err
	}
	c := &Catalog{}
	if db == nil {
		return c, nil
	}

	if c.Artifacts, err = queryArtifacts(ctx, db, `SELECT artifact_id, path, format, latest_version_id, n_versions, last_modified FROM artifacts ORDER BY path`); err != nil {
		return nil, err
	}
	if c.Versions, err = queryVersions(ctx, db, `SELECT artifact_id, version_id, content_hash, code_hash, size_bytes, created_at, sidecar_format FROM versions ORDER BY artifact_id, created_at DESC, version_id DESC`); err != nil {
		return nil, err
	}
	if c.Parents, err = queryEdges(ctx, db, `SELECT child_artifact_id, child_version_id, child_path, parent_alias, parent_artifact_id, parent_version_id, parent_path FROM parent_index ORDER BY child_path, child_version_id, parent_path`); err != nil {
		return nil, err
	}
	return c, nil
}

// Write replaces the stored catalog with c in one transaction. Callers hold
// the alias lock.
func (s *Store) Write(ctx context.Context, c *Catalog) error {
	db, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		for _, table := range []string{"parent_index", "versions", "artifacts"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, a := range c.Artifacts {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO artifacts (artifact_id, path, format, latest_version_id, n_versions, last_modified) VALUES (?, ?, ?, ?, ?, ?)`,
				a.ID, a.Path, a.Format, a.LatestVersionID, a.NVersions, a.LastModified.UnixMilli()); err != nil {
				return fmt.Errorf("failed to write artifact %s: %w", a.Path, err)
			}
		}
		for _, v := range c.Versions {
			if err := insertVersion(ctx, tx, v); err != nil {
				return err
			}
		}
		for _, e := range c.Parents {
			if err := insertEdge(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordVersion upserts the artifact row, appends one version row and its
// parent edges, all in one transaction.
func (s *Store) RecordVersion(ctx context.Context, rec Record) error {
	if rec.Path == "" || rec.VersionID == "" {
		return fmt.Errorf("record version: path and version id are required")
	}
	db, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	artifactID := ArtifactID(rec.Path)
	createdAt := rec.CreatedAt.UTC().Truncate(time.Millisecond)

	return withTx(ctx, db, func(tx *sql.Tx) error {
		query := `INSERT INTO artifacts (artifact_id, path, format, latest_version_id, n_versions, last_modified)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(artifact_id) DO UPDATE SET format = excluded.format, last_modified = excluded.last_modified`
		if _, err := tx.ExecContext(ctx, query, artifactID, rec.Path, rec.Format, rec.VersionID, createdAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to upsert artifact %s: %w", rec.Path, err)
		}
		if err := insertVersion(ctx, tx, Version{
			ID:            rec.VersionID,
			ArtifactID:    artifactID,
			ContentHash:   rec.ContentHash,
			CodeHash:      rec.CodeHash,
			SizeBytes:     rec.SizeBytes,
			CreatedAt:     createdAt,
			SidecarFormat: rec.SidecarFormat,
		}); err != nil {
			return err
		}
		for _, e := range rec.Parents {
			e.ChildArtifactID = artifactID
			e.ChildVersionID = rec.VersionID
			e.ChildPath = rec.Path
			if e.ParentArtifactID == "" {
				e.ParentArtifactID = ArtifactID(e.ParentPath)
			}
			if err := insertEdge(ctx, tx, e); err != nil {
				return err
			}
		}
		return recompute(ctx, tx, []string{artifactID})
	})
}

// RemoveVersions deletes the given version rows and every index edge that
// references them, then recomputes counters for the affected artifacts in a
// single grouped statement.
func (s *Store) RemoveVersions(ctx context.Context, keys []VersionKey) error {
	if len(keys) == 0 {
		return nil
	}
	db, err := s.conn(ctx, true)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		affected := make(map[string]struct{})
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE artifact_id = ? AND version_id = ?`, k.ArtifactID, k.VersionID); err != nil {
				return fmt.Errorf("failed to delete version %s: %w", k.VersionID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM parent_index WHERE (child_artifact_id = ? AND child_version_id = ?) OR (parent_artifact_id = ? AND parent_version_id = ?)`,
				k.ArtifactID, k.VersionID, k.ArtifactID, k.VersionID); err != nil {
				return fmt.Errorf("failed to delete edges of %s: %w", k.VersionID, err)
			}
			affected[k.ArtifactID] = struct{}{}
		}
		ids := make([]string, 0, len(affected))
		for id := range affected {
			ids = append(ids, id)
		}
		return recompute(ctx, tx, ids)
	})
}

// recompute refreshes n_versions and latest_version_id from the remaining
// version rows of the given artifacts.
func recompute(ctx context.Context, tx *sql.Tx, artifactIDs []string) error {
	if len(artifactIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(artifactIDs)), ",")
	query := `UPDATE artifacts SET
			n_versions = (SELECT COUNT(*) FROM versions v WHERE v.artifact_id = artifacts.artifact_id),
			latest_version_id = COALESCE((SELECT v.version_id FROM versions v WHERE v.artifact_id = artifacts.artifact_id
				ORDER BY v.created_at DESC, v.version_id DESC LIMIT 1), '')
		WHERE artifact_id IN (` + placeholders + `)`
	args := make([]any, len(artifactIDs))
	for i, id := range artifactIDs {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to recompute artifacts: %w", err)
	}
	return nil
}

// Artifact returns the artifact row for a logical path.
func (s *Store) Artifact(ctx context.Context, path string) (*Artifact, error) {
	db, err := s.conn(ctx, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	rows, err := queryArtifacts(ctx, db, `SELECT artifact_id, path, format, latest_version_id, n_versions, last_modified FROM artifacts WHERE artifact_id = ?`, ArtifactID(path))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	return &rows[0], nil
}

// Artifacts lists every artifact ordered by path.
func (s *Store) Artifacts(ctx context.Context) ([]Artifact, error) {
	db, err := s.conn(ctx, false)
	if err != nil || db == nil {
		return nil, err
	}
	return queryArtifacts(ctx, db, `SELECT artifact_id, path, format, latest_version_id, n_versions, last_modified FROM artifacts ORDER BY path`)
}

// Versions lists the versions of one artifact in canonical order.
func (s *Store) Versions(ctx context.Context, artifactID string) ([]Version, error) {
	db, err := s.conn(ctx, false)
	if err != nil || db == nil {
		return nil, err
	}
	return queryVersions(ctx, db, `SELECT artifact_id, version_id, content_hash, code_hash, size_bytes, created_at, sidecar_format
		FROM versions WHERE artifact_id = ? ORDER BY created_at DESC, version_id DESC`, artifactID)
}

// Version returns one version row.
func (s *Store) Version(ctx context.Context, artifactID, versionID string) (*Version, error) {
	db, err := s.conn(ctx, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	rows, err := queryVersions(ctx, db, `SELECT artifact_id, version_id, content_hash, code_hash, size_bytes, created_at, sidecar_format
		FROM versions WHERE artifact_id = ? AND version_id = ?`, artifactID, versionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return &rows[0], nil
}

// Children returns the index edges whose parent is the given version.
func (s *Store) Children(ctx context.Context, parentArtifactID, parentVersionID string) ([]Edge, error) {
	db, err := s.conn(ctx, false)
	if err != nil || db == nil {
		return nil, err
	}
	return queryEdges(ctx, db, `SELECT child_artifact_id, child_version_id, child_path, parent_alias, parent_artifact_id, parent_version_id, parent_path
		FROM parent_index WHERE parent_artifact_id = ? AND parent_version_id = ? ORDER BY child_path, child_version_id`,
		parentArtifactID, parentVersionID)
}

// EdgeCount returns the number of parent-index rows.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	db, err := s.conn(ctx, false)
	if err != nil || db == nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parent_index`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v Version) error {
	format := v.SidecarFormat
	if format == "" {
		format = "json"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO versions (artifact_id, version_id, content_hash, code_hash, size_bytes, created_at, sidecar_format) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ArtifactID, v.ID, v.ContentHash, v.CodeHash, v.SizeBytes, v.CreatedAt.UnixMilli(), format)
	if err != nil {
		return fmt.Errorf("failed to insert version %s: %w", v.ID, err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, e Edge) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO parent_index (child_artifact_id, child_version_id, child_path, parent_alias, parent_artifact_id, parent_version_id, parent_path) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ChildArtifactID, e.ChildVersionID, e.ChildPath, e.ParentAlias, e.ParentArtifactID, e.ParentVersionID, e.ParentPath)
	if err != nil {
		return fmt.Errorf("failed to insert parent edge: %w", err)
	}
	return nil
}

func queryArtifacts(ctx context.Context, db *sql.DB, query string, args ...any) ([]Artifact, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var modified int64
		if err := rows.Scan(&a.ID, &a.Path, &a.Format, &a.LatestVersionID, &a.NVersions, &modified); err != nil {
			return nil, err
		}
		a.LastModified = time.UnixMilli(modified).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func queryVersions(ctx context.Context, db *sql.DB, query string, args ...any) ([]Version, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var created int64
		if err := rows.Scan(&v.ArtifactID, &v.ID, &v.ContentHash, &v.CodeHash, &v.SizeBytes, &created, &v.SidecarFormat); err != nil {
			return nil, err
		}
		v.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryEdges(ctx context.Context, db *sql.DB, query string, args ...any) ([]Edge, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ChildArtifactID, &e.ChildVersionID, &e.ChildPath, &e.ParentAlias, &e.ParentArtifactID, &e.ParentVersionID, &e.ParentPath); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// HasParentIndex reports whether any parent-index row exists.
func (s *Store) HasParentIndex(ctx context.Context) (bool, error) {
	n, err := s.EdgeCount(ctx)
	return n > 0, err
}
