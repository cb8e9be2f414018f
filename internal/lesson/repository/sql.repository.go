package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"

	"lessond/pkg/apperr"
	"lessond/pkg/fingerprint"
	"lessond/pkg/logger"
	"lessond/pkg/slug"
)

// Dialect selects the placeholder style of the SQL driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQLRepository stores each lesson as one row. Same-slug races are resolved
// by the database through conditional statements rather than in-process
// locks, so several lessond processes may share one database.
type SQLRepository struct {
	DB      *sql.DB
	Dialect Dialect
}

func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{DB: db, Dialect: dialect}
}

const schema = `CREATE TABLE IF NOT EXISTS lessons (
	slug        TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Migrate creates the lessons table if it does not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, schema); err != nil {
		logger.Sugar.Errorf("Failed to migrate lessons table: %v", err)
		return apperr.Wrap(apperr.StorageFailure, err, "migrate lessons table")
	}
	return nil
}

func (r *SQLRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.rebind("SELECT slug FROM lessons ORDER BY slug"))
	if err != nil {
		logger.Sugar.Errorf("Failed to list lessons: %v", err)
		return nil, apperr.Wrap(apperr.StorageFailure, err, "list lessons")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logger.Sugar.Warnf("Skipping unreadable lesson row: %v", err)
			continue
		}
		if err := slug.Validate(id); err != nil {
			logger.Sugar.Debugf("Skipping malformed lesson row %q: %v", id, err)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, err, "list lessons")
	}
	// ORDER BY follows the database collation; callers expect byte order.
	sort.Strings(ids)
	return ids, nil
}

func (r *SQLRepository) Read(ctx context.Context, s string) ([]byte, fingerprint.Fingerprint, error) {
	if err := slug.Validate(s); err != nil {
		return nil, "", err
	}
	var content string
	err := r.DB.QueryRowContext(ctx, r.rebind("SELECT content FROM lessons WHERE slug = ?"), s).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", apperr.New(apperr.NotFound, "lesson %q not found", s)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to read lesson %s: %v", s, err)
		return nil, "", apperr.Wrap(apperr.StorageFailure, err, "read lesson %q", s)
	}
	// The stored fingerprint column is an index for conditional writes; the
	// value handed out is always recomputed from the bytes returned.
	b := []byte(content)
	return b, fingerprint.Of(b), nil
}

func (r *SQLRepository) Fingerprint(ctx context.Context, s string) (fingerprint.Fingerprint, error) {
	if err := slug.Validate(s); err != nil {
		return "", err
	}
	return r.currentFingerprint(ctx, s)
}

func (r *SQLRepository) Create(ctx context.Context, s string, content []byte) (fingerprint.Fingerprint, error) {
	if err := slug.Validate(s); err != nil {
		return "", err
	}
	fp := fingerprint.Of(content)
	result, err := r.DB.ExecContext(ctx,
		r.rebind(`INSERT INTO lessons (slug, content, fingerprint, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (slug) DO NOTHING`),
		s, string(content), fp.String())
	if err != nil {
		logger.Sugar.Errorf("Failed to create lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "create lesson %q", s)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", apperr.Wrap(apperr.StorageFailure, err, "create lesson %q", s)
	}
	if n == 0 {
		return "", apperr.New(apperr.AlreadyExists, "lesson %q already exists", s)
	}
	return fp, nil
}

func (r *SQLRepository) Update(ctx context.Context, s string, expected fingerprint.Fingerprint, content []byte) (fingerprint.Fingerprint, error) {
	if err := slug.Validate(s); err != nil {
		return "", err
	}
	fp := fingerprint.Of(content)
	result, err := r.DB.ExecContext(ctx,
		r.rebind("UPDATE lessons SET content = ?, fingerprint = ?, updated_at = CURRENT_TIMESTAMP WHERE slug = ? AND fingerprint = ?"),
		string(content), fp.String(), s, expected.String())
	if err != nil {
		logger.Sugar.Errorf("Failed to update lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "update lesson %q", s)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", apperr.Wrap(apperr.StorageFailure, err, "update lesson %q", s)
	}
	if n == 0 {
		return "", r.missOrConflict(ctx, s)
	}
	return fp, nil
}

func (r *SQLRepository) Delete(ctx context.Context, s string, expected *fingerprint.Fingerprint) error {
	if err := slug.Validate(s); err != nil {
		return err
	}
	var (
		result sql.Result
		err    error
	)
	if expected != nil {
		result, err = r.DB.ExecContext(ctx, r.rebind("DELETE FROM lessons WHERE slug = ? AND fingerprint = ?"), s, expected.String())
	} else {
		result, err = r.DB.ExecContext(ctx, r.rebind("DELETE FROM lessons WHERE slug = ?"), s)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to delete lesson %s: %v", s, err)
		return apperr.Wrap(apperr.StorageFailure, err, "delete lesson %q", s)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, err, "delete lesson %q", s)
	}
	if n > 0 {
		return nil
	}
	if expected == nil {
		return apperr.New(apperr.NotFound, "lesson %q not found", s)
	}
	return r.missOrConflict(ctx, s)
}

// missOrConflict explains why a conditional write touched no row.
func (r *SQLRepository) missOrConflict(ctx context.Context, s string) error {
	if _, err := r.currentFingerprint(ctx, s); err != nil {
		return err
	}
	return apperr.New(apperr.Conflict, "lesson %q was modified since fingerprint was read", s)
}

func (r *SQLRepository) currentFingerprint(ctx context.Context, s string) (fingerprint.Fingerprint, error) {
	var fp string
	err := r.DB.QueryRowContext(ctx, r.rebind("SELECT fingerprint FROM lessons WHERE slug = ?"), s).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.NotFound, "lesson %q not found", s)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to read fingerprint of lesson %s: %v", s, err)
		return "", apperr.Wrap(apperr.StorageFailure, err, "read fingerprint of lesson %q", s)
	}
	return fingerprint.Fingerprint(fp), nil
}

// rebind rewrites '?' placeholders to $1, $2, ... for postgres.
func (r *SQLRepository) rebind(query string) string {
	if r.Dialect != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}
