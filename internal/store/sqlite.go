package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/querysql"
	"github.com/roach88/nestdoc/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - entities and metadata tables, next_seq counter
const currentSchemaVersion = 1

// Metadata keys.
const (
	metaModelHash = "model_hash"
	metaModel     = "model"
	metaNextSeq   = "next_seq"
)

// SQLiteOpener opens durable backings. The zero value is ready to use.
type SQLiteOpener struct {
	// Logger receives attach, migration and detach events. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Open implements Opener.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// Open creates the file but never its directory, so a location under a
// missing or unwritable directory fails here rather than at first save.
func (o SQLiteOpener) Open(ctx context.Context, model *schema.Model, location string, opts MigrationOptions) (Handle, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if location == "" {
		return nil, fmt.Errorf("sqlite store requires a location")
	}
	path, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("resolve store location: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	migrated, err := reconcileModel(ctx, db, model, opts)
	if err != nil {
		db.Close()
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("stat store file: %w", err)
	}

	s := &SQLite{db: db, path: path, model: model, info: info, logger: logger}
	if s.watch, err = watchFile(path, logger); err != nil {
		// The identity check in Commit still catches replaced files.
		logger.Warn("store file watch unavailable", "path", path, "err", err)
	}
	logger.Info("store attached", "path", path, "migrated", migrated)
	return s, nil
}

// SQLite is a durable backing over one SQLite file.
type SQLite struct {
	db     *sql.DB
	path   string
	model  *schema.Model
	info   os.FileInfo
	watch  *fileWatch
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ Handle = (*SQLite)(nil)

// Location implements Handle.
func (s *SQLite) Location() string {
	return s.path
}

// Close implements Handle.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		if s.watch != nil {
			s.watch.Close()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// checkAttached fails once the file at path is no longer the file opened.
func (s *SQLite) checkAttached() error {
	if s.watch != nil && s.watch.Detached() {
		return ErrDetached
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetached, err)
	}
	if !os.SameFile(info, s.info) {
		return ErrDetached
	}
	return nil
}

// Commit implements Handle.
func (s *SQLite) Commit(ctx context.Context, cs ir.Changeset, policy merge.Policy) (*CommitResult, error) {
	if err := s.checkAttached(); err != nil {
		return nil, fmt.Errorf("commit to %s: %w", s.path, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := applyChangeset(&sqliteTx{ctx: ctx, tx: tx}, cs, policy)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("changeset committed",
		"path", s.path,
		"stored", len(result.Stored),
		"deleted", len(result.Deleted),
		"dropped", len(result.Dropped),
	)
	return result, nil
}

// Resolve implements Handle.
func (s *SQLite) Resolve(ctx context.Context, id ir.EntityIdentifier) (ir.EntityRecord, error) {
	if id.IsTemporary() {
		return ir.EntityRecord{}, ErrNotFound
	}
	query, params := querysql.NewSQLCompiler().CompileLookup(id.Token)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EntityRecord{}, ErrNotFound
	}
	if err != nil {
		return ir.EntityRecord{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	return rec, nil
}

// Query implements Handle. Conjuncts on names the model does not declare
// as attributes of req.Kind are left to the caller's filter.
func (s *SQLite) Query(ctx context.Context, req queryir.Request) ([]ir.EntityRecord, error) {
	var filter []queryir.Equals
	if entity, ok := s.model.Entity(req.Kind); ok {
		for _, eq := range queryir.Pushdown(req.Predicate) {
			if _, declared := entity.Attributes[eq.Field]; declared {
				filter = append(filter, eq)
			}
		}
	}

	query, params, err := querysql.NewSQLCompiler().Compile(req.Kind, filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Kind, err)
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Kind, err)
	}
	defer rows.Close()

	recs := []ir.EntityRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", req.Kind, err)
	}
	return finishQuery(recs, req), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ir.EntityRecord, error) {
	var (
		token, kind, attrsJSON, relsJSON string
		seq, version                     int64
	)
	if err := row.Scan(&token, &kind, &seq, &version, &attrsJSON, &relsJSON); err != nil {
		return ir.EntityRecord{}, err
	}
	attrs, err := unmarshalAttributes(attrsJSON)
	if err != nil {
		return ir.EntityRecord{}, fmt.Errorf("row %s: %w", token, err)
	}
	rels, err := unmarshalRelationships(relsJSON)
	if err != nil {
		return ir.EntityRecord{}, fmt.Errorf("row %s: %w", token, err)
	}
	return ir.EntityRecord{
		ID:            ir.EntityIdentifier{Token: token},
		Kind:          kind,
		Attributes:    attrs,
		Relationships: rels,
		Version:       version,
	}, nil
}

// sqliteTx runs the commit protocol inside one database transaction.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) reserve(n int) (int64, error) {
	var raw string
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM metadata WHERE key = ?", metaNextSeq).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", metaNextSeq, err)
	}
	next, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", metaNextSeq, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		"UPDATE metadata SET value = ? WHERE key = ?",
		strconv.FormatInt(next+int64(n), 10), metaNextSeq,
	); err != nil {
		return 0, fmt.Errorf("write %s: %w", metaNextSeq, err)
	}
	return next, nil
}

func (t *sqliteTx) load(token string) (ir.EntityRecord, bool, error) {
	query, params := querysql.NewSQLCompiler().CompileLookup(token)
	rec, err := scanRecord(t.tx.QueryRowContext(t.ctx, query, params...))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.EntityRecord{}, false, nil
	}
	if err != nil {
		return ir.EntityRecord{}, false, err
	}
	return rec, true, nil
}

func (t *sqliteTx) put(rec ir.EntityRecord, seq int64) error {
	attrsJSON, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	relsJSON, err := marshalRelationships(rec.Relationships)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO entities (token, kind, seq, version, attributes, relationships)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			version = excluded.version,
			attributes = excluded.attributes,
			relationships = excluded.relationships
	`, rec.ID.Token, rec.Kind, seq, rec.Version, attrsJSON, relsJSON)
	return err
}

func (t *sqliteTx) remove(token string) error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM entities WHERE token = ?", token)
	return err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 seeds the sequence counter past any existing rows.
func migrateToV1(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO metadata (key, value)
		SELECT ?, CAST(COALESCE(MAX(seq), 0) + 1 AS TEXT) FROM entities
		WHERE true
		ON CONFLICT(key) DO NOTHING
	`, metaNextSeq)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
