// Package catalog implements the metadata catalog: a SQLite row store that
// is the authoritative record of which documents exist, what they contain,
// and where else they are stored.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kailiangenn/another-me/internal/encoding"
	"github.com/kailiangenn/another-me/pkg/core"
)

const (
	// StatusActive and StatusDeleted are the soft-delete states.
	StatusActive  = "active"
	StatusDeleted = "deleted"

	deleteChunkSize = 500
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id               TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	doc_type         TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	timestamp        INTEGER NOT NULL,
	embedding        BLOB,
	entities         TEXT NOT NULL DEFAULT '',
	importance       REAL NOT NULL DEFAULT 0.5,
	retention_type   TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '',
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_access      INTEGER NOT NULL DEFAULT 0,
	stored_in_vector INTEGER NOT NULL DEFAULT 0,
	stored_in_graph  INTEGER NOT NULL DEFAULT 0,
	layer            TEXT NOT NULL DEFAULT 'hot',
	status           TEXT NOT NULL DEFAULT 'active',
	expires_at       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_documents_doc_type  ON documents(doc_type);
CREATE INDEX IF NOT EXISTS idx_documents_status    ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_timestamp ON documents(timestamp);
CREATE INDEX IF NOT EXISTS idx_documents_layer     ON documents(layer);
`

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Catalog is the metadata storage primitive. Writes are serialized within
// the process; reads go straight to the pool.
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

var _ core.Store = (*Catalog)(nil)

// Open creates a catalog backed by the SQLite file at path.
func Open(path string, opts ...Option) (*Catalog, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.WrapOp("catalog.open", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	c := &Catalog{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize creates the schema. Safe to call more than once.
func (c *Catalog) Initialize(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return core.WrapOp("catalog.initialize", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return core.WrapOp("catalog.initialize", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return nil
}

// ------------------------------------------------------------------
// CRUD
// ------------------------------------------------------------------

// Add inserts a new row. Inserting an existing ID fails with ErrConflict.
func (c *Catalog) Add(ctx context.Context, doc *core.Document) error {
	if err := doc.Validate(); err != nil {
		return core.WrapOp("catalog.add", err)
	}
	if doc.ID == "" {
		return core.WrapOp("catalog.add", fmt.Errorf("%w: missing id", core.ErrValidation))
	}

	var blob []byte
	if len(doc.Embedding) > 0 {
		var err error
		blob, err = encoding.EncodeVector(doc.Embedding)
		if err != nil {
			return core.WrapOp("catalog.add", fmt.Errorf("%w: %v", core.ErrValidation, err))
		}
	}
	entities, err := encoding.EncodeStrings(doc.Entities)
	if err != nil {
		return core.WrapOp("catalog.add", err)
	}
	metadata, err := encoding.EncodeMetadata(doc.Metadata)
	if err != nil {
		return core.WrapOp("catalog.add", err)
	}

	ts := doc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	layer := doc.Layer
	if layer == "" {
		layer = core.LayerForAge(time.Since(ts))
	}
	var expiresAt any
	if doc.ExpiresAt != nil {
		expiresAt = doc.ExpiresAt.UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.WrapOp("catalog.add", core.ErrStoreClosed)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, content, doc_type, source, timestamp, embedding, entities,
			importance, retention_type, metadata, access_count, last_access,
			stored_in_vector, stored_in_graph, layer, status, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Content, string(doc.DocType), doc.Source, ts.UnixNano(),
		blob, entities, doc.Importance, string(doc.Retention), metadata,
		doc.AccessCount, unixOrZero(doc.LastAccess),
		boolToInt(doc.StoredInVector), boolToInt(doc.StoredInGraph),
		string(layer), StatusActive, expiresAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return core.WrapOp("catalog.add", fmt.Errorf("%w: %s", core.ErrConflict, doc.ID))
		}
		return core.WrapOp("catalog.add", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return nil
}

// Get returns the active document with the given ID.
func (c *Catalog) Get(ctx context.Context, id string) (*core.Document, error) {
	row := c.db.QueryRowContext(ctx,
		selectColumns+" FROM documents WHERE id = ? AND status = ?", id, StatusActive)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.WrapOp("catalog.get", fmt.Errorf("%w: %s", core.ErrNotFound, id))
	}
	if err != nil {
		return nil, core.WrapOp("catalog.get", err)
	}
	return doc, nil
}

// Update rewrites the mutable fields of an existing row: importance,
// access stats, embedding, storage flags, metadata, and layer.
func (c *Catalog) Update(ctx context.Context, doc *core.Document) error {
	if doc.Importance < 0 || doc.Importance > 1 {
		return core.WrapOp("catalog.update",
			fmt.Errorf("%w: importance %v outside [0,1]", core.ErrValidation, doc.Importance))
	}

	var blob []byte
	if len(doc.Embedding) > 0 {
		var err error
		blob, err = encoding.EncodeVector(doc.Embedding)
		if err != nil {
			return core.WrapOp("catalog.update", err)
		}
	}
	metadata, err := encoding.EncodeMetadata(doc.Metadata)
	if err != nil {
		return core.WrapOp("catalog.update", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.WrapOp("catalog.update", core.ErrStoreClosed)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET
			importance = ?, access_count = ?, last_access = ?, embedding = ?,
			stored_in_vector = ?, stored_in_graph = ?, metadata = ?, layer = ?
		WHERE id = ? AND status = ?`,
		doc.Importance, doc.AccessCount, unixOrZero(doc.LastAccess), blob,
		boolToInt(doc.StoredInVector), boolToInt(doc.StoredInGraph),
		metadata, string(doc.Layer), doc.ID, StatusActive)
	if err != nil {
		return core.WrapOp("catalog.update", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.WrapOp("catalog.update", fmt.Errorf("%w: %s", core.ErrNotFound, doc.ID))
	}
	return nil
}

// Delete soft-deletes the row. Deleting an absent or already deleted ID is
// not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.WrapOp("catalog.delete", core.ErrStoreClosed)
	}
	_, err := c.db.ExecContext(ctx,
		"UPDATE documents SET status = ? WHERE id = ?", StatusDeleted, id)
	if err != nil {
		return core.WrapOp("catalog.delete", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return nil
}

// Search lists active documents matching the filter, newest first.
// Hit scores are uniform; ranking is the pipeline's job.
func (c *Catalog) Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error) {
	if req.TopK <= 0 {
		return nil, nil
	}

	query := "SELECT id FROM documents WHERE status = ?"
	args := []any{StatusActive}
	if req.Text != "" {
		query += " AND content LIKE ?"
		args = append(args, "%"+req.Text+"%")
	}
	if f := req.Filter; f != nil {
		if f.DocType != "" {
			query += " AND doc_type = ?"
			args = append(args, string(f.DocType))
		}
		if !f.After.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, f.After.UnixNano())
		}
		if !f.Before.IsZero() {
			query += " AND timestamp <= ?"
			args = append(args, f.Before.UnixNano())
		}
	}
	query += " ORDER BY timestamp DESC, id ASC LIMIT ?"
	args = append(args, req.TopK)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapOp("catalog.search", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	defer rows.Close()

	var hits []core.Hit
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.WrapOp("catalog.search", err)
		}
		hits = append(hits, core.Hit{ID: id, Score: 1})
	}
	return hits, rows.Err()
}

// Count returns the number of active rows.
func (c *Catalog) Count(ctx context.Context) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE status = ?", StatusActive).Scan(&count)
	if err != nil {
		return 0, core.WrapOp("catalog.count", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return count, nil
}

// Clear removes all rows, deleted ones included.
func (c *Catalog) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.WrapOp("catalog.clear", core.ErrStoreClosed)
	}
	_, err := c.db.ExecContext(ctx, "DELETE FROM documents")
	return core.WrapOp("catalog.clear", err)
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// ------------------------------------------------------------------
// Bulk and maintenance operations
// ------------------------------------------------------------------

// GetByIDs fetches active rows for the given IDs. Missing IDs are simply
// absent from the result.
func (c *Catalog) GetByIDs(ctx context.Context, ids []string) (map[string]*core.Document, error) {
	result := make(map[string]*core.Document, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(chunk)+1)
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, StatusActive)

		rows, err := c.db.QueryContext(ctx,
			selectColumns+" FROM documents WHERE id IN ("+placeholders+") AND status = ?", args...)
		if err != nil {
			return nil, core.WrapOp("catalog.get_by_ids", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
		}
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				rows.Close()
				return nil, core.WrapOp("catalog.get_by_ids", err)
			}
			result[doc.ID] = doc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, core.WrapOp("catalog.get_by_ids", err)
		}
		rows.Close()
	}
	return result, nil
}

// RecordAccess bumps access_count and last_access for the given IDs.
func (c *Catalog) RecordAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.WrapOp("catalog.record_access", core.ErrStoreClosed)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{at.UnixNano()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := c.db.ExecContext(ctx,
		"UPDATE documents SET access_count = access_count + 1, last_access = ? WHERE id IN ("+placeholders+")",
		args...)
	return core.WrapOp("catalog.record_access", err)
}

// DueForSweep returns IDs of active rows whose TTL elapsed before now.
func (c *Catalog) DueForSweep(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id FROM documents WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		StatusActive, now.UnixNano())
	if err != nil {
		return nil, core.WrapOp("catalog.due_for_sweep", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.WrapOp("catalog.due_for_sweep", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeDeleted physically removes soft-deleted rows, chunked to keep
// statements bounded.
func (c *Catalog) PurgeDeleted(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, core.WrapOp("catalog.purge", core.ErrStoreClosed)
	}

	var total int64
	for {
		res, err := c.db.ExecContext(ctx,
			"DELETE FROM documents WHERE id IN (SELECT id FROM documents WHERE status = ? LIMIT ?)",
			StatusDeleted, deleteChunkSize)
		if err != nil {
			return total, core.WrapOp("catalog.purge", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
		}
		n, _ := res.RowsAffected()
		total += n
		if n < deleteChunkSize {
			return total, nil
		}
	}
}

// Stats reports active row count.
func (c *Catalog) Stats(ctx context.Context) (core.Stats, error) {
	count, err := c.Count(ctx)
	if err != nil {
		return core.Stats{}, err
	}
	var total int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&total); err != nil {
		return core.Stats{}, core.WrapOp("catalog.stats", err)
	}
	return core.Stats{Count: count, Total: total}, nil
}

// ------------------------------------------------------------------
// Row mapping
// ------------------------------------------------------------------

const selectColumns = `SELECT id, content, doc_type, source, timestamp, embedding,
	entities, importance, retention_type, metadata, access_count, last_access,
	stored_in_vector, stored_in_graph, layer, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*core.Document, error) {
	var (
		doc        core.Document
		docType    string
		retention  string
		layer      string
		ts         int64
		lastAccess int64
		blob       []byte
		entities   string
		metadata   string
		inVector   int
		inGraph    int
		expiresAt  sql.NullInt64
	)
	err := row.Scan(&doc.ID, &doc.Content, &docType, &doc.Source, &ts, &blob,
		&entities, &doc.Importance, &retention, &metadata, &doc.AccessCount,
		&lastAccess, &inVector, &inGraph, &layer, &expiresAt)
	if err != nil {
		return nil, err
	}

	doc.DocType = core.DocumentType(docType)
	doc.Retention = core.RetentionType(retention)
	doc.Layer = core.DataLayer(layer)
	doc.Timestamp = time.Unix(0, ts)
	if lastAccess != 0 {
		doc.LastAccess = time.Unix(0, lastAccess)
	}
	doc.StoredInVector = inVector != 0
	doc.StoredInGraph = inGraph != 0
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		doc.ExpiresAt = &t
	}
	if len(blob) > 0 {
		doc.Embedding, err = encoding.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding blob: %v", core.ErrParse, err)
		}
	}
	doc.Entities, err = encoding.DecodeStrings(entities)
	if err != nil {
		return nil, fmt.Errorf("%w: entities: %v", core.ErrParse, err)
	}
	doc.Metadata, err = encoding.DecodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", core.ErrParse, err)
	}
	return &doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
