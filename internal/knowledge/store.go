package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Options describes parameters for opening a knowledge store.
type Options struct {
	DBPath string // Path to the sqlite file; ":memory:" works for tests.
}

// Store persists the retrieval corpus in sqlite. Documents are flat records
// upserted by id; there is no versioning and no delete cascade to maintain.
type Store struct {
	db     *sql.DB
	dbPath string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata TEXT,
		tags TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Open initialises the knowledge store at the given path.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, errors.New("knowledge: db path is required")
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, dbPath: opts.DBPath}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a document by id. A re-add with an existing id replaces
// content, metadata, and tags in one statement.
func (s *Store) Put(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == "" {
		return Document{}, errors.New("knowledge: document id is required")
	}

	metadataJSON, err := marshalOrNull(doc.Metadata)
	if err != nil {
		return Document{}, fmt.Errorf("knowledge: encode metadata: %w", err)
	}
	tagsJSON, err := marshalOrNull(doc.Tags)
	if err != nil {
		return Document{}, fmt.Errorf("knowledge: encode tags: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, metadata, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`, doc.ID, doc.Content, metadataJSON, tagsJSON, now, now)
	if err != nil {
		return Document{}, fmt.Errorf("knowledge: upsert document %s: %w", doc.ID, err)
	}

	return s.Get(ctx, doc.ID)
}

// Get returns a single document by id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, metadata, tags, created_at, updated_at
		FROM documents WHERE id = ?
	`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, NotFoundError{ID: id}
	}
	if err != nil {
		return Document{}, fmt.Errorf("knowledge: load document %s: %w", id, err)
	}
	return doc, nil
}

// List returns all documents ordered by creation time, oldest first. This
// order is the corpus order retrieval ties fall back to.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, tags, created_at, updated_at
		FROM documents ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("knowledge: scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListByTag returns all documents carrying the given tag, in corpus order.
func (s *Store) ListByTag(ctx context.Context, tag string) ([]Document, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var tagged []Document
	for _, doc := range docs {
		if doc.HasTag(tag) {
			tagged = append(tagged, doc)
		}
	}
	return tagged, nil
}

// Delete removes a document by id. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("knowledge: delete document %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var metadataJSON, tagsJSON sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&doc.ID, &doc.Content, &metadataJSON, &tagsJSON, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &doc.Tags); err != nil {
			return Document{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

func marshalOrNull(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
	case []string:
		if len(v) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("knowledge: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("knowledge: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("knowledge: commit schema transaction: %w", err)
	}
	return nil
}
