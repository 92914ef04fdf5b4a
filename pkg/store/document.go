package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// DocumentStore persists document records and their chunk rows in sqlite.
type DocumentStore struct {
	db *sql.DB
}

// NewDocumentStore creates the store and its tables.
func NewDocumentStore(db *sql.DB) (*DocumentStore, error) {
	s := &DocumentStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		metadata TEXT,
		UNIQUE(document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new document record. Status defaults to pending.
func (s *DocumentStore) Create(ctx context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id required", domain.ErrInvalidInput)
	}
	if doc.Status == "" {
		doc.Status = domain.DocumentPending
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	metadataJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_type, source, title, status, error_message, chunk_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SourceType, doc.Source, doc.Title, doc.Status, doc.ErrorMessage,
		doc.ChunkCount, metadataJSON, doc.CreatedAt.Unix(), doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// Get returns a document by id.
func (s *DocumentStore) Get(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, source, title, status, error_message, chunk_count, metadata, created_at, updated_at
		FROM documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
		}
		return nil, err
	}
	return doc, nil
}

// List returns all documents, newest first.
func (s *DocumentStore) List(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source, title, status, error_message, chunk_count, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// UpdateStatus moves a document through the ingestion lifecycle. The
// error message is cleared on any non-error status.
func (s *DocumentStore) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string) error {
	if status != domain.DocumentError {
		errMsg = ""
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return requireRow(res, id)
}

// UpdateContent stores the extracted title and metadata.
func (s *DocumentStore) UpdateContent(ctx context.Context, id string, title string, metadata map[string]interface{}) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		title, metadataJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update document content: %w", err)
	}
	return requireRow(res, id)
}

// MarkReady finalizes a successful ingestion.
func (s *DocumentStore) MarkReady(ctx context.Context, id string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = '', chunk_count = ?, updated_at = ? WHERE id = ?`,
		domain.DocumentReady, chunkCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark document ready: %w", err)
	}
	return requireRow(res, id)
}

// ReplaceChunks swaps the chunk rows of a document in one transaction,
// so a re-ingest never leaves a mix of old and new chunks.
func (s *DocumentStore) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear old chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, chunk_index, text, char_start, char_end, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, chunk := range chunks {
		metadataJSON, err := marshalMetadata(chunk.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, chunk.ID, documentID, chunk.Index,
			chunk.Text, chunk.CharStart, chunk.CharEnd, metadataJSON); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}
	return tx.Commit()
}

// ChunksByDocument returns a document's chunks in index order.
func (s *DocumentStore) ChunksByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, text, char_start, char_end, metadata
		FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chunks []domain.Chunk
	for rows.Next() {
		var chunk domain.Chunk
		var metadataJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Index,
			&chunk.Text, &chunk.CharStart, &chunk.CharEnd, &metadataJSON); err != nil {
			return nil, err
		}
		if chunk.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// Delete removes a document; chunk rows cascade.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return requireRow(res, id)
}

// Stats reports corpus totals.
func (s *DocumentStore) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.TotalDocuments); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.TotalChunks); err != nil {
		return stats, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var metadataJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&doc.ID, &doc.SourceType, &doc.Source, &doc.Title, &doc.Status,
		&doc.ErrorMessage, &doc.ChunkCount, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if doc.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
	}
	return nil
}
