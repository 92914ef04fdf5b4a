package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// KeywordStore is the sparse retrieval index, an FTS5 table with porter
// stemming over chunk text. It lives in the same sqlite database as the
// chunk rows. Chunk metadata rides along unindexed so results from this
// leg can still cite titles and source locations.
type KeywordStore struct {
	db *sql.DB
}

// NewKeywordStore creates the store and its virtual table.
func NewKeywordStore(db *sql.DB) (*KeywordStore, error) {
	s := &KeywordStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeywordStore) createTables() error {
	query := `
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		text,
		chunk_id UNINDEXED,
		document_id UNINDEXED,
		metadata UNINDEXED,
		tokenize='porter unicode61'
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Index adds chunks to the keyword index. Existing entries for the same
// chunk ids are replaced.
func (s *KeywordStore) Index(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = del.Close() }()

	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks_fts (text, chunk_id, document_id, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = ins.Close() }()

	for _, chunk := range chunks {
		if _, err := del.ExecContext(ctx, chunk.ID); err != nil {
			return fmt.Errorf("failed to clear fts entry for chunk %s: %w", chunk.ID, err)
		}
		var metadataJSON []byte
		if chunk.Metadata != nil {
			if metadataJSON, err = json.Marshal(chunk.Metadata); err != nil {
				return fmt.Errorf("failed to marshal metadata for chunk %s: %w", chunk.ID, err)
			}
		}
		if _, err := ins.ExecContext(ctx, chunk.Text, chunk.ID, chunk.DocumentID, metadataJSON); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", chunk.ID, err)
		}
	}
	return tx.Commit()
}

// Search runs a full-text match and returns results best-first. Scores
// are negated bm25 ranks, so larger is better.
func (s *KeywordStore) Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, text, metadata, bm25(chunks_fts) AS rank
		FROM chunks_fts WHERE chunks_fts MATCH ?
		ORDER BY rank LIMIT ?`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []domain.SearchResult
	for rows.Next() {
		var r domain.SearchResult
		var metadataJSON sql.NullString
		var rank float64
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Text, &metadataJSON, &rank); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("malformed metadata for chunk %s: %w", r.ChunkID, err)
			}
		}
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteByDocument removes a document's entries from the index.
func (s *KeywordStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks_fts WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete fts entries for document %s: %w", documentID, err)
	}
	return nil
}

// buildMatchQuery turns free text into an FTS5 match expression. Terms
// are individually quoted so user punctuation cannot inject match
// syntax; all terms must appear.
func buildMatchQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isWordRune(r)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " ")
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r > 127: // keep non-ascii word characters for unicode61
		return true
	}
	return false
}
