package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/log"
)

// Pipeline drives a document through ingestion: load, clean, chunk,
// embed, index. Failures mark the document errored and clear any chunk
// rows and index entries written before the failure, so an errored
// document never holds partial state.
type Pipeline struct {
	docs     domain.DocumentStore
	vectors  domain.VectorStore
	keywords domain.KeywordStore
	embedder domain.Embedder
	loaders  *LoaderRegistry
	cleaner  *Cleaner
	logger   *slog.Logger
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(
	docs domain.DocumentStore,
	vectors domain.VectorStore,
	keywords domain.KeywordStore,
	embedder domain.Embedder,
	loaders *LoaderRegistry,
) *Pipeline {
	return &Pipeline{
		docs:     docs,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		loaders:  loaders,
		cleaner:  NewCleaner(),
		logger:   log.WithModule("ingest"),
	}
}

// Register creates a pending document record for a source and returns
// it. Processing happens separately, via Run.
func (p *Pipeline) Register(ctx context.Context, sourceType domain.SourceType, source string) (*domain.Document, error) {
	doc := &domain.Document{
		ID:         uuid.New().String(),
		SourceType: sourceType,
		Source:     source,
		Status:     domain.DocumentPending,
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	p.logger.Info("registered document", "document_id", doc.ID, "source", source)
	return doc, nil
}

// Run processes one registered document end to end. The processing
// status is visible immediately so concurrent workers skip the
// document; the terminal status is ready or error.
func (p *Pipeline) Run(ctx context.Context, documentID string, tuning config.ChunkingTuning) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == domain.DocumentProcessing {
		return fmt.Errorf("%w: document %s is already being processed", domain.ErrIngestionFailed, documentID)
	}

	if err := p.docs.UpdateStatus(ctx, documentID, domain.DocumentProcessing, ""); err != nil {
		return err
	}

	if err := p.process(ctx, doc, tuning); err != nil {
		p.logger.Error("ingestion failed",
			"document_id", documentID, "source", doc.Source, "error", err)
		cleanupCtx := context.WithoutCancel(ctx)
		if statusErr := p.docs.UpdateStatus(cleanupCtx, documentID, domain.DocumentError, err.Error()); statusErr != nil {
			p.logger.Error("failed to record ingestion error",
				"document_id", documentID, "error", statusErr)
		}
		p.rollback(cleanupCtx, documentID)
		return fmt.Errorf("%w: %v", domain.ErrIngestionFailed, err)
	}
	return nil
}

// rollback removes whatever the failed run managed to write: chunk rows
// and entries in either index. Best effort, each step logged on its own.
func (p *Pipeline) rollback(ctx context.Context, documentID string) {
	if err := p.vectors.DeleteByDocument(ctx, documentID); err != nil {
		p.logger.Error("rollback of vector entries failed",
			"document_id", documentID, "error", err)
	}
	if err := p.keywords.DeleteByDocument(ctx, documentID); err != nil {
		p.logger.Error("rollback of keyword entries failed",
			"document_id", documentID, "error", err)
	}
	if err := p.docs.ReplaceChunks(ctx, documentID, nil); err != nil {
		p.logger.Error("rollback of chunk rows failed",
			"document_id", documentID, "error", err)
	}
}

func (p *Pipeline) process(ctx context.Context, doc *domain.Document, tuning config.ChunkingTuning) error {
	loaded, err := p.loaders.Load(ctx, doc.SourceType, doc.Source)
	if err != nil {
		return err
	}

	text := p.cleaner.Clean(loaded.Text)
	if text == "" {
		return fmt.Errorf("document %s produced no text after cleaning", doc.ID)
	}

	title := loaded.Title
	if title == "" {
		title = ExtractTitle(text)
	}
	metadata := ExtractMetadata(text)
	for k, v := range loaded.Metadata {
		metadata[k] = v
	}
	metadata["title"] = title

	chunker := NewChunker(tuning.ChunkSize, tuning.Overlap)
	pieces := chunker.Split(text)
	if len(pieces) == 0 {
		return fmt.Errorf("document %s produced no chunks", doc.ID)
	}

	chunks := make([]domain.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = domain.Chunk{
			ID:         fmt.Sprintf("%s:%d", doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Text:       piece.Text,
			CharStart:  piece.CharStart,
			CharEnd:    piece.CharEnd,
			Metadata: map[string]interface{}{
				"title":      title,
				"source_uri": doc.Source,
			},
		}
	}

	if err := p.docs.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	if err := p.embedAndIndex(ctx, chunks, tuning.BatchSize); err != nil {
		return err
	}

	if err := p.keywords.Index(ctx, chunks); err != nil {
		return fmt.Errorf("failed to build keyword index: %w", err)
	}

	if err := p.docs.UpdateContent(ctx, doc.ID, title, metadata); err != nil {
		return err
	}
	if err := p.docs.MarkReady(ctx, doc.ID, len(chunks)); err != nil {
		return err
	}

	p.logger.Info("document ingested",
		"document_id", doc.ID, "title", title, "chunks", len(chunks))
	return nil
}

func (p *Pipeline) embedAndIndex(ctx context.Context, chunks []domain.Chunk, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
		}
		vectors, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed batch at %d: %w", start, err)
		}
		if err := p.vectors.Upsert(ctx, batch, vectors); err != nil {
			return fmt.Errorf("failed to upsert vectors at %d: %w", start, err)
		}
	}
	return nil
}

// Delete removes a document everywhere: both indexes, then the rows.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	if _, err := p.docs.Get(ctx, documentID); err != nil {
		return err
	}
	if err := p.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if err := p.keywords.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if err := p.docs.Delete(ctx, documentID); err != nil {
		return err
	}
	p.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// ResetForRetry moves an errored document back to pending so it can be
// re-enqueued.
func (p *Pipeline) ResetForRetry(ctx context.Context, documentID string) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != domain.DocumentError {
		return fmt.Errorf("%w: document %s is %s, only errored documents can be retried",
			domain.ErrInvalidInput, documentID, doc.Status)
	}
	return p.docs.UpdateStatus(ctx, documentID, domain.DocumentPending, "")
}
