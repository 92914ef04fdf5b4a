package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/store"
)

type fakeEmbedder struct {
	dim     int
	failure error
	calls   int
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	f.calls++
	if f.failure != nil {
		return nil, f.failure
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = make([]float64, f.dim)
		vectors[i][0] = 1
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeVectorStore struct {
	upserted map[string]int // document id -> chunk count
	deleted  []string
	failure  error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{upserted: make(map[string]int)}
}

func (f *fakeVectorStore) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	if f.failure != nil {
		return f.failure
	}
	for _, c := range chunks {
		f.upserted[c.DocumentID]++
	}
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, vector []float64, topK int) ([]domain.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	f.deleted = append(f.deleted, documentID)
	delete(f.upserted, documentID)
	return nil
}

func (f *fakeVectorStore) Close() error { return nil }

type pipelineEnv struct {
	pipeline *Pipeline
	docs     *store.DocumentStore
	keywords *store.KeywordStore
	vectors  *fakeVectorStore
	embedder *fakeEmbedder
	dir      string
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "csbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	docs, err := store.NewDocumentStore(db)
	require.NoError(t, err)
	keywords, err := store.NewKeywordStore(db)
	require.NoError(t, err)

	vectors := newFakeVectorStore()
	embedder := &fakeEmbedder{dim: 4}
	loaders := NewLoaderRegistry(dir, nil)

	return &pipelineEnv{
		pipeline: NewPipeline(docs, vectors, keywords, embedder, loaders),
		docs:     docs,
		keywords: keywords,
		vectors:  vectors,
		embedder: embedder,
		dir:      dir,
	}
}

func (e *pipelineEnv) writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

var testTuning = config.ChunkingTuning{ChunkSize: 100, Overlap: 10, BatchSize: 2}

func TestPipeline_RunSuccess(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "refunds.md",
		"# Refund Policy\n\n"+strings.Repeat("Refunds are processed within five business days. ", 10))

	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, path)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentPending, doc.Status)

	require.NoError(t, env.pipeline.Run(ctx, doc.ID, testTuning))

	stored, err := env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReady, stored.Status)
	assert.Equal(t, "Refund Policy", stored.Title)
	assert.Greater(t, stored.ChunkCount, 1)
	assert.Empty(t, stored.ErrorMessage)

	chunks, err := env.docs.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, stored.ChunkCount)
	assert.Equal(t, doc.ID+":0", chunks[0].ID)
	assert.Equal(t, "Refund Policy", chunks[0].Metadata["title"])
	assert.Equal(t, path, chunks[0].Metadata["source_uri"])

	// both indexes saw every chunk
	assert.Equal(t, stored.ChunkCount, env.vectors.upserted[doc.ID])
	results, err := env.keywords.Search(ctx, "refunds processed", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestPipeline_RunLoaderFailureMarksError(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, filepath.Join(env.dir, "missing.md"))
	require.NoError(t, err)

	err = env.pipeline.Run(ctx, doc.ID, testTuning)
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)

	stored, err := env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentError, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestPipeline_RunEmbedFailureMarksError(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "doc.md", "# Doc\n\nsome body text for the chunker")
	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, path)
	require.NoError(t, err)

	env.embedder.failure = errors.New("upstream unavailable")
	err = env.pipeline.Run(ctx, doc.ID, testTuning)
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)

	stored, err := env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentError, stored.Status)

	// the failed run is rolled back: no chunk rows or index entries remain
	chunks, err := env.docs.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, env.vectors.upserted[doc.ID])
	assert.Contains(t, env.vectors.deleted, doc.ID)
	results, err := env.keywords.Search(ctx, "chunker", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPipeline_RunSkipsProcessingDocument(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "doc.md", "body")
	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, path)
	require.NoError(t, err)
	require.NoError(t, env.docs.UpdateStatus(ctx, doc.ID, domain.DocumentProcessing, ""))

	err = env.pipeline.Run(ctx, doc.ID, testTuning)
	assert.ErrorIs(t, err, domain.ErrIngestionFailed)
	assert.Zero(t, env.embedder.calls)
}

func TestPipeline_ResetForRetry(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, filepath.Join(env.dir, "missing.md"))
	require.NoError(t, err)

	// only errored documents can be reset
	err = env.pipeline.ResetForRetry(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.Error(t, env.pipeline.Run(ctx, doc.ID, testTuning))
	require.NoError(t, env.pipeline.ResetForRetry(ctx, doc.ID))

	stored, err := env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentPending, stored.Status)
	assert.Empty(t, stored.ErrorMessage)

	// the source exists now, so the retry succeeds
	env.writeDoc(t, "missing.md", "# Found\n\nthe file arrived")
	require.NoError(t, env.pipeline.Run(ctx, doc.ID, testTuning))
	stored, err = env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReady, stored.Status)
}

func TestPipeline_Delete(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "doc.md", "# Doc\n\nsearchable body text")
	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, path)
	require.NoError(t, err)
	require.NoError(t, env.pipeline.Run(ctx, doc.ID, testTuning))

	require.NoError(t, env.pipeline.Delete(ctx, doc.ID))

	_, err = env.docs.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	assert.Contains(t, env.vectors.deleted, doc.ID)

	results, err := env.keywords.Search(ctx, "searchable", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	err = env.pipeline.Delete(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestPipeline_ReingestReplacesChunks(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "doc.md",
		"# Doc\n\n"+strings.Repeat("original content sentence. ", 20))
	doc, err := env.pipeline.Register(ctx, domain.SourceMarkdown, path)
	require.NoError(t, err)
	require.NoError(t, env.pipeline.Run(ctx, doc.ID, testTuning))

	env.writeDoc(t, "doc.md", "# Doc\n\nshort replacement")
	require.NoError(t, env.pipeline.Run(ctx, doc.ID, testTuning))

	stored, err := env.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReady, stored.Status)
	assert.Equal(t, 1, stored.ChunkCount)

	chunks, err := env.docs.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "short replacement")
}
