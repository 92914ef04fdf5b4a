package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/ingest"
	"github.com/csbot-dev/csbot/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{1, 0}
	}
	return vectors, nil
}

func (stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (stubEmbedder) Dimension() int { return 2 }

type noopVectorStore struct{}

func (noopVectorStore) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	return nil
}

func (noopVectorStore) Search(ctx context.Context, vector []float64, topK int) ([]domain.SearchResult, error) {
	return nil, nil
}

func (noopVectorStore) DeleteByDocument(ctx context.Context, documentID string) error { return nil }
func (noopVectorStore) Close() error                                                  { return nil }

type workerEnv struct {
	worker *Worker
	docs   *store.DocumentStore
	dir    string
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "csbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	docs, err := store.NewDocumentStore(db)
	require.NoError(t, err)
	keywords, err := store.NewKeywordStore(db)
	require.NoError(t, err)

	pipeline := ingest.NewPipeline(docs, noopVectorStore{}, keywords,
		stubEmbedder{}, ingest.NewLoaderRegistry(dir, nil))

	cfg := &config.Config{
		Worker: config.WorkerConfig{MaxJobs: 2, JobTimeout: 30 * time.Second},
	}
	require.NoError(t, cfg.ReloadTuning())

	return &workerEnv{
		worker: New(nil, pipeline, cfg),
		docs:   docs,
		dir:    dir,
	}
}

func TestHandle_ProcessesDocument(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	path := filepath.Join(env.dir, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte("# Guide\n\nHow to configure the product."), 0644))

	doc := &domain.Document{ID: "doc-1", SourceType: domain.SourceMarkdown, Source: path}
	require.NoError(t, env.docs.Create(ctx, doc))

	env.worker.Handle(ctx, Job{DocumentID: "doc-1"})

	stored, err := env.docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentReady, stored.Status)
}

func TestHandle_FailureLeavesErrorState(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	doc := &domain.Document{
		ID:         "doc-2",
		SourceType: domain.SourceMarkdown,
		Source:     filepath.Join(env.dir, "missing.md"),
	}
	require.NoError(t, env.docs.Create(ctx, doc))

	env.worker.Handle(ctx, Job{DocumentID: "doc-2"})

	stored, err := env.docs.Get(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentError, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestJob_PayloadShape(t *testing.T) {
	payload, err := json.Marshal(Job{DocumentID: "doc-3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"document_id":"doc-3"}`, string(payload))

	var job Job
	require.NoError(t, json.Unmarshal(payload, &job))
	assert.Equal(t, Job{DocumentID: "doc-3"}, job)
}
