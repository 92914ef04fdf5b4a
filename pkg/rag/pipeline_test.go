package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/persona"
	"github.com/csbot-dev/csbot/pkg/session"
	"github.com/csbot-dev/csbot/pkg/usage"
)

type memSessionStore struct {
	mu          sync.Mutex
	messages    map[string][]domain.ChatMessage
	escalations []domain.EscalationEvent
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{messages: make(map[string][]domain.ChatMessage)}
}

func (s *memSessionStore) GetOrCreate(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return &domain.ChatSession{ID: sessionID}, nil
}

func (s *memSessionStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	return nil
}

func (s *memSessionStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func (s *memSessionStore) RecordEscalation(ctx context.Context, ev *domain.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, *ev)
	return nil
}

func (s *memSessionStore) lastMessage(sessionID string) (domain.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if len(msgs) == 0 {
		return domain.ChatMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (s *memSessionStore) escalationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.escalations)
}

func (s *memSessionStore) lastEscalation() (domain.EscalationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.escalations) == 0 {
		return domain.EscalationEvent{}, false
	}
	return s.escalations[len(s.escalations)-1], true
}

type memVectorStore struct {
	results []domain.SearchResult
	err     error
}

func (s *memVectorStore) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	return nil
}

func (s *memVectorStore) Search(ctx context.Context, vector []float64, topK int) ([]domain.SearchResult, error) {
	return s.results, s.err
}

func (s *memVectorStore) DeleteByDocument(ctx context.Context, documentID string) error { return nil }
func (s *memVectorStore) Close() error                                                  { return nil }

type memKeywordStore struct {
	results   []domain.SearchResult
	err       error
	lastQuery string
}

func (s *memKeywordStore) Index(ctx context.Context, chunks []domain.Chunk) error { return nil }

func (s *memKeywordStore) Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	s.lastQuery = query
	return s.results, s.err
}

func (s *memKeywordStore) DeleteByDocument(ctx context.Context, documentID string) error { return nil }

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

// scoreReranker assigns each candidate a fixed score by text, keeping
// unlisted candidates out of the result.
type scoreReranker struct {
	scores map[string]float64
}

func (r *scoreReranker) Rerank(ctx context.Context, query string, candidates []string, topN int) ([]domain.RerankResult, error) {
	var out []domain.RerankResult
	for i, c := range candidates {
		if score, ok := r.scores[c]; ok {
			out = append(out, domain.RerankResult{Index: i, Score: score})
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

type stubGenerator struct {
	response  string
	deltas    []string
	usage     *domain.Usage
	err       error
	streamErr error

	mu       sync.Mutex
	requests [][]domain.LLMMessage
}

func (g *stubGenerator) record(messages []domain.LLMMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, messages)
}

func (g *stubGenerator) Generate(ctx context.Context, messages []domain.LLMMessage, opts *domain.GenerationOptions) (*domain.GenerationResult, error) {
	g.record(messages)
	if g.err != nil {
		return nil, g.err
	}
	return &domain.GenerationResult{Content: g.response, Usage: g.usage}, nil
}

func (g *stubGenerator) Stream(ctx context.Context, messages []domain.LLMMessage, opts *domain.GenerationOptions, callback func(delta string)) (*domain.GenerationResult, error) {
	g.record(messages)
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	deltas := g.deltas
	if deltas == nil {
		deltas = []string{g.response}
	}
	for _, d := range deltas {
		callback(d)
	}
	return &domain.GenerationResult{Content: strings.Join(deltas, ""), Usage: g.usage}, nil
}

type pipelineFixture struct {
	pipeline  *Pipeline
	sessions  *memSessionStore
	vectors   *memVectorStore
	keywords  *memKeywordStore
	reranker  *scoreReranker
	generator *stubGenerator
	rewriter  *stubGenerator
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	cfg := &config.Config{}
	require.NoError(t, cfg.ReloadTuning())

	sessions := newMemSessionStore()
	vectors := &memVectorStore{}
	keywords := &memKeywordStore{}
	reranker := &scoreReranker{scores: make(map[string]float64)}
	generator := &stubGenerator{response: "Grounded answer. "}
	rewriter := &stubGenerator{response: ""}

	counter, err := usage.NewCounter("gpt-4o-mini")
	require.NoError(t, err)

	mgr := session.NewManager(sessions)
	notifier := session.NewNotifier("", time.Second, sessions)
	personaMgr := persona.NewManager("Acme", "Acme Support", "friendly")

	return &pipelineFixture{
		pipeline: NewPipeline(mgr, notifier, vectors, keywords, stubEmbedder{},
			reranker, generator, rewriter, personaMgr, counter, cfg),
		sessions:  sessions,
		vectors:   vectors,
		keywords:  keywords,
		reranker:  reranker,
		generator: generator,
		rewriter:  rewriter,
	}
}

func result(chunkID, docID, text string) domain.SearchResult {
	return domain.SearchResult{
		ChunkID:    chunkID,
		DocumentID: docID,
		Text:       text,
		Score:      0.5,
		Metadata: map[string]interface{}{
			"title":      "Refund Policy",
			"source_uri": "https://docs.example.com/refunds",
		},
	}
}

func drain(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var events []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining event stream")
		}
	}
}

func deltaTexts(events []domain.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == domain.EventDelta {
			out = append(out, ev.Delta)
		}
	}
	return out
}

func TestAnswer_HighConfidenceStreamsGeneration(t *testing.T) {
	f := newFixture(t)
	chunk := "Refunds are processed within five business days of approval."
	f.vectors.results = []domain.SearchResult{result("d1:0", "d1", chunk)}
	f.reranker.scores[chunk] = 0.92
	f.generator.deltas = []string{"Refunds take ", "five business days. ", "Contact support for status."}

	events, err := f.pipeline.Answer(context.Background(), "sess-1", "how long do refunds take?")
	require.NoError(t, err)
	got := drain(t, events)

	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, domain.EventMetadata, got[0].Type)
	assert.Equal(t, domain.TierAnswer, got[0].Metadata.ConfidenceTier)
	assert.Equal(t, "sess-1", got[0].Metadata.SessionID)
	assert.NotEmpty(t, got[0].Metadata.MessageID)

	assert.Equal(t, domain.EventSources, got[len(got)-2].Type)
	require.Len(t, got[len(got)-2].Sources, 1)
	assert.Equal(t, "d1", got[len(got)-2].Sources[0].DocumentID)
	assert.Equal(t, "Refund Policy", got[len(got)-2].Sources[0].Title)
	assert.Equal(t, "https://docs.example.com/refunds", got[len(got)-2].Sources[0].URL)
	assert.InDelta(t, 0.92, got[len(got)-2].Sources[0].Score, 1e-9)

	done := got[len(got)-1]
	assert.Equal(t, domain.EventDone, done.Type)
	require.NotNil(t, done.Usage)
	assert.Positive(t, done.Usage.TotalTokens)

	// model tokens stream through as-is, one delta per token
	assert.Equal(t, []string{"Refunds take ", "five business days. ", "Contact support for status."},
		deltaTexts(got))

	last, ok := f.sessions.lastMessage("sess-1")
	require.True(t, ok)
	assert.Equal(t, "assistant", last.Role)
	assert.Equal(t, domain.TierAnswer, last.ConfidenceTier)
	assert.Len(t, last.Sources, 1)
	require.NotNil(t, last.Usage)
}

func TestAnswer_ValidatesQuery(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Answer(context.Background(), "s", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.pipeline.Answer(context.Background(), "s", strings.Repeat("q", 5001))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAnswer_NoResultsIsOffTopic(t *testing.T) {
	f := newFixture(t)

	events, err := f.pipeline.Answer(context.Background(), "sess-2", "what is the weather today?")
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, domain.EventMetadata, got[0].Type)
	assert.Equal(t, domain.TierOffTopic, got[0].Metadata.ConfidenceTier)

	// the canned reply arrives whole, as a single delta
	deltas := deltaTexts(got)
	require.Len(t, deltas, 1)
	assert.Contains(t, deltas[0], "Acme Support")

	sources := got[len(got)-2]
	assert.Equal(t, domain.EventSources, sources.Type)
	assert.Empty(t, sources.Sources)
	assert.Equal(t, domain.EventDone, got[len(got)-1].Type)

	// no generation happened
	assert.Empty(t, f.generator.requests)
}

func TestAnswer_LowConfidenceEscalates(t *testing.T) {
	f := newFixture(t)
	chunk := "Billing cycles renew on the first of the month."
	f.keywords.results = []domain.SearchResult{result("d2:0", "d2", chunk)}
	f.reranker.scores[chunk] = 0.2

	events, err := f.pipeline.Answer(context.Background(), "sess-3", "can I pause my subscription forever?")
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, domain.TierEscalate, got[0].Metadata.ConfidenceTier)

	deltas := deltaTexts(got)
	require.Len(t, deltas, 1)
	assert.Contains(t, deltas[0], "support team")

	require.Eventually(t, func() bool {
		return f.sessions.escalationCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the persisted reason is the bare label; scores stay in the logs
	ev, ok := f.sessions.lastEscalation()
	require.True(t, ok)
	assert.Equal(t, "low_confidence", ev.Reason)
	assert.Equal(t, "can I pause my subscription forever?", ev.Query)
	assert.Equal(t, "sess-3", ev.SessionID)
}

func TestAnswer_FlatScoresAcrossTopicsAreAmbiguous(t *testing.T) {
	f := newFixture(t)
	password := "Password reset\nVisit settings to reset your password."
	billing := "Billing reset\nContact billing to reset your invoice cycle."
	f.vectors.results = []domain.SearchResult{
		result("d1:0", "d1", password),
		result("d2:0", "d2", billing),
	}
	f.reranker.scores[password] = 0.72
	f.reranker.scores[billing] = 0.70

	events, err := f.pipeline.Answer(context.Background(), "sess-4", "how do I reset it?")
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, domain.TierAmbiguous, got[0].Metadata.ConfidenceTier)
	deltas := deltaTexts(got)
	require.Len(t, deltas, 1)
	assert.Contains(t, deltas[0], "Which of these are you asking about?")
	// topics keep the casing of the underlying chunks
	assert.Contains(t, deltas[0], "Password reset")
	assert.Contains(t, deltas[0], "Billing reset")
	assert.Empty(t, f.generator.requests)
}

func TestAnswer_GenerationFailureEndsWithErrorEvent(t *testing.T) {
	f := newFixture(t)
	chunk := "Shipping takes three days inside the EU."
	f.vectors.results = []domain.SearchResult{result("d1:0", "d1", chunk)}
	f.reranker.scores[chunk] = 0.95
	f.generator.streamErr = errors.New("model overloaded")

	events, err := f.pipeline.Answer(context.Background(), "sess-5", "how long is shipping?")
	require.NoError(t, err)
	got := drain(t, events)

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, domain.EventError, last.Type)
	assert.Equal(t, "generation_failed", last.Error.Code)
	assert.Equal(t, domain.GenericErrorDetail, last.Error.Detail)
	assert.NotContains(t, last.Error.Detail, "overloaded")

	for _, ev := range got {
		assert.NotEqual(t, domain.EventSources, ev.Type)
		assert.NotEqual(t, domain.EventDone, ev.Type)
	}

	// the failed reply is not persisted; only the user message is
	last2, ok := f.sessions.lastMessage("sess-5")
	require.True(t, ok)
	assert.Equal(t, "user", last2.Role)
}

func TestAnswer_RewriteShapesRetrievalQuery(t *testing.T) {
	f := newFixture(t)
	f.rewriter.response = "refund processing time"

	// seed a prior exchange so the rewriter has context to use
	_, err := f.sessions.GetOrCreate(context.Background(), "sess-6")
	require.NoError(t, err)
	require.NoError(t, f.sessions.AppendMessage(context.Background(), &domain.ChatMessage{
		ID: "m1", SessionID: "sess-6", Role: "user", Content: "tell me about refunds",
	}))
	require.NoError(t, f.sessions.AppendMessage(context.Background(), &domain.ChatMessage{
		ID: "m2", SessionID: "sess-6", Role: "assistant", Content: "Refunds are available within 30 days.",
	}))

	events, err := f.pipeline.Answer(context.Background(), "sess-6", "how long does it take?")
	require.NoError(t, err)
	drain(t, events)

	assert.Equal(t, "refund processing time", f.keywords.lastQuery)
	require.NotEmpty(t, f.rewriter.requests)
	rewriteMsgs := f.rewriter.requests[0]
	assert.Equal(t, "system", rewriteMsgs[0].Role)
	assert.Equal(t, "how long does it take?", rewriteMsgs[len(rewriteMsgs)-1].Content)
}

func TestAnswer_RewriteFailureFallsBackToRawQuery(t *testing.T) {
	f := newFixture(t)
	f.rewriter.err = errors.New("rewrite model down")

	require.NoError(t, f.sessions.AppendMessage(context.Background(), &domain.ChatMessage{
		ID: "m1", SessionID: "sess-7", Role: "user", Content: "earlier question",
	}))

	events, err := f.pipeline.Answer(context.Background(), "sess-7", "what about invoices?")
	require.NoError(t, err)
	drain(t, events)

	assert.Equal(t, "what about invoices?", f.keywords.lastQuery)
}

func TestAnswer_OneRetrieverFailingDegrades(t *testing.T) {
	f := newFixture(t)
	chunk := "Invoices are emailed monthly as PDF attachments."
	f.vectors.err = errors.New("qdrant unavailable")
	f.keywords.results = []domain.SearchResult{result("d3:0", "d3", chunk)}
	f.reranker.scores[chunk] = 0.9

	events, err := f.pipeline.Answer(context.Background(), "sess-8", "how do I get invoices?")
	require.NoError(t, err)
	got := drain(t, events)

	assert.Equal(t, domain.TierAnswer, got[0].Metadata.ConfidenceTier)
	assert.Equal(t, domain.EventDone, got[len(got)-1].Type)
}

func TestAnswer_BothRetrieversFailingIsAnError(t *testing.T) {
	f := newFixture(t)
	f.vectors.err = errors.New("qdrant unavailable")
	f.keywords.err = errors.New("fts corrupted")

	events, err := f.pipeline.Answer(context.Background(), "sess-9", "anything")
	require.NoError(t, err)
	got := drain(t, events)

	require.Len(t, got, 1)
	assert.Equal(t, domain.EventError, got[0].Type)
	assert.Equal(t, "retrieval_failed", got[0].Error.Code)
}

func TestBuildSources_CollapsesOverlappingChunks(t *testing.T) {
	shared := strings.Repeat("The refund policy allows returns within thirty days. ", 3)
	results := []domain.SearchResult{
		{ChunkID: "d1:0", DocumentID: "d1", Text: shared + "First tail.", Score: 0.9},
		{ChunkID: "d1:1", DocumentID: "d1", Text: shared + "Second tail.", Score: 0.8},
		{ChunkID: "d2:0", DocumentID: "d2", Text: shared + "Other doc.", Score: 0.7},
	}

	sources := buildSources(results)
	require.Len(t, sources, 2)
	assert.Equal(t, "d1", sources[0].DocumentID)
	assert.Equal(t, "d2", sources[1].DocumentID)
}

func TestBuildSources_TitleAndURLFromMetadata(t *testing.T) {
	sources := buildSources([]domain.SearchResult{
		result("d1:0", "d1", "Refunds are processed within five business days."),
		{ChunkID: "d2:0", DocumentID: "d2", Text: "No metadata on this one.", Score: 0.4},
	})
	require.Len(t, sources, 2)
	assert.Equal(t, "Refund Policy", sources[0].Title)
	assert.Equal(t, "https://docs.example.com/refunds", sources[0].URL)

	// a chunk without metadata still gets a presentable citation
	assert.Equal(t, "Document", sources[1].Title)
	assert.Empty(t, sources[1].URL)
}

func TestBuildSources_TruncatesText(t *testing.T) {
	long := strings.Repeat("x", 1000)
	sources := buildSources([]domain.SearchResult{
		{ChunkID: "d1:0", DocumentID: "d1", Text: long, Score: 0.9},
	})
	require.Len(t, sources, 1)
	assert.Len(t, sources[0].Text, sourceTextMax)
}
