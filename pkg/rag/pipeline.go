package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/log"
	"github.com/csbot-dev/csbot/pkg/persona"
	"github.com/csbot-dev/csbot/pkg/session"
	"github.com/csbot-dev/csbot/pkg/usage"
)

const (
	// generationContext is how many trailing history messages the answer
	// prompt carries, independent of the larger rewrite window.
	generationContext = 6
	sourceTextMax     = 300
	sourceJoinPrefix  = 100

	rewriteSystemPrompt = "Rewrite the user's latest message as a standalone search query. " +
		"Resolve pronouns and references using the conversation. " +
		"Reply with the rewritten query only, no explanation."
)

// Pipeline answers chat queries: rewrite, retrieve from both indexes,
// fuse, rerank, score confidence, then route the turn to generation or
// a canned reply. Answer returns an ordered event stream.
type Pipeline struct {
	sessions  *session.Manager
	notifier  *session.Notifier
	vectors   domain.VectorStore
	keywords  domain.KeywordStore
	embedder  domain.Embedder
	reranker  domain.Reranker
	generator domain.Generator
	rewriter  domain.Generator
	persona   *persona.Manager
	counter   *usage.Counter
	cfg       *config.Config
	logger    *slog.Logger
}

// NewPipeline wires the query pipeline. rewriter may be the same
// Generator as generator; it exists so a smaller model can do rewrites.
func NewPipeline(
	sessions *session.Manager,
	notifier *session.Notifier,
	vectors domain.VectorStore,
	keywords domain.KeywordStore,
	embedder domain.Embedder,
	reranker domain.Reranker,
	generator domain.Generator,
	rewriter domain.Generator,
	personaMgr *persona.Manager,
	counter *usage.Counter,
	cfg *config.Config,
) *Pipeline {
	if rewriter == nil {
		rewriter = generator
	}
	return &Pipeline{
		sessions:  sessions,
		notifier:  notifier,
		vectors:   vectors,
		keywords:  keywords,
		embedder:  embedder,
		reranker:  reranker,
		generator: generator,
		rewriter:  rewriter,
		persona:   personaMgr,
		counter:   counter,
		cfg:       cfg,
		logger:    log.WithModule("rag"),
	}
}

// Answer runs one chat turn and streams the response. Deltas carry raw
// model tokens; callers that need whole sentences wrap the channel with
// BufferSentences. Validation problems surface as a synchronous error
// before any event is emitted; once the channel is returned, failures
// arrive as a terminal error event carrying only a generic detail.
func (p *Pipeline) Answer(ctx context.Context, sessionID, query string) (<-chan domain.Event, error) {
	tuning := p.cfg.Tuning()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", domain.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(query); n > tuning.Chat.MaxQueryLength {
		return nil, fmt.Errorf("%w: query length %d exceeds maximum %d",
			domain.ErrInvalidInput, n, tuning.Chat.MaxQueryLength)
	}

	sess, err := p.sessions.Begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := p.sessions.ContextWindow(ctx, sess.ID, tuning.Chat.MaxTurns)
	if err != nil {
		return nil, err
	}
	if _, err := p.sessions.RecordUser(ctx, sess.ID, query); err != nil {
		return nil, err
	}

	out := make(chan domain.Event)
	go p.run(ctx, out, sess.ID, query, history, tuning)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, out chan<- domain.Event,
	sessionID, query string, history []domain.ChatMessage, tuning *config.Tuning) {
	defer close(out)

	emit := func(ev domain.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(code string, err error) {
		p.logger.Error("chat turn failed",
			"session_id", sessionID, "code", code, "error", err)
		emit(domain.ErrorEvent(code))
	}

	searchQuery := p.rewriteQuery(ctx, query, history, tuning.Retrieval)

	results, err := p.retrieve(ctx, searchQuery, tuning.Retrieval)
	if err != nil {
		fail("retrieval_failed", err)
		return
	}

	results, err = p.rerank(ctx, searchQuery, results, tuning.Retrieval.RerankTopK)
	if err != nil {
		fail("rerank_failed", err)
		return
	}

	conf := ScoreConfidence(results, tuning.Confidence)
	p.logger.Info("routed chat turn",
		"session_id", sessionID, "tier", conf.Tier,
		"top_score", conf.TopScore, "variance", conf.Variance,
		"distinct_topics", conf.DistinctTopics)

	messageID := uuid.New().String()
	if !emit(domain.MetadataEvent(sessionID, messageID, conf.Tier)) {
		return
	}

	var (
		content string
		sources []domain.Source
		tokens  *domain.Usage
	)

	switch conf.Tier {
	case domain.TierAnswer, domain.TierCaveat:
		sources = buildSources(results)
		content, tokens, err = p.generate(ctx, emit, query, history, sources, conf.Tier, tuning.Chat)
		if err != nil {
			fail("generation_failed", err)
			return
		}
	case domain.TierAmbiguous:
		content = p.persona.BuildAmbiguityPrompt(conf.Topics)
	case domain.TierDecline:
		content, err = p.persona.FallbackMessage()
	case domain.TierEscalate:
		content, err = p.persona.EscalationMessage()
		if err == nil {
			p.escalate(ctx, sessionID, query, conf)
		}
	default:
		content, err = p.persona.OffTopicMessage()
	}
	if err != nil {
		fail("internal", err)
		return
	}

	if conf.Tier != domain.TierAnswer && conf.Tier != domain.TierCaveat {
		if !emit(domain.DeltaEvent(content)) {
			return
		}
	}
	if !emit(domain.SourcesEvent(sources)) {
		return
	}
	if !emit(domain.DoneEvent(tokens)) {
		return
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := p.sessions.RecordAssistant(persistCtx, sessionID, messageID, content,
		conf.Tier, sources, tokens); err != nil {
		p.logger.Error("failed to persist assistant message",
			"session_id", sessionID, "message_id", messageID, "error", err)
	}
}

// rewriteQuery turns a follow-up into a standalone search query using
// recent conversation turns. Any failure falls back to the raw query;
// rewriting is an optimization, never a dependency.
func (p *Pipeline) rewriteQuery(ctx context.Context, query string,
	history []domain.ChatMessage, tuning config.RetrievalTuning) string {
	if len(history) == 0 {
		return query
	}

	recent := history
	if len(recent) > tuning.RewriteContext {
		recent = recent[len(recent)-tuning.RewriteContext:]
	}

	messages := make([]domain.LLMMessage, 0, len(recent)+2)
	messages = append(messages, domain.LLMMessage{Role: "system", Content: rewriteSystemPrompt})
	for _, msg := range recent {
		messages = append(messages, domain.LLMMessage{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, domain.LLMMessage{Role: "user", Content: query})

	result, err := p.rewriter.Generate(ctx, messages, &domain.GenerationOptions{
		Temperature: 0,
		MaxTokens:   tuning.RewriteMaxTokens,
	})
	if err != nil {
		p.logger.Warn("query rewrite failed, using raw query", "error", err)
		return query
	}
	rewritten := strings.TrimSpace(result.Content)
	if rewritten == "" {
		return query
	}
	p.logger.Debug("rewrote query", "original", query, "rewritten", rewritten)
	return rewritten
}

// retrieve runs dense and sparse retrieval in parallel and fuses the
// ranked lists. One side failing degrades to the other with a warning;
// both failing is an error.
func (p *Pipeline) retrieve(ctx context.Context, query string,
	tuning config.RetrievalTuning) ([]domain.SearchResult, error) {
	var semantic, keyword []domain.SearchResult
	var semanticErr, keywordErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vector, err := p.embedder.EmbedQuery(gctx, query)
		if err != nil {
			semanticErr = fmt.Errorf("%w: %v", domain.ErrEmbeddingFailed, err)
			return nil
		}
		semantic, semanticErr = p.vectors.Search(gctx, vector, tuning.SemanticTopK)
		return nil
	})
	g.Go(func() error {
		keyword, keywordErr = p.keywords.Search(gctx, query, tuning.KeywordTopK)
		return nil
	})
	_ = g.Wait()

	if semanticErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("both retrievers failed: %v; %v", semanticErr, keywordErr)
	}
	if semanticErr != nil {
		p.logger.Warn("semantic retrieval failed, keyword only", "error", semanticErr)
	}
	if keywordErr != nil {
		p.logger.Warn("keyword retrieval failed, semantic only", "error", keywordErr)
	}

	return FuseRRF(tuning.RRFK, semantic, keyword), nil
}

// rerank rescores the fused head with the cross-encoder. The reranker
// sees three times the final cut so it can reorder past the RRF ranking.
func (p *Pipeline) rerank(ctx context.Context, query string,
	fused []domain.SearchResult, topK int) ([]domain.SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	limit := 3 * topK
	if limit > len(fused) {
		limit = len(fused)
	}
	candidates := fused[:limit]

	texts := make([]string, len(candidates))
	for i, r := range candidates {
		texts[i] = r.Text
	}

	ranked, err := p.reranker.Rerank(ctx, query, texts, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRerankFailed, err)
	}

	results := make([]domain.SearchResult, 0, len(ranked))
	for _, rr := range ranked {
		if rr.Index < 0 || rr.Index >= len(candidates) {
			return nil, fmt.Errorf("%w: index %d out of range", domain.ErrRerankFailed, rr.Index)
		}
		r := candidates[rr.Index]
		r.Score = rr.Score
		results = append(results, r)
	}
	return results, nil
}

// generate streams the grounded answer. Deltas flow straight into the
// event stream; usage comes from the provider when reported, otherwise
// from a local token count.
func (p *Pipeline) generate(ctx context.Context, emit func(domain.Event) bool,
	query string, history []domain.ChatMessage, sources []domain.Source,
	tier domain.ConfidenceTier, tuning config.ChatTuning) (string, *domain.Usage, error) {

	systemPrompt, err := p.persona.SystemPrompt(formatSourcesBlock(sources), tier)
	if err != nil {
		return "", nil, err
	}

	recent := history
	if len(recent) > generationContext {
		recent = recent[len(recent)-generationContext:]
	}

	messages := make([]domain.LLMMessage, 0, len(recent)+2)
	messages = append(messages, domain.LLMMessage{Role: "system", Content: systemPrompt})
	for _, msg := range recent {
		messages = append(messages, domain.LLMMessage{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, domain.LLMMessage{Role: "user", Content: query})

	result, err := p.generator.Stream(ctx, messages, &domain.GenerationOptions{
		Temperature: 0.2,
		MaxTokens:   tuning.MaxTokens,
	}, func(delta string) {
		emit(domain.DeltaEvent(delta))
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	tokens := result.Usage
	if tokens == nil {
		tokens = p.counter.Estimate(messages, result.Content)
	}
	return result.Content, tokens, nil
}

// escalate hands the turn to the support webhook without blocking the
// stream. The user already has the escalation message at this point.
func (p *Pipeline) escalate(ctx context.Context, sessionID, query string, conf domain.Confidence) {
	const reason = "low_confidence"
	p.logger.Info("escalating to support",
		"session_id", sessionID, "top_score", conf.TopScore)
	notifyCtx := context.WithoutCancel(ctx)
	go func() {
		if err := p.notifier.Notify(notifyCtx, sessionID, query, reason); err != nil {
			p.logger.Error("escalation failed", "session_id", sessionID, "error", err)
		}
	}()
}

// buildSources converts reranked chunks into user-facing citations,
// collapsing near-duplicate chunks that share a document and opening
// prefix (overlapping windows of the same passage).
func buildSources(results []domain.SearchResult) []domain.Source {
	seen := make(map[string]struct{})
	sources := make([]domain.Source, 0, len(results))
	for _, r := range results {
		key := r.DocumentID + "\x00" + runePrefix(r.Text, sourceJoinPrefix)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		title := "Document"
		if t, ok := r.Metadata["title"].(string); ok && t != "" {
			title = t
		}
		url := ""
		if u, ok := r.Metadata["source_uri"].(string); ok {
			url = u
		}
		sources = append(sources, domain.Source{
			DocumentID: r.DocumentID,
			Title:      title,
			URL:        url,
			Text:       runePrefix(r.Text, sourceTextMax),
			Score:      r.Score,
		})
	}
	return sources
}

func formatSourcesBlock(sources []domain.Source) string {
	var b strings.Builder
	for i, s := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s", i+1, s.Title, s.Text)
	}
	return b.String()
}

func runePrefix(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
