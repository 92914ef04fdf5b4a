package csbot

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/ingest"
	"github.com/csbot-dev/csbot/pkg/persona"
	"github.com/csbot-dev/csbot/pkg/providers"
	"github.com/csbot-dev/csbot/pkg/rag"
	"github.com/csbot-dev/csbot/pkg/rerank"
	"github.com/csbot-dev/csbot/pkg/session"
	"github.com/csbot-dev/csbot/pkg/store"
	"github.com/csbot-dev/csbot/pkg/usage"
)

// app holds everything a command needs, wired once from config.
type app struct {
	cfg *config.Config

	db       *sql.DB
	docs     *store.DocumentStore
	sessions *store.SessionStore
	keywords *store.KeywordStore
	vectors  *store.QdrantStore

	embedder domain.EmbedderProvider
	llm      domain.LLMProvider

	ingestPipeline *ingest.Pipeline
	ragPipeline    *rag.Pipeline
}

// newApp wires the full stack. Commands that only touch a slice of it
// still pay the whole wiring cost; startup is cheap enough that the
// simplicity wins.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.db = db

	if a.docs, err = store.NewDocumentStore(db); err != nil {
		a.Close()
		return nil, err
	}
	if a.sessions, err = store.NewSessionStore(db); err != nil {
		a.Close()
		return nil, err
	}
	if a.keywords, err = store.NewKeywordStore(db); err != nil {
		a.Close()
		return nil, err
	}

	if a.vectors, err = store.NewQdrantStore(cfg.Qdrant.Host, cfg.Qdrant.Port,
		cfg.Qdrant.Collection, cfg.Embedding.Dimension); err != nil {
		a.Close()
		return nil, err
	}

	factory := providers.NewFactory()
	if a.embedder, err = factory.CreateEmbedderProvider(ctx, &cfg.Provider, cfg.Embedding.Dimension); err != nil {
		a.Close()
		return nil, err
	}
	if a.llm, err = factory.CreateLLMProvider(ctx, &cfg.Provider); err != nil {
		a.Close()
		return nil, err
	}

	rewriter := domain.Generator(a.llm)
	if cfg.Provider.RewriteModel != "" && cfg.Provider.RewriteModel != cfg.Provider.LLMModel {
		rewriteCfg := cfg.Provider
		rewriteCfg.LLMModel = cfg.Provider.RewriteModel
		rw, err := factory.CreateLLMProvider(ctx, &rewriteCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		rewriter = rw
	}

	reranker, err := buildReranker(cfg.Rerank)
	if err != nil {
		a.Close()
		return nil, err
	}

	tuning := cfg.Tuning()
	personaMgr := persona.NewManager(tuning.Persona.CompanyName,
		tuning.Persona.ProductName, tuning.Persona.Tone)
	if tuning.Persona.BundlePath != "" {
		if err := personaMgr.LoadBundle(tuning.Persona.BundlePath); err != nil {
			a.Close()
			return nil, err
		}
	}

	counter, err := usage.NewCounter(cfg.Provider.LLMModel)
	if err != nil {
		a.Close()
		return nil, err
	}

	loaders := ingest.NewLoaderRegistry(cfg.Ingest.AllowedDir,
		ingest.NewWebLoader(cfg.Ingest.MaxRedirects))
	a.ingestPipeline = ingest.NewPipeline(a.docs, a.vectors, a.keywords, a.embedder, loaders)

	sessionMgr := session.NewManager(a.sessions)
	notifier := session.NewNotifier(cfg.Escalation.WebhookURL, cfg.Escalation.Timeout, a.sessions)
	a.ragPipeline = rag.NewPipeline(sessionMgr, notifier, a.vectors, a.keywords,
		a.embedder, reranker, a.llm, rewriter, personaMgr, counter, cfg)

	return a, nil
}

func buildReranker(cfg config.RerankConfig) (domain.Reranker, error) {
	switch cfg.Kind {
	case "api":
		return rerank.NewAPIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case "local":
		return rerank.NewLocalClient(cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: unknown rerank kind %q", domain.ErrConfigurationError, cfg.Kind)
	}
}

func (a *app) Close() {
	if a.vectors != nil {
		_ = a.vectors.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
