package csbot

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/providers"
	"github.com/csbot-dev/csbot/pkg/store"
	"github.com/csbot-dev/csbot/pkg/worker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to every backing service",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("[FAIL] %s: %v\n", name, err)
		} else {
			fmt.Printf("[ ok ] %s\n", name)
		}
	}

	db, err := store.Open(cfg.Database.Path)
	check(fmt.Sprintf("sqlite (%s)", cfg.Database.Path), err)
	if err == nil {
		defer func() { _ = db.Close() }()
		if docs, derr := store.NewDocumentStore(db); derr == nil {
			if stats, serr := docs.Stats(ctx); serr == nil {
				fmt.Printf("       %d documents, %d chunks\n",
					stats.TotalDocuments, stats.TotalChunks)
			}
		}
	}

	vectors, err := store.NewQdrantStore(cfg.Qdrant.Host, cfg.Qdrant.Port,
		cfg.Qdrant.Collection, cfg.Embedding.Dimension)
	check(fmt.Sprintf("qdrant (%s:%d, collection %s)",
		cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection), err)
	if err == nil {
		_ = vectors.Close()
	}

	queue, err := worker.NewQueue(ctx, cfg.Redis)
	check(fmt.Sprintf("redis (%s)", cfg.Redis.Addr), err)
	if err == nil {
		if n, lerr := queue.Length(ctx); lerr == nil {
			fmt.Printf("       %d jobs queued\n", n)
		}
		_ = queue.Close()
	}

	factory := providers.NewFactory()
	if llm, perr := factory.CreateLLMProvider(ctx, &cfg.Provider); perr != nil {
		check("llm provider", perr)
	} else {
		check(fmt.Sprintf("llm provider (%s)", cfg.Provider.LLMModel), llm.Health(ctx))
	}
	if embedder, perr := factory.CreateEmbedderProvider(ctx, &cfg.Provider, cfg.Embedding.Dimension); perr != nil {
		check("embedder provider", perr)
	} else {
		check(fmt.Sprintf("embedder provider (%s, dim %d)",
			cfg.Provider.EmbeddingModel, cfg.Embedding.Dimension), embedder.Health(ctx))
	}

	return nil
}

func init() {
	RootCmd.AddCommand(statusCmd)
}
