package csbot

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/ingest"
	"github.com/csbot-dev/csbot/pkg/worker"
)

var ingestWait bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <path-or-url>",
	Short: "Register a document and queue it for indexing",
	Long: `Register a file or URL as a document. By default the document is
queued on redis for the background worker; with --wait it is processed
inline instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	source := args[0]

	sourceType := ingest.DetectSourceType(source)

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	doc, err := app.ingestPipeline.Register(ctx, sourceType, source)
	if err != nil {
		return err
	}
	fmt.Printf("registered document %s\n", doc.ID)

	if ingestWait {
		if err := app.ingestPipeline.Run(ctx, doc.ID, cfg.Tuning().Chunking); err != nil {
			return err
		}
		stored, err := app.docs.Get(ctx, doc.ID)
		if err != nil {
			return err
		}
		fmt.Printf("ingested %q: %d chunks\n", stored.Title, stored.ChunkCount)
		return nil
	}

	queue, err := worker.NewQueue(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	if err := queue.Enqueue(ctx, doc.ID); err != nil {
		return err
	}
	fmt.Println("queued for ingestion, run `csbot worker` to process")
	return nil
}

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Re-queue an errored document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.ingestPipeline.ResetForRetry(ctx, args[0]); err != nil {
			return err
		}

		queue, err := worker.NewQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()

		if err := queue.Enqueue(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("document %s re-queued\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Remove a document and all of its indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.ingestPipeline.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("document %s deleted\n", args[0])
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWait, "wait", false, "process inline instead of queuing")

	RootCmd.AddCommand(ingestCmd)
	RootCmd.AddCommand(retryCmd)
	RootCmd.AddCommand(deleteCmd)
}
