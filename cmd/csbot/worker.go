package csbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background ingestion worker",
	Long: `Consume the redis ingestion queue and index queued documents. Runs
until interrupted; in-flight jobs finish before shutdown.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	queue, err := worker.NewQueue(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	// SIGHUP re-reads the tuning overlay without restarting the worker
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := cfg.ReloadTuning(); err != nil {
				fmt.Fprintf(os.Stderr, "tuning reload failed: %v\n", err)
			} else {
				fmt.Println("tuning reloaded")
			}
		}
	}()
	defer signal.Stop(hup)

	fmt.Printf("worker consuming %s on %s\n", cfg.Redis.Queue, cfg.Redis.Addr)
	if err := worker.New(queue, app.ingestPipeline, cfg).Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	RootCmd.AddCommand(workerCmd)
}
