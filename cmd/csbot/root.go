package csbot

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/config"
	"github.com/csbot-dev/csbot/pkg/log"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	version = "dev"
)

var RootCmd = &cobra.Command{
	Use:   "csbot",
	Short: "csbot - retrieval-grounded customer support assistant",
	Long: `csbot answers customer support questions from your own documentation.
Documents are ingested into a hybrid index (dense vectors in qdrant plus
sqlite full-text search); chat queries are retrieved, reranked, scored
for confidence, and either answered with citations or routed to a
fallback, clarification, or human escalation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		log.SetDebug(verbose)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return RootCmd.Execute()
}

// SetVersion sets the version shown by the version command.
func SetVersion(v string) {
	version = v
	RootCmd.Version = v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("csbot version %s\n", version)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ./csbot.yaml or ~/.csbot/csbot.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging output")

	RootCmd.AddCommand(versionCmd)
}
