package csbot

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/domain"
	"github.com/csbot-dev/csbot/pkg/rag"
)

var (
	chatSessionID string
	chatQuery     string
	chatSources   bool
	chatSentences bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant",
	Long: `Start an interactive chat session, or answer a single question with
--query. Sessions persist; pass --session to continue an earlier one.`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if chatQuery != "" {
		return answerOne(cmd, app, chatQuery)
	}

	fmt.Println("csbot interactive chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := answerOne(cmd, app, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func answerOne(cmd *cobra.Command, app *app, query string) error {
	events, err := app.ragPipeline.Answer(cmd.Context(), chatSessionID, query)
	if err != nil {
		return err
	}
	if chatSentences {
		events = rag.BufferSentences(events)
	}

	var sources []domain.Source
	for ev := range events {
		switch ev.Type {
		case domain.EventMetadata:
			// remember the session so follow-ups share context
			chatSessionID = ev.Metadata.SessionID
			if verbose {
				fmt.Printf("[%s]\n", ev.Metadata.ConfidenceTier)
			}
		case domain.EventDelta:
			fmt.Print(ev.Delta)
		case domain.EventSentence:
			fmt.Println(strings.TrimSpace(ev.Delta))
		case domain.EventSources:
			sources = ev.Sources
		case domain.EventDone:
			fmt.Println()
			if ev.Usage != nil && verbose {
				fmt.Printf("(%d tokens)\n", ev.Usage.TotalTokens)
			}
		case domain.EventError:
			fmt.Println()
			return fmt.Errorf("%s", ev.Error.Detail)
		}
	}

	if chatSources && len(sources) > 0 {
		fmt.Println("sources:")
		for i, s := range sources {
			if s.URL != "" {
				fmt.Printf("  [%d] %s <%s> (%.2f)\n", i+1, s.Title, s.URL, s.Score)
			} else {
				fmt.Printf("  [%d] %s (%.2f)\n", i+1, s.Title, s.Score)
			}
		}
	}
	return nil
}

func init() {
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id to continue")
	chatCmd.Flags().StringVarP(&chatQuery, "query", "q", "", "answer one question and exit")
	chatCmd.Flags().BoolVar(&chatSources, "sources", true, "print source citations")
	chatCmd.Flags().BoolVar(&chatSentences, "sentences", false, "print whole sentences instead of raw tokens")

	RootCmd.AddCommand(chatCmd)
}
