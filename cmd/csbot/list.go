package csbot

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/csbot-dev/csbot/pkg/domain"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		docs, err := app.docs.List(ctx)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("no documents ingested")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCHUNKS\tTITLE\tSOURCE")
		for _, doc := range docs {
			title := doc.Title
			if title == "" {
				title = "-"
			}
			status := string(doc.Status)
			if doc.Status == domain.DocumentError && doc.ErrorMessage != "" {
				status = fmt.Sprintf("error (%s)", doc.ErrorMessage)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				doc.ID, status, doc.ChunkCount, title, doc.Source)
		}
		return w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}
