package ingest

import (
	"context"
	"fmt"
	"os"
)

// MarkdownLoader reads markdown and plain text files as-is.
type MarkdownLoader struct{}

func NewMarkdownLoader() *MarkdownLoader {
	return &MarkdownLoader{}
}

func (l *MarkdownLoader) Extensions() []string {
	return []string{".md", ".markdown", ".txt"}
}

func (l *MarkdownLoader) Load(ctx context.Context, path string) (*LoadedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := string(data)
	return &LoadedDocument{
		Text:  text,
		Title: ExtractTitle(text),
		Metadata: map[string]interface{}{
			"source_path": path,
		},
	}, nil
}
