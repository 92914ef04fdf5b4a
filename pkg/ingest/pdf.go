package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/dslipak/pdf"
)

// PDFLoader extracts plain text from PDF files, page by page.
type PDFLoader struct{}

func NewPDFLoader() *PDFLoader {
	return &PDFLoader{}
}

func (l *PDFLoader) Extensions() []string {
	return []string{".pdf"}
}

func (l *PDFLoader) Load(ctx context.Context, path string) (*LoadedDocument, error) {
	r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF %s: %w", path, err)
	}

	var content strings.Builder
	pageCount := r.NumPage()
	for i := 1; i <= pageCount; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// a single unreadable page should not sink the document
			continue
		}
		content.WriteString(text)
		content.WriteString("\n\n")
	}

	text := content.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text in PDF %s", path)
	}

	return &LoadedDocument{
		Text:  text,
		Title: ExtractTitle(text),
		Metadata: map[string]interface{}{
			"source_path": path,
			"page_count":  pageCount,
		},
	}, nil
}
