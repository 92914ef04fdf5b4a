package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// LoadedDocument is the loader output handed to the rest of the
// pipeline: raw extracted text plus whatever the source knew about
// itself.
type LoadedDocument struct {
	Text     string
	Title    string
	Metadata map[string]interface{}
}

// FileLoader extracts text from one family of file formats.
type FileLoader interface {
	Extensions() []string
	Load(ctx context.Context, path string) (*LoadedDocument, error)
}

// LoaderRegistry routes sources to loaders by source type. File paths
// pass the path guard before their loader runs; web sources go to the
// web loader, which applies the SSRF guard itself.
type LoaderRegistry struct {
	files      map[domain.SourceType]FileLoader
	webLoader  *WebLoader
	allowedDir string
}

// NewLoaderRegistry builds the default registry: markdown and plain
// text, PDF, and web pages.
func NewLoaderRegistry(allowedDir string, web *WebLoader) *LoaderRegistry {
	r := &LoaderRegistry{
		files:      make(map[domain.SourceType]FileLoader),
		webLoader:  web,
		allowedDir: allowedDir,
	}
	r.RegisterFile(domain.SourceMarkdown, NewMarkdownLoader())
	r.RegisterFile(domain.SourcePDF, NewPDFLoader())
	return r
}

// RegisterFile adds a file loader for a source type.
func (r *LoaderRegistry) RegisterFile(t domain.SourceType, l FileLoader) {
	r.files[t] = l
}

// Load dispatches a document source to the right loader, applying the
// matching guard first. A file whose extension the loader does not
// claim is rejected rather than parsed as the wrong format.
func (r *LoaderRegistry) Load(ctx context.Context, sourceType domain.SourceType, source string) (*LoadedDocument, error) {
	if sourceType == domain.SourceWeb {
		if r.webLoader == nil {
			return nil, fmt.Errorf("%w: web ingestion not configured", domain.ErrConfigurationError)
		}
		return r.webLoader.Load(ctx, source)
	}

	loader, ok := r.files[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", domain.ErrInvalidInput, sourceType)
	}
	path, err := ValidatePath(r.allowedDir, source)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !supportsExt(loader, ext) {
		return nil, fmt.Errorf("%w: %s is not a %s file", domain.ErrUnsupportedFormat, ext, sourceType)
	}
	return loader.Load(ctx, path)
}

func supportsExt(l FileLoader, ext string) bool {
	for _, e := range l.Extensions() {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// DetectSourceType classifies a raw source string the way the CLI sees
// it: anything that looks like an http(s) URL is web, a .pdf path is
// pdf, everything else is treated as markdown or plain text.
func DetectSourceType(source string) domain.SourceType {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return domain.SourceWeb
	}
	if strings.EqualFold(filepath.Ext(source), ".pdf") {
		return domain.SourcePDF
	}
	return domain.SourceMarkdown
}
