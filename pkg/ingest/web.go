package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"

	"github.com/csbot-dev/csbot/pkg/domain"
)

const (
	webFetchTimeout = 30 * time.Second
	maxBodyBytes    = 10 << 20 // 10 MiB
)

// WebLoader fetches a page, extracts the main content with readability,
// and converts it to markdown text. Every hop of the fetch, including
// redirects, is revalidated against the SSRF policy.
type WebLoader struct {
	client *http.Client
}

// NewWebLoader creates a web loader with a bounded redirect policy.
func NewWebLoader(maxRedirects int) *WebLoader {
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return &WebLoader{
		client: &http.Client{
			Timeout: webFetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if _, err := ValidateURL(req.URL.String()); err != nil {
					return err
				}
				return nil
			},
		},
	}
}

// Load fetches and extracts a page.
func (l *WebLoader) Load(ctx context.Context, rawURL string) (*LoadedDocument, error) {
	pageURL, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", "csbot-ingest/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	article, err := readability.FromReader(body, resp.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to extract content from %s: %w", rawURL, err)
	}

	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to markdown: %w", rawURL, err)
	}
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("no extractable content at %s", rawURL)
	}

	title := article.Title
	if title == "" {
		title = ExtractTitle(markdown)
	}

	return &LoadedDocument{
		Text:  markdown,
		Title: title,
		Metadata: map[string]interface{}{
			"source_url": pageURL.String(),
		},
	}, nil
}
