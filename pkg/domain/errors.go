package domain

import "errors"

var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrIngestionFailed    = errors.New("ingestion failed")
	ErrEmbeddingFailed    = errors.New("embedding generation failed")
	ErrGenerationFailed   = errors.New("text generation failed")
	ErrRerankFailed       = errors.New("reranking failed")
	ErrEscalationFailed   = errors.New("escalation delivery failed")
	ErrConfigurationError = errors.New("configuration error")
	ErrPathTraversal      = errors.New("path outside allowed directory")
	ErrBlockedURL         = errors.New("url resolves to a disallowed address")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
)
