package domain

import (
	"context"
	"time"
)

// DocumentStatus tracks a document through the ingestion lifecycle.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentError      DocumentStatus = "error"
)

// SourceType identifies the format a document was ingested from.
type SourceType string

const (
	SourceMarkdown SourceType = "markdown"
	SourcePDF      SourceType = "pdf"
	SourceWeb      SourceType = "web"
)

type Document struct {
	ID           string                 `json:"id"`
	SourceType   SourceType             `json:"source_type"`
	Source       string                 `json:"source"`
	Title        string                 `json:"title"`
	Status       DocumentStatus         `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ChunkCount   int                    `json:"chunk_count"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type Chunk struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Index      int                    `json:"index"`
	Text       string                 `json:"text"`
	CharStart  int                    `json:"char_start"`
	CharEnd    int                    `json:"char_end"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult is a chunk returned by one of the retrieval legs, or by
// fusion. Score semantics depend on the producer: cosine similarity for
// the vector leg, bm25-derived rank for the keyword leg, RRF mass after
// fusion, rerank relevance after reranking.
type SearchResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Text       string                 `json:"text"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RerankResult points back into the candidate slice handed to the reranker.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// ConfidenceTier is the routing decision for a scored retrieval set.
type ConfidenceTier string

const (
	TierAnswer    ConfidenceTier = "ANSWER"
	TierCaveat    ConfidenceTier = "CAVEAT"
	TierAmbiguous ConfidenceTier = "AMBIGUOUS"
	TierDecline   ConfidenceTier = "DECLINE"
	TierEscalate  ConfidenceTier = "ESCALATE"
	TierOffTopic  ConfidenceTier = "OFF_TOPIC"
)

// Confidence is the full scoring outcome the router acts on.
type Confidence struct {
	Tier           ConfidenceTier `json:"tier"`
	TopScore       float64        `json:"top_score"`
	Variance       float64        `json:"variance"`
	DistinctTopics int            `json:"distinct_topics"`
	Topics         []string       `json:"topics,omitempty"`
}

type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChatMessage struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier,omitempty"`
	Sources        []Source       `json:"sources,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Source is the citation form of a chunk, as shown to end users.
type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type EscalationEvent struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Query           string    `json:"query"`
	Reason          string    `json:"reason"`
	WebhookStatus   int       `json:"webhook_status"`
	WebhookResponse string    `json:"webhook_response,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Stats struct {
	TotalDocuments int `json:"total_documents"`
	TotalChunks    int `json:"total_chunks"`
}

// VectorStore is the dense retrieval index.
type VectorStore interface {
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float64) error
	Search(ctx context.Context, vector []float64, topK int) ([]SearchResult, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	Close() error
}

// KeywordStore is the sparse retrieval index.
type KeywordStore interface {
	Index(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// DocumentStore persists document records and their chunk rows.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context) ([]Document, error)
	UpdateStatus(ctx context.Context, id string, status DocumentStatus, errMsg string) error
	UpdateContent(ctx context.Context, id string, title string, metadata map[string]interface{}) error
	MarkReady(ctx context.Context, id string, chunkCount int) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error
	ChunksByDocument(ctx context.Context, documentID string) ([]Chunk, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// SessionStore persists chat sessions, their messages, and escalations.
type SessionStore interface {
	GetOrCreate(ctx context.Context, sessionID string) (*ChatSession, error)
	AppendMessage(ctx context.Context, msg *ChatMessage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
	RecordEscalation(ctx context.Context, ev *EscalationEvent) error
}
