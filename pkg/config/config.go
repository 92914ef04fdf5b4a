package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// Config is the process-lifetime layer: secrets and infrastructure
// endpoints bound once at startup from the environment (CSBOT_ prefix)
// and an optional config file. Tuning values live in the hot-reloadable
// overlay, see Tuning.
type Config struct {
	Home       string                      `mapstructure:"home"`
	Provider   domain.OpenAIProviderConfig `mapstructure:"provider"`
	Embedding  EmbeddingConfig             `mapstructure:"embedding"`
	Qdrant     QdrantConfig                `mapstructure:"qdrant"`
	Database   DatabaseConfig              `mapstructure:"database"`
	Redis      RedisConfig                 `mapstructure:"redis"`
	Escalation EscalationConfig            `mapstructure:"escalation"`
	Rerank     RerankConfig                `mapstructure:"rerank"`
	Ingest     IngestConfig                `mapstructure:"ingest"`
	Worker     WorkerConfig                `mapstructure:"worker"`
	TuningPath string                      `mapstructure:"tuning_path"`

	tuning atomic.Pointer[Tuning]
}

type EmbeddingConfig struct {
	// Dimension is authoritative. The embedder provider and the qdrant
	// collection are both validated against it at startup.
	Dimension int `mapstructure:"dimension"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Queue    string `mapstructure:"queue"`
}

type EscalationConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RerankConfig struct {
	// Kind selects the reranker implementation: "api" for a hosted
	// rerank endpoint, "local" for a raw-logit cross-encoder server.
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	// AllowedDir is the base directory file ingestion is confined to.
	AllowedDir   string `mapstructure:"allowed_dir"`
	MaxRedirects int    `mapstructure:"max_redirects"`
}

type WorkerConfig struct {
	MaxJobs    int           `mapstructure:"max_jobs"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// Tuning is the hot-reloadable layer: retrieval and scoring knobs read
// from a YAML overlay. Pipelines snapshot it once per request, so a
// reload mid-request cannot mix old and new values.
type Tuning struct {
	Retrieval  RetrievalTuning  `yaml:"retrieval"`
	Chunking   ChunkingTuning   `yaml:"chunking"`
	Confidence ConfidenceTuning `yaml:"confidence"`
	Chat       ChatTuning       `yaml:"chat"`
	Persona    PersonaTuning    `yaml:"persona"`
}

type RetrievalTuning struct {
	SemanticTopK     int `yaml:"semantic_top_k"`
	KeywordTopK      int `yaml:"keyword_top_k"`
	RRFK             int `yaml:"rrf_k"`
	RerankTopK       int `yaml:"rerank_top_k"`
	RewriteMaxTokens int `yaml:"rewrite_max_tokens"`
	RewriteContext   int `yaml:"rewrite_context_messages"`
}

type ChunkingTuning struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
	BatchSize int `yaml:"embed_batch_size"`
}

type ConfidenceTuning struct {
	AnswerThreshold   float64 `yaml:"answer_threshold"`
	CaveatThreshold   float64 `yaml:"caveat_threshold"`
	DeclineThreshold  float64 `yaml:"decline_threshold"`
	MinimumRelevance  float64 `yaml:"minimum_relevance"`
	AmbiguityVariance float64 `yaml:"ambiguity_variance"`
}

type ChatTuning struct {
	MaxTurns       int `yaml:"max_turns"`
	MaxQueryLength int `yaml:"max_query_length"`
	MaxTokens      int `yaml:"max_tokens"`
}

type PersonaTuning struct {
	CompanyName string `yaml:"company_name"`
	ProductName string `yaml:"product_name"`
	Tone        string `yaml:"tone"`
	BundlePath  string `yaml:"bundle_path"`
}

// Load reads the startup layer and the initial tuning snapshot.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	home := os.Getenv("CSBOT_HOME")
	if home == "" {
		home = "~/.csbot"
	}
	home = expandHomePath(home)

	if configPath != "" {
		abs, _ := filepath.Abs(configPath)
		v.SetConfigFile(abs)
		home = filepath.Dir(abs)
	} else {
		if _, err := os.Stat("csbot.yaml"); err == nil {
			abs, _ := filepath.Abs("csbot.yaml")
			v.SetConfigFile(abs)
			home = filepath.Dir(abs)
		} else {
			v.SetConfigFile(filepath.Join(home, "csbot.yaml"))
		}
	}

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		// default config file is optional, env and defaults carry it
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Home == "" {
		cfg.Home = home
	}
	cfg.Home = expandHomePath(cfg.Home)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigurationError, err)
	}

	tuning, err := loadTuning(cfg.TuningPath)
	if err != nil {
		return nil, err
	}
	cfg.tuning.Store(tuning)

	return cfg, nil
}

// Tuning returns the current tuning snapshot. Callers hold the returned
// pointer for the duration of one request.
func (c *Config) Tuning() *Tuning {
	return c.tuning.Load()
}

// ReloadTuning re-reads the tuning overlay and swaps it in atomically.
// In-flight requests keep the snapshot they started with.
func (c *Config) ReloadTuning() error {
	tuning, err := loadTuning(c.TuningPath)
	if err != nil {
		return err
	}
	c.tuning.Store(tuning)
	return nil
}

func loadTuning(path string) (*Tuning, error) {
	t := defaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read tuning overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("%w: invalid tuning overlay %s: %v", domain.ErrConfigurationError, path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigurationError, err)
	}
	return t, nil
}

func defaultTuning() *Tuning {
	return &Tuning{
		Retrieval: RetrievalTuning{
			SemanticTopK:     20,
			KeywordTopK:      20,
			RRFK:             60,
			RerankTopK:       5,
			RewriteMaxTokens: 150,
			RewriteContext:   4,
		},
		Chunking: ChunkingTuning{
			ChunkSize: 512,
			Overlap:   64,
			BatchSize: 100,
		},
		Confidence: ConfidenceTuning{
			AnswerThreshold:   0.85,
			CaveatThreshold:   0.60,
			DeclineThreshold:  0.35,
			MinimumRelevance:  0.15,
			AmbiguityVariance: 0.05,
		},
		Chat: ChatTuning{
			MaxTurns:       10,
			MaxQueryLength: 5000,
			MaxTokens:      1024,
		},
		Persona: PersonaTuning{
			CompanyName: "Acme",
			ProductName: "Acme Support",
			Tone:        "friendly and professional",
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.type", "openai")
	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.llm_model", "gpt-4o-mini")
	v.SetDefault("provider.embedding_model", "text-embedding-3-small")
	v.SetDefault("provider.timeout", "60s")

	v.SetDefault("embedding.dimension", 1536)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "csbot_chunks")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue", "csbot:ingest")

	v.SetDefault("escalation.timeout", "10s")

	v.SetDefault("rerank.kind", "api")
	v.SetDefault("rerank.model", "rerank-english-v3.0")
	v.SetDefault("rerank.timeout", "30s")

	v.SetDefault("ingest.max_redirects", 5)

	v.SetDefault("worker.max_jobs", 5)
	v.SetDefault("worker.job_timeout", "600s")
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("CSBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// secrets only arrive via env, never the config file on disk
	_ = v.BindEnv("provider.api_key", "CSBOT_PROVIDER_API_KEY")
	_ = v.BindEnv("provider.base_url", "CSBOT_PROVIDER_BASE_URL")
	_ = v.BindEnv("rerank.api_key", "CSBOT_RERANK_API_KEY")
	_ = v.BindEnv("database.path", "CSBOT_DATABASE_PATH")
	_ = v.BindEnv("qdrant.host", "CSBOT_QDRANT_HOST")
	_ = v.BindEnv("qdrant.port", "CSBOT_QDRANT_PORT")
	_ = v.BindEnv("redis.addr", "CSBOT_REDIS_ADDR")
	_ = v.BindEnv("redis.password", "CSBOT_REDIS_PASSWORD")
	_ = v.BindEnv("escalation.webhook_url", "CSBOT_ESCALATION_WEBHOOK_URL")
	_ = v.BindEnv("ingest.allowed_dir", "CSBOT_INGEST_ALLOWED_DIR")
	_ = v.BindEnv("tuning_path", "CSBOT_TUNING_PATH")
}

func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive: %d", c.Embedding.Dimension)
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host cannot be empty")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
	}
	if c.Qdrant.Collection == "" {
		return fmt.Errorf("qdrant collection cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be positive: %d", c.Worker.MaxJobs)
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be positive: %v", c.Worker.JobTimeout)
	}
	if c.Escalation.Timeout <= 0 {
		return fmt.Errorf("escalation timeout must be positive: %v", c.Escalation.Timeout)
	}
	return nil
}

func (t *Tuning) Validate() error {
	r := t.Retrieval
	if r.SemanticTopK <= 0 || r.KeywordTopK <= 0 {
		return fmt.Errorf("retrieval top_k values must be positive")
	}
	if r.RRFK <= 0 {
		return fmt.Errorf("rrf_k must be positive: %d", r.RRFK)
	}
	if r.RerankTopK <= 0 {
		return fmt.Errorf("rerank_top_k must be positive: %d", r.RerankTopK)
	}

	ch := t.Chunking
	if ch.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive: %d", ch.ChunkSize)
	}
	if ch.Overlap < 0 || ch.Overlap >= ch.ChunkSize {
		return fmt.Errorf("overlap must be between 0 and chunk_size: %d", ch.Overlap)
	}
	if ch.BatchSize <= 0 {
		return fmt.Errorf("embed_batch_size must be positive: %d", ch.BatchSize)
	}

	cf := t.Confidence
	ordered := cf.AnswerThreshold >= cf.CaveatThreshold &&
		cf.CaveatThreshold >= cf.DeclineThreshold &&
		cf.DeclineThreshold >= cf.MinimumRelevance
	if !ordered {
		return fmt.Errorf("confidence thresholds must be non-increasing: answer >= caveat >= decline >= minimum")
	}
	for _, v := range []float64{cf.AnswerThreshold, cf.CaveatThreshold, cf.DeclineThreshold, cf.MinimumRelevance} {
		if v < 0 || v > 1 {
			return fmt.Errorf("confidence thresholds must lie in [0, 1]")
		}
	}
	if cf.AmbiguityVariance < 0 {
		return fmt.Errorf("ambiguity_variance must be non-negative: %f", cf.AmbiguityVariance)
	}

	if t.Chat.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive: %d", t.Chat.MaxTurns)
	}
	if t.Chat.MaxQueryLength <= 0 {
		return fmt.Errorf("max_query_length must be positive: %d", t.Chat.MaxQueryLength)
	}
	return nil
}

// DataDir returns the path to the data directory
func (c *Config) DataDir() string {
	return filepath.Join(c.Home, "data")
}

func (c *Config) expandPaths() {
	c.Home = expandHomePath(c.Home)
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir(), "csbot.db")
	}
	c.Database.Path = expandHomePath(c.Database.Path)
	ensureParentDir(c.Database.Path)
	c.TuningPath = expandHomePath(c.TuningPath)
	if c.Ingest.AllowedDir != "" {
		c.Ingest.AllowedDir = expandHomePath(c.Ingest.AllowedDir)
	}
}

func expandHomePath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func ensureParentDir(filePath string) {
	if filePath == "" {
		return
	}
	dir := filepath.Dir(filePath)
	if dir != "." && dir != "/" {
		_ = os.MkdirAll(dir, 0755)
	}
}
