// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// ProviderName identifies a language-model or embedding backend.
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGemini    ProviderName = "gemini"
	ProviderOllama    ProviderName = "ollama"
	ProviderHash      ProviderName = "hash"
)

// AIConfig holds shared settings for components that call a Generative AI API.
type AIConfig struct {
	// Provider selects the backend: openai, anthropic, gemini, or ollama.
	Provider ProviderName `json:"provider" yaml:"provider" mapstructure:"provider"`

	// Model is the AI model identifier (e.g. "claude-sonnet-4-5-20250929").
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// BaseURL overrides the provider endpoint (used for Ollama and proxies).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// RetryConfig controls exponential backoff for transient provider errors.
type RetryConfig struct {
	// MaxAttempts is the total number of calls made for one task (default 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// BaseDelay is the wait before the first retry (default 1s).
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`

	// Multiplier scales the delay after every retry (default 2).
	Multiplier float64 `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`

	// MaxDelay caps a single backoff wait (default 30s).
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
}

// ProviderConfig holds settings for the language-model provider used by every agent role.
type ProviderConfig struct {
	AIConfig `yaml:",inline" mapstructure:",squash"`

	// MaxTokens bounds the response length of one call.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	// Temperature is the sampling temperature passed to the provider.
	Temperature float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
}

// EmbeddingConfig selects the embedding provider for the memory store.
type EmbeddingConfig struct {
	AIConfig `yaml:",inline" mapstructure:",squash"`

	// Dims is the vector dimension (used by the hash embedder and as a hint elsewhere).
	Dims int `json:"dims" yaml:"dims" mapstructure:"dims"`
}

// MemoryConfig holds settings for the retrieval-augmented memory store.
type MemoryConfig struct {
	// Path is the SQLite database file (e.g. "books/memory.db").
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// ChunkTargetSize is the preferred chunk length in characters.
	ChunkTargetSize int `json:"chunk_target_size" yaml:"chunk_target_size" mapstructure:"chunk_target_size"`

	// ChunkMaxSize is the hard upper bound on chunk length in characters.
	ChunkMaxSize int `json:"chunk_max_size" yaml:"chunk_max_size" mapstructure:"chunk_max_size"`

	// ChunkOverlap is the number of trailing characters repeated at the start of the next chunk.
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap" mapstructure:"chunk_overlap"`

	// EmbedConcurrency bounds parallel embedding calls during ingest.
	EmbedConcurrency int `json:"embed_concurrency" yaml:"embed_concurrency" mapstructure:"embed_concurrency"`

	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding" mapstructure:"embedding"`
}

// RunnerConfig holds settings for the agent task runner.
type RunnerConfig struct {
	Retry RetryConfig `json:"retry" yaml:"retry" mapstructure:"retry"`

	// CallTimeout bounds every provider call; a timeout is a transient failure.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" mapstructure:"call_timeout"`

	// MinOutputRatio is the fraction of the requested word count below which
	// output fails validation. Zero disables the length check.
	MinOutputRatio float64 `json:"min_output_ratio" yaml:"min_output_ratio" mapstructure:"min_output_ratio"`

	// RequestsPerMinute rate-limits provider calls. Zero means unlimited.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" mapstructure:"requests_per_minute"`

	// ModifiersFile is an optional TOML file of prompt modifiers.
	ModifiersFile string `json:"modifiers_file,omitempty" yaml:"modifiers_file,omitempty" mapstructure:"modifiers_file"`
}

// CoordinatorConfig holds settings for the per-chapter agent pipeline.
type CoordinatorConfig struct {
	// TopK is the number of memory chunks retrieved for a chapter's context.
	TopK int `json:"top_k" yaml:"top_k" mapstructure:"top_k"`

	// ContextBudget caps the packed context window in characters.
	ContextBudget int `json:"context_budget" yaml:"context_budget" mapstructure:"context_budget"`

	// MaxEntities caps the continuity summary injected into prompts.
	MaxEntities int `json:"max_entities" yaml:"max_entities" mapstructure:"max_entities"`

	// EditTolerance is the allowed relative length change of an edit (default 0.4).
	EditTolerance float64 `json:"edit_tolerance" yaml:"edit_tolerance" mapstructure:"edit_tolerance"`
}

// FailurePolicy decides what the workflow does with a FAILED chapter.
type FailurePolicy string

const (
	PolicyPlaceholder FailurePolicy = "placeholder"
	PolicySkip        FailurePolicy = "skip"
	PolicyAbort       FailurePolicy = "abort"
)

// WorkflowConfig holds settings for the book-level state machine.
type WorkflowConfig struct {
	// OutlineRetries is the number of outline attempts before the build aborts (default 3).
	OutlineRetries int `json:"outline_retries" yaml:"outline_retries" mapstructure:"outline_retries"`

	// Parallelism is the number of chapters generated concurrently (default 1).
	Parallelism int `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"`

	// MinimumRatio is the fraction of the target word count the book must reach (default 0.9).
	MinimumRatio float64 `json:"minimum_ratio" yaml:"minimum_ratio" mapstructure:"minimum_ratio"`

	// MaxTopUps bounds supplementary chapter attempts (default 2).
	MaxTopUps int `json:"max_top_ups" yaml:"max_top_ups" mapstructure:"max_top_ups"`

	// BookendWeight scales the word budget of the first and last chapters (default 1.0).
	BookendWeight float64 `json:"bookend_weight" yaml:"bookend_weight" mapstructure:"bookend_weight"`

	// FailurePolicy handles FAILED chapters: placeholder, skip, or abort.
	FailurePolicy FailurePolicy `json:"failure_policy" yaml:"failure_policy" mapstructure:"failure_policy"`
}

// CheckpointBackend selects where build state is persisted.
type CheckpointBackend string

const (
	CheckpointFile  CheckpointBackend = "file"
	CheckpointRedis CheckpointBackend = "redis"
)

// CheckpointConfig holds settings for build-state persistence.
type CheckpointConfig struct {
	Backend CheckpointBackend `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Dir is the checkpoint directory for the file backend.
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// RedisURL is the connection URL for the redis backend.
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" mapstructure:"redis_url"`

	// KeyPrefix namespaces redis keys.
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
}

// ExportFormat names an output format handled by the export manager.
type ExportFormat string

const (
	FormatMarkdown ExportFormat = "markdown"
	FormatHTML     ExportFormat = "html"
	FormatJSON     ExportFormat = "json"
	FormatYAML     ExportFormat = "yaml"
	FormatDOCX     ExportFormat = "docx"
	FormatPDF      ExportFormat = "pdf"
	FormatEPUB     ExportFormat = "epub"
)

// ExportConfig holds settings for the export manager.
type ExportConfig struct {
	// OutputDir is the base directory for exported books.
	OutputDir string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`

	// Formats lists the formats written after assembly.
	Formats []ExportFormat `json:"formats" yaml:"formats" mapstructure:"formats"`
}

// ToolsConfig configures the research tool registry.
type ToolsConfig struct {
	// Feeds lists RSS or Atom URLs searched by the feed_search tool.
	Feeds []string `json:"feeds,omitempty" yaml:"feeds,omitempty" mapstructure:"feeds"`

	// MaxItems caps the results returned by any tool.
	MaxItems int `json:"max_items" yaml:"max_items" mapstructure:"max_items"`
}

// EngineConfig groups all component configurations.
type EngineConfig struct {
	Provider    ProviderConfig    `json:"provider" yaml:"provider" mapstructure:"provider"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory" mapstructure:"memory"`
	Runner      RunnerConfig      `json:"runner" yaml:"runner" mapstructure:"runner"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator" mapstructure:"coordinator"`
	Workflow    WorkflowConfig    `json:"workflow" yaml:"workflow" mapstructure:"workflow"`
	Checkpoint  CheckpointConfig  `json:"checkpoint" yaml:"checkpoint" mapstructure:"checkpoint"`
	Export      ExportConfig      `json:"export" yaml:"export" mapstructure:"export"`
	Tools       ToolsConfig       `json:"tools" yaml:"tools" mapstructure:"tools"`
}

// DefaultEngineConfig returns the configuration used when no file overrides it.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Provider: ProviderConfig{
			AIConfig:    AIConfig{Provider: ProviderAnthropic, Model: "claude-sonnet-4-5-20250929"},
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Memory: MemoryConfig{
			Path:             "books/memory.db",
			ChunkTargetSize:  800,
			ChunkMaxSize:     1200,
			ChunkOverlap:     120,
			EmbedConcurrency: 4,
			Embedding: EmbeddingConfig{
				AIConfig: AIConfig{Provider: ProviderHash},
				Dims:     256,
			},
		},
		Runner: RunnerConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				Multiplier:  2,
				MaxDelay:    30 * time.Second,
			},
			CallTimeout:    3 * time.Minute,
			MinOutputRatio: 0.3,
		},
		Coordinator: CoordinatorConfig{
			TopK:          8,
			ContextBudget: 6000,
			MaxEntities:   12,
			EditTolerance: 0.4,
		},
		Workflow: WorkflowConfig{
			OutlineRetries: 3,
			Parallelism:    1,
			MinimumRatio:   0.9,
			MaxTopUps:      2,
			BookendWeight:  1.0,
			FailurePolicy:  PolicyPlaceholder,
		},
		Checkpoint: CheckpointConfig{
			Backend:   CheckpointFile,
			Dir:       "books/checkpoints",
			KeyPrefix: "book-engine",
		},
		Export: ExportConfig{
			OutputDir: "books/output",
			Formats:   []ExportFormat{FormatMarkdown, FormatJSON},
		},
		Tools: ToolsConfig{MaxItems: 5},
	}
}
