package config

// AppConfig holds every recognized setting of the server and worker
// binaries. Zero values are filled in by ApplyDefaults, so a minimal config
// file only has to name the connection endpoints.
type AppConfig struct {
	// Infrastructure endpoints.
	PgConn         string `json:"pg_conn"`
	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"redis_password"`
	RedisDB        int    `json:"redis_db"`
	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"minio_access_key"`
	MinioSecretKey string `json:"minio_secret_key"`
	MinioBucket    string `json:"minio_bucket"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`

	// HTTP.
	HTTPAddr    string `json:"http_addr"`
	MetricsAddr string `json:"metrics_addr"`

	// Extraction backend.
	AnthropicModel    string `json:"anthropic_model"`
	LLMMaxTokens      int64  `json:"llm_max_tokens"`
	ChunkSizeChars    int    `json:"chunk_size_chars"`
	ChunkOverlapChars int    `json:"chunk_overlap_chars"`

	// Worker behaviour.
	QueueName           string   `json:"queue_name"`
	Concurrency         int      `json:"concurrency"`
	MaxRetries          int      `json:"max_retries"`
	RetryBaseDelayMs    int      `json:"retry_base_delay_ms"`
	RetryMaxDelayMs     int      `json:"retry_max_delay_ms"`
	MaxDepth            int      `json:"max_depth"`
	SupportedPatterns   []string `json:"supported_patterns"`
	MaxFileSizeBytes    int64    `json:"max_file_size_bytes"`
	ReapIntervalSec     int      `json:"reap_interval_sec"`
	IdleWindowSec       int      `json:"idle_window_sec"`
	JobTimeoutSec       int      `json:"job_timeout_sec"`
	DeadLetterMax       int      `json:"dead_letter_max"`
	HighErrorRatioPct   int      `json:"high_error_ratio_pct"`
	ProcessRateLimit    int      `json:"process_rate_limit"`
	BatchStatusCacheSec int      `json:"batch_status_cache_sec"`
}

// ApplyDefaults fills unset fields with their defaults and returns the
// config for chaining.
func (c *AppConfig) ApplyDefaults() *AppConfig {
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.MinioBucket == "" {
		c.MinioBucket = "tenderflow"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.AnthropicModel == "" {
		c.AnthropicModel = "claude-sonnet-4-5"
	}
	if c.LLMMaxTokens == 0 {
		c.LLMMaxTokens = 4096
	}
	if c.ChunkSizeChars == 0 {
		c.ChunkSizeChars = 12000
	}
	if c.ChunkOverlapChars == 0 {
		c.ChunkOverlapChars = 500
	}
	if c.QueueName == "" {
		c.QueueName = "tenderflow:jobs"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelayMs == 0 {
		c.RetryBaseDelayMs = 2000
	}
	if c.RetryMaxDelayMs == 0 {
		c.RetryMaxDelayMs = 60000
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
	// SupportedPatterns stays empty here; the expander fills in its default
	// set so the canonical list lives in one place.
	if c.MaxFileSizeBytes == 0 {
		c.MaxFileSizeBytes = 100 << 20
	}
	if c.ReapIntervalSec == 0 {
		c.ReapIntervalSec = 30
	}
	if c.IdleWindowSec == 0 {
		c.IdleWindowSec = 10
	}
	if c.JobTimeoutSec == 0 {
		c.JobTimeoutSec = 1800
	}
	if c.DeadLetterMax == 0 {
		c.DeadLetterMax = 1000
	}
	if c.HighErrorRatioPct == 0 {
		c.HighErrorRatioPct = 50
	}
	if c.ProcessRateLimit == 0 {
		c.ProcessRateLimit = 3
	}
	if c.BatchStatusCacheSec == 0 {
		c.BatchStatusCacheSec = 60
	}
	return c
}
