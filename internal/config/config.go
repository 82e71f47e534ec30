package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SessionTTL    time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Language model and embeddings
	LLMProvider             string
	BedrockModelID          string
	BedrockEmbeddingModelID string
	GeminiAPIKey            string
	GeminiModelID           string
	GenerationTimeout       time.Duration
	GenerationMaxTokens     int
	GenerationTemperature   float64
	HistoryWindow           int
	PersonaPath             string

	// Memory store
	MemoryBackend          string
	SQLitePath             string
	EmbeddingDimension     int
	EmbeddingTimeout       time.Duration
	EmbeddingConcurrency   int
	ChunkWords             int
	ChunkOverlap           int
	ChunkMinChars          int
	RetrievalTopK          int
	RetrievalMinSimilarity float64

	// Crisis policy
	CrisisLexiconPath       string
	CrisisWatchLexicon      bool
	CrisisHistoryWindow     int
	CrisisSemanticEnabled   bool
	CrisisSemanticThreshold float64
	CrisisFastPathTimeout   time.Duration
	CrisisResourcesJSON     string
	ScreeningRiskLevel      string
	ScreeningActiveWindow   time.Duration

	// Moderation policy
	ModerationMinChars int
	ModerationMaxChars int

	// Companion disclaimer on the first reply of a session
	DisclaimerEnabled bool
	DisclaimerLevel   string

	// Async ingestion
	UseMemoryQueue    bool
	IngestQueueURL    string
	IngestJobsTable   string
	IngestWorkerCount int
	DocumentMaxBytes  int64
	DocumentBucket    string

	// HTTP
	AuthJWTSecret      string
	AdminJWTSecret     string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Counselor alerts
	EmailProvider       string
	CounselorAlertEmail string
	SendGridAPIKey      string
	SendGridFromEmail   string
	SendGridFromName    string
	SESFromEmail        string
	CounselorDashboard  string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		LLMProvider:             strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		BedrockModelID:          getEnv("BEDROCK_MODEL_ID", ""),
		BedrockEmbeddingModelID: getEnv("BEDROCK_EMBEDDING_MODEL_ID", "amazon.titan-embed-text-v2:0"),
		GeminiAPIKey:            getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:           getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		GenerationTimeout:       getEnvAsDuration("GENERATION_TIMEOUT", 25*time.Second),
		GenerationMaxTokens:     getEnvAsInt("GENERATION_MAX_TOKENS", 400),
		GenerationTemperature:   getEnvAsFloat("GENERATION_TEMPERATURE", 0.6),
		HistoryWindow:           getEnvAsInt("HISTORY_WINDOW", 12),
		PersonaPath:             getEnv("PERSONA_PATH", ""),

		MemoryBackend:          strings.ToLower(strings.TrimSpace(getEnv("MEMORY_BACKEND", "postgres"))),
		SQLitePath:             getEnv("SQLITE_PATH", "data/saathi-memory.db"),
		EmbeddingDimension:     getEnvAsInt("EMBEDDING_DIMENSION", 0),
		EmbeddingTimeout:       getEnvAsDuration("EMBEDDING_TIMEOUT", 5*time.Second),
		EmbeddingConcurrency:   getEnvAsInt("EMBEDDING_CONCURRENCY", 4),
		ChunkWords:             getEnvAsInt("CHUNK_WORDS", 512),
		ChunkOverlap:           getEnvAsInt("CHUNK_OVERLAP", 50),
		ChunkMinChars:          getEnvAsInt("CHUNK_MIN_CHARS", 50),
		RetrievalTopK:          getEnvAsInt("RETRIEVAL_TOP_K", 3),
		RetrievalMinSimilarity: getEnvAsFloat("RETRIEVAL_MIN_SIMILARITY", 0.25),

		CrisisLexiconPath:       getEnv("CRISIS_LEXICON_PATH", ""),
		CrisisWatchLexicon:      getEnvAsBool("CRISIS_WATCH_LEXICON", true),
		CrisisHistoryWindow:     getEnvAsInt("CRISIS_HISTORY_WINDOW", 3),
		CrisisSemanticEnabled:   getEnvAsBool("CRISIS_SEMANTIC_ENABLED", false),
		CrisisSemanticThreshold: getEnvAsFloat("CRISIS_SEMANTIC_THRESHOLD", 0.82),
		CrisisFastPathTimeout:   getEnvAsDuration("CRISIS_FAST_PATH_TIMEOUT", 2*time.Second),
		CrisisResourcesJSON:     getEnv("CRISIS_RESOURCES_JSON", ""),
		ScreeningRiskLevel:      strings.ToLower(strings.TrimSpace(getEnv("SCREENING_RISK_LEVEL", "moderate"))),
		ScreeningActiveWindow:   getEnvAsDuration("SCREENING_ACTIVE_WINDOW", 2*time.Hour),

		ModerationMinChars: getEnvAsInt("MODERATION_MIN_CHARS", 3),
		ModerationMaxChars: getEnvAsInt("MODERATION_MAX_CHARS", 2000),

		DisclaimerEnabled: getEnvAsBool("DISCLAIMER_ENABLED", true),
		DisclaimerLevel:   strings.ToLower(strings.TrimSpace(getEnv("DISCLAIMER_LEVEL", "short"))),

		UseMemoryQueue:    getEnvAsBool("USE_MEMORY_QUEUE", false),
		IngestQueueURL:    getEnv("INGEST_QUEUE_URL", ""),
		IngestJobsTable:   getEnv("INGEST_JOBS_TABLE", "ingest_jobs"),
		IngestWorkerCount: getEnvAsInt("INGEST_WORKER_COUNT", 2),
		DocumentMaxBytes:  int64(getEnvAsInt("DOCUMENT_MAX_BYTES", 5<<20)),
		DocumentBucket:    getEnv("DOCUMENT_BUCKET", ""),

		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 10),

		EmailProvider:       strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		CounselorAlertEmail: getEnv("COUNSELOR_ALERT_EMAIL", ""),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:   getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:    getEnv("SENDGRID_FROM_NAME", "Saathi Safety"),
		SESFromEmail:        getEnv("SES_FROM_EMAIL", ""),
		CounselorDashboard:  getEnv("COUNSELOR_DASHBOARD_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
