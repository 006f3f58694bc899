package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

type Config struct {
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Content      ContentConfig      `mapstructure:"content"`
	Ranking      RankingConfig      `mapstructure:"ranking"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Support      SupportConfig      `mapstructure:"support"`
	Log          LogConfig          `mapstructure:"log"`
}

type TelegramConfig struct {
	Token    string  `mapstructure:"token"`
	AdminIDs []int64 `mapstructure:"admin_ids"`
	Timeout  int     `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
}

// StorageConfig selects the KV backend: memory, redis or postgres
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxTxRetries int           `mapstructure:"max_tx_retries"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type ContentConfig struct {
	// Sources maps a category key to its help center listing page
	Sources                map[string]string `mapstructure:"sources"`
	RefreshInterval        time.Duration     `mapstructure:"refresh_interval"`
	CheckInterval          time.Duration     `mapstructure:"check_interval"`
	FetchTimeout           time.Duration     `mapstructure:"fetch_timeout"`
	MaxArticlesPerCategory int               `mapstructure:"max_articles_per_category"`
	MinContentLength       int               `mapstructure:"min_content_length"`
	MaxConcurrentFetches   int               `mapstructure:"max_concurrent_fetches"`
	UserAgent              string            `mapstructure:"user_agent"`
}

type RankingConfig struct {
	Strategy      string                   `mapstructure:"strategy"`
	TopCategories int                      `mapstructure:"top_categories"`
	Weights       WeightsConfig            `mapstructure:"weights"`
	Profiles      map[string]ProfileConfig `mapstructure:"profiles"`
	Fallback      []string                 `mapstructure:"fallback"`
	Embedding     EmbeddingConfig          `mapstructure:"embedding"`
}

type WeightsConfig struct {
	CategoryKeyword float64 `mapstructure:"category_keyword"`
	ProductMention  float64 `mapstructure:"product_mention"`
	TitleTerm       float64 `mapstructure:"title_term"`
	BodyTerm        float64 `mapstructure:"body_term"`
	ExactPhrase     float64 `mapstructure:"exact_phrase"`
}

type ProfileConfig struct {
	Keywords []string `mapstructure:"keywords"`
	Products []string `mapstructure:"products"`
}

type EmbeddingConfig struct {
	TopK          int     `mapstructure:"top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
	MaxInputRunes int     `mapstructure:"max_input_runes"`
	CachePrefix   string  `mapstructure:"cache_prefix"`
}

type ConversationConfig struct {
	TokenBudget int           `mapstructure:"token_budget"`
	Window      int           `mapstructure:"window"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
}

type RegistryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type SupportConfig struct {
	TenantID            string           `mapstructure:"tenant_id"`
	ConfidenceThreshold float64          `mapstructure:"confidence_threshold"`
	ContentTokenBudget  int              `mapstructure:"content_token_budget"`
	EscalationPhrases   []string         `mapstructure:"escalation_phrases"`
	Products            []models.Product `mapstructure:"products"`
	Messages            MessagesConfig   `mapstructure:"messages"`

	// RestrictDirectMessages serves private chats only when registered
	RestrictDirectMessages bool `mapstructure:"restrict_direct_messages"`
}

// MessagesConfig overrides the user-facing texts; empty keeps the default
type MessagesConfig struct {
	TopicPrompt      string `mapstructure:"topic_prompt"`
	ProductPrompt    string `mapstructure:"product_prompt"`
	ProductSelected  string `mapstructure:"product_selected"`
	CategorySelected string `mapstructure:"category_selected"`
	Handoff          string `mapstructure:"handoff"`
	Resumed          string `mapstructure:"resumed"`
	LowConfidence    string `mapstructure:"low_confidence"`
	Degraded         string `mapstructure:"degraded"`
	NoActiveHandoff  string `mapstructure:"no_active_handoff"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.timeout", 60)

	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.max_tokens", 500)
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "helpdesk:")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("storage.redis.max_tx_retries", 10)
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.user", "postgres")
	v.SetDefault("storage.database.sslmode", "disable")

	v.SetDefault("content.refresh_interval", 24*time.Hour)
	v.SetDefault("content.check_interval", time.Hour)
	v.SetDefault("content.fetch_timeout", 15*time.Second)
	v.SetDefault("content.max_articles_per_category", 20)
	v.SetDefault("content.min_content_length", 200)
	v.SetDefault("content.max_concurrent_fetches", 4)
	v.SetDefault("content.user_agent", "helpdesk-bot/1.0")

	v.SetDefault("ranking.strategy", "lexical")
	v.SetDefault("ranking.top_categories", 3)
	v.SetDefault("ranking.weights.category_keyword", 2)
	v.SetDefault("ranking.weights.product_mention", 3)
	v.SetDefault("ranking.weights.title_term", 3)
	v.SetDefault("ranking.weights.body_term", 1)
	v.SetDefault("ranking.weights.exact_phrase", 5)
	v.SetDefault("ranking.fallback", []string{"getting_started", "faq", "troubleshooting"})
	v.SetDefault("ranking.embedding.top_k", 8)
	v.SetDefault("ranking.embedding.max_input_runes", 8000)
	v.SetDefault("ranking.embedding.cache_prefix", "emb:")

	v.SetDefault("conversation.token_budget", 3000)
	v.SetDefault("conversation.window", 10)
	v.SetDefault("conversation.idle_ttl", 24*time.Hour)

	v.SetDefault("registry.poll_interval", 10*time.Second)

	v.SetDefault("support.tenant_id", "default")
	v.SetDefault("support.confidence_threshold", 0.5)
	v.SetDefault("support.content_token_budget", 2000)
	v.SetDefault("support.restrict_direct_messages", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

// LoadConfig reads the YAML file at path (skipped when path is empty), then
// applies environment overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. LOG_LEVEL for log.level
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Storage.Database = dbConfig
	}

	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Storage.Redis.URL = redisURL
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}

// Validate checks everything that can be checked without network access
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch c.Ranking.Strategy {
	case "lexical":
	case "embedding":
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("ranking.strategy: embedding needs openai.api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("ranking.strategy: unknown strategy %q", c.Ranking.Strategy))
	}

	if len(c.Content.Sources) == 0 {
		errs = append(errs, errors.New("content.sources: at least one category source is required"))
	}
	for key, src := range c.Content.Sources {
		if _, err := models.ParseCategory(key); err != nil {
			errs = append(errs, fmt.Errorf("content.sources: %w", err))
		}
		if u, err := url.Parse(src); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("content.sources.%s: invalid url %q", key, src))
		}
	}
	for key := range c.Ranking.Profiles {
		if _, err := models.ParseCategory(key); err != nil {
			errs = append(errs, fmt.Errorf("ranking.profiles: %w", err))
		}
	}
	for _, key := range c.Ranking.Fallback {
		if _, err := models.ParseCategory(key); err != nil {
			errs = append(errs, fmt.Errorf("ranking.fallback: %w", err))
		}
	}

	if t := c.Support.ConfidenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("support.confidence_threshold: %v is outside (0, 1]", t))
	}
	if len(c.Support.Products) == 0 {
		errs = append(errs, errors.New("support.products: at least one product is required"))
	}
	seen := make(map[string]struct{}, len(c.Support.Products))
	for _, p := range c.Support.Products {
		if p.Key == "" {
			errs = append(errs, errors.New("support.products: product key is required"))
			continue
		}
		if _, dup := seen[p.Key]; dup {
			errs = append(errs, fmt.Errorf("support.products: duplicate key %q", p.Key))
		}
		seen[p.Key] = struct{}{}
	}

	return errors.Join(errs...)
}
