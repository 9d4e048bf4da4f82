// Package config defines the configuration contract and loads and validates it from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken     = "TELEGRAM_TOKEN"
	KeyBotOwner          = "BOT_OWNER"
	KeyOpenAIKey         = "OPENAI_API_KEY"
	KeyOpenAIModel       = "OPENAI_MODEL"
	KeyOpenAIBaseURL     = "OPENAI_BASE_URL"
	KeyCompletionTimeout = "COMPLETION_TIMEOUT_SECONDS"
	KeySystemPrompt      = "SYSTEM_PROMPT"
	KeyMinInterval       = "MIN_INTERVAL_SECONDS"
	KeyDailyLimit        = "DAILY_LIMIT"
	KeyFreeLimit         = "FREE_LIMIT"
	KeyStateBackend      = "STATE_BACKEND"
	KeyMongoURI          = "MONGO_URI"
	KeyMongoDB           = "MONGO_DB"
	KeyRedisAddr         = "REDIS_ADDR"
	KeyRedisPassword     = "REDIS_PASSWORD"
	KeyRedisDB           = "REDIS_DB"
	KeyAppEnv            = "APP_ENV"
	KeyLogLevel          = "LOG_LEVEL"
	KeyHTTPPort          = "HTTP_PORT"

	// Accepted aliases.
	AliasTelegramToken = "TELEGRAM_BOT_TOKEN"
	AliasHTTPPort      = "PORT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// State backends.
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"

	// Defaults for optional settings.
	DefaultAppEnv            = EnvProduction
	DefaultLogLevel          = "info"
	DefaultHTTPPort          = 8080
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultCompletionTimeout = 30 * time.Second
	DefaultSystemPrompt      = "You are a concise, friendly assistant. Answer in the language of the question."
	DefaultMinInterval       = 3 * time.Second
	DefaultDailyLimit        = 10
	DefaultFreeLimit         = 2
	DefaultStateBackend      = BackendMemory
	DefaultRedisAddr         = "localhost:6379"

	// Recommended database names by environment.
	DefaultMongoDBProd = "ainexus"
	DefaultMongoDBDev  = "ainexus_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
		Notes:       AliasTelegramToken + " is accepted as an alias.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Description: "Telegram user_id allowed to run /stats.",
	},
	{
		Key:         KeyOpenAIKey,
		Example:     "sk-...",
		Description: "Completion API key.",
		Notes:       "When unset, replies fall back to an echo of the question.",
	},
	{
		Key:         KeyOpenAIModel,
		Example:     DefaultOpenAIModel,
		Default:     DefaultOpenAIModel,
		Description: "Completion model identifier.",
	},
	{
		Key:         KeyOpenAIBaseURL,
		Example:     "https://api.openai.com/v1",
		Description: "Optional OpenAI-compatible endpoint.",
	},
	{
		Key:         KeyCompletionTimeout,
		Example:     "30",
		Default:     strconv.Itoa(int(DefaultCompletionTimeout / time.Second)),
		Description: "Upper bound for a single completion call, in seconds.",
	},
	{
		Key:         KeySystemPrompt,
		Example:     DefaultSystemPrompt,
		Default:     DefaultSystemPrompt,
		Description: "System message sent with every completion call.",
	},
	{
		Key:         KeyMinInterval,
		Example:     "3",
		Default:     strconv.Itoa(int(DefaultMinInterval / time.Second)),
		Description: "Minimum seconds between two admitted messages of one user.",
	},
	{
		Key:         KeyDailyLimit,
		Example:     strconv.Itoa(DefaultDailyLimit),
		Default:     strconv.Itoa(DefaultDailyLimit),
		Description: "Model-backed replies per verified user per UTC day.",
	},
	{
		Key:         KeyFreeLimit,
		Example:     strconv.Itoa(DefaultFreeLimit),
		Default:     strconv.Itoa(DefaultFreeLimit),
		Description: "Replies granted before the human check is required.",
	},
	{
		Key:         KeyStateBackend,
		Example:     BackendMemory + " / " + BackendMongo + " / " + BackendRedis,
		Default:     DefaultStateBackend,
		Description: "Where per-user state is kept.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Description: "MongoDB connection string.",
		Notes:       "Required when " + KeyStateBackend + "=" + BackendMongo + ".",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyRedisAddr,
		Example:     DefaultRedisAddr,
		Default:     DefaultRedisAddr,
		Description: "Redis host:port, used when " + KeyStateBackend + "=" + BackendRedis + ".",
	},
	{
		Key:         KeyRedisPassword,
		Description: "Redis password.",
	},
	{
		Key:         KeyRedisDB,
		Example:     "0",
		Default:     "0",
		Description: "Redis logical database.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/metrics port.",
		Notes:       AliasHTTPPort + " is accepted as an alias.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string
	BotOwnerID    int64

	OpenAIKey         string
	OpenAIModel       string
	OpenAIBaseURL     string
	CompletionTimeout time.Duration
	SystemPrompt      string

	MinInterval time.Duration
	DailyLimit  int
	FreeLimit   int

	StateBackend  string
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AppEnv   string
	LogLevel string
	HTTPPort int
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken: firstNonEmpty(os.Getenv(KeyTelegramToken), os.Getenv(AliasTelegramToken)),
		OpenAIKey:     strings.TrimSpace(os.Getenv(KeyOpenAIKey)),
		OpenAIModel:   firstNonEmpty(os.Getenv(KeyOpenAIModel), DefaultOpenAIModel),
		OpenAIBaseURL: strings.TrimSpace(os.Getenv(KeyOpenAIBaseURL)),
		SystemPrompt:  firstNonEmpty(os.Getenv(KeySystemPrompt), DefaultSystemPrompt),
		StateBackend:  firstNonEmpty(normalizeEnv(os.Getenv(KeyStateBackend)), DefaultStateBackend),
		MongoURI:      strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:       strings.TrimSpace(os.Getenv(KeyMongoDB)),
		RedisAddr:     firstNonEmpty(os.Getenv(KeyRedisAddr), DefaultRedisAddr),
		RedisPassword: os.Getenv(KeyRedisPassword),
		LogLevel:      firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:      DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	switch cfg.StateBackend {
	case BackendMemory, BackendRedis:
	case BackendMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, KeyMongoURI)
		}
		if cfg.MongoDB == "" {
			missing = append(missing, KeyMongoDB)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: must be %q, %q or %q", KeyStateBackend, BackendMemory, BackendMongo, BackendRedis)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if cfg.MongoURI != "" {
		if err := validateMongoURI(cfg.MongoURI); err != nil {
			return Config{}, err
		}
	}

	if ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner)); ownerRaw != "" {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.HTTPPort, err = intSetting(firstNonEmpty(os.Getenv(KeyHTTPPort), os.Getenv(AliasHTTPPort)), KeyHTTPPort, DefaultHTTPPort, 1); err != nil {
		return Config{}, err
	}

	if cfg.DailyLimit, err = intSetting(os.Getenv(KeyDailyLimit), KeyDailyLimit, DefaultDailyLimit, 1); err != nil {
		return Config{}, err
	}

	if cfg.FreeLimit, err = intSetting(os.Getenv(KeyFreeLimit), KeyFreeLimit, DefaultFreeLimit, 0); err != nil {
		return Config{}, err
	}

	if cfg.RedisDB, err = intSetting(os.Getenv(KeyRedisDB), KeyRedisDB, 0, 0); err != nil {
		return Config{}, err
	}

	minInterval, err := intSetting(os.Getenv(KeyMinInterval), KeyMinInterval, int(DefaultMinInterval/time.Second), 0)
	if err != nil {
		return Config{}, err
	}
	cfg.MinInterval = time.Duration(minInterval) * time.Second

	timeout, err := intSetting(os.Getenv(KeyCompletionTimeout), KeyCompletionTimeout, int(DefaultCompletionTimeout/time.Second), 1)
	if err != nil {
		return Config{}, err
	}
	cfg.CompletionTimeout = time.Duration(timeout) * time.Second

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// CompletionEnabled reports whether an upstream key is configured.
func (c Config) CompletionEnabled() bool {
	return strings.TrimSpace(c.OpenAIKey) != ""
}

// FormatRedacted renders the resolved configuration with secrets masked.
func FormatRedacted(cfg Config) string {
	var b strings.Builder

	line := func(key string, value any) {
		fmt.Fprintf(&b, "%s: %v\n", key, value)
	}

	line("app_env", cfg.AppEnv)
	line("log_level", cfg.LogLevel)
	line("http_port", cfg.HTTPPort)
	line("telegram_token", maskSecret(cfg.TelegramToken))
	line("bot_owner", cfg.BotOwnerID)
	line("openai_api_key", maskSecret(cfg.OpenAIKey))
	line("openai_model", cfg.OpenAIModel)
	line("openai_base_url", cfg.OpenAIBaseURL)
	line("completion_timeout", cfg.CompletionTimeout)
	line("min_interval", cfg.MinInterval)
	line("daily_limit", cfg.DailyLimit)
	line("free_limit", cfg.FreeLimit)
	line("state_backend", cfg.StateBackend)
	line("mongo_uri", redactURI(cfg.MongoURI))
	line("mongo_db", cfg.MongoDB)
	line("redis_addr", cfg.RedisAddr)
	if cfg.RedisPassword != "" {
		line("redis_password", "redacted")
	} else {
		line("redis_password", "")
	}
	line("redis_db", cfg.RedisDB)

	return b.String()
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "redacted"
	}
	return value[:4] + "...redacted"
}

func redactURI(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func validateMongoURI(raw string) error {
	if strings.HasPrefix(raw, "mongodb://") || strings.HasPrefix(raw, "mongodb+srv://") {
		return nil
	}
	return fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
}

func intSetting(raw, key string, fallback, minimum int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < minimum {
		return 0, fmt.Errorf("%s must be at least %d", key, minimum)
	}
	return value, nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
