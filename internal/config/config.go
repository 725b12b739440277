package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Parser    ParserConfig    `yaml:"parser" mapstructure:"parser"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama" mapstructure:"ollama"`
	Whisper   WhisperConfig   `yaml:"whisper" mapstructure:"whisper"`
	Retailer  RetailerConfig  `yaml:"retailer" mapstructure:"retailer"`
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Timeouts  TimeoutConfig   `yaml:"timeouts" mapstructure:"timeouts"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
}

// StoreConfig configures the order database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ParserConfig configures the command parser.
type ParserConfig struct {
	// Interpreter selects the primary tier: "anthropic", "ollama" or "none".
	Interpreter         string  `yaml:"interpreter" mapstructure:"interpreter"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OllamaConfig holds local Ollama settings.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// WhisperConfig holds speech-to-text settings.
type WhisperConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// RetailerConfig holds the retail platform account and API settings.
type RetailerConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	RetailerID        string  `yaml:"retailer_id" mapstructure:"retailer_id"`
	ZoneID            string  `yaml:"zone_id" mapstructure:"zone_id"`
	Email             string  `yaml:"email" mapstructure:"email"`
	Password          string  `yaml:"password" mapstructure:"password"`
	SessionTTLMinutes int     `yaml:"session_ttl_minutes" mapstructure:"session_ttl_minutes"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	SearchLimit       int     `yaml:"search_limit" mapstructure:"search_limit"`
	// MaxClientErrors is how many 4xx responses the API backend absorbs per
	// call before reporting the backend unavailable.
	MaxClientErrors int `yaml:"max_client_errors" mapstructure:"max_client_errors"`
	// Operations overrides persisted GraphQL query names and hashes, keyed
	// by search, cart, add_to_cart, checkout and current_user.
	Operations map[string]OperationConfig `yaml:"operations" mapstructure:"operations"`
}

// OperationConfig names one persisted GraphQL query.
type OperationConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// BrowserConfig configures the browser fallback backend.
type BrowserConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	Headless     bool   `yaml:"headless" mapstructure:"headless"`
	ExecPath     string `yaml:"exec_path" mapstructure:"exec_path"`
	ProfilePath  string `yaml:"profile_path" mapstructure:"profile_path"`
	MaxResults   int    `yaml:"max_results" mapstructure:"max_results"`
	SettleMillis int    `yaml:"settle_millis" mapstructure:"settle_millis"`
}

// RetryConfig configures the per-call retry budget.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the API backend circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// TimeoutConfig holds per-call timeouts.
type TimeoutConfig struct {
	LoginSecs    int `yaml:"login_secs" mapstructure:"login_secs"`
	CallSecs     int `yaml:"call_secs" mapstructure:"call_secs"`
	CheckoutSecs int `yaml:"checkout_secs" mapstructure:"checkout_secs"`
}

// Login returns the login timeout.
func (t TimeoutConfig) Login() time.Duration { return secs(t.LoginSecs, 20) }

// Call returns the timeout for search and cart calls.
func (t TimeoutConfig) Call() time.Duration { return secs(t.CallSecs, 15) }

// Checkout returns the checkout timeout.
func (t TimeoutConfig) Checkout() time.Duration { return secs(t.CheckoutSecs, 60) }

func secs(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentOrders int `yaml:"max_concurrent_orders" mapstructure:"max_concurrent_orders"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// working directory for config.yaml; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("GROCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "grocer.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("parser.interpreter", "anthropic")
	v.SetDefault("parser.confidence_threshold", 0.6)
	v.SetDefault("parser.timeout_secs", 10)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "qwen2.5-coder:7b")
	v.SetDefault("whisper.base_url", "https://api.openai.com/v1")
	v.SetDefault("whisper.model", "whisper-1")
	v.SetDefault("retailer.base_url", "https://www.instacart.com")
	v.SetDefault("retailer.retailer_id", "90")
	v.SetDefault("retailer.zone_id", "85")
	v.SetDefault("retailer.session_ttl_minutes", 60)
	v.SetDefault("retailer.requests_per_second", 2.0)
	v.SetDefault("retailer.search_limit", 10)
	v.SetDefault("retailer.max_client_errors", 3)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_results", 5)
	v.SetDefault("browser.settle_millis", 1500)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 8000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("timeouts.login_secs", 20)
	v.SetDefault("timeouts.call_secs", 15)
	v.SetDefault("timeouts.checkout_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("batch.max_concurrent_orders", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "order",
// "serve" or "store".
func (c *Config) Validate(mode string) error {
	var problems []string
	switch mode {
	case "order", "serve":
		if c.Retailer.Email == "" {
			problems = append(problems, "retailer.email is required")
		}
		if c.Retailer.Password == "" {
			problems = append(problems, "retailer.password is required")
		}
		if c.Retailer.RetailerID == "" {
			problems = append(problems, "retailer.retailer_id is required")
		}
		if c.Parser.ConfidenceThreshold < 0 || c.Parser.ConfidenceThreshold > 1 {
			problems = append(problems, "parser.confidence_threshold must be within [0,1]")
		}
		switch c.Parser.Interpreter {
		case "anthropic":
			if c.Anthropic.Key == "" {
				problems = append(problems, "anthropic.key is required when parser.interpreter=anthropic")
			}
		case "ollama":
			if c.Ollama.BaseURL == "" {
				problems = append(problems, "ollama.base_url is required when parser.interpreter=ollama")
			}
		case "none", "":
		default:
			problems = append(problems, "parser.interpreter must be anthropic, ollama or none")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be within 1-65535")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
