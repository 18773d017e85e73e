package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the namespace for every environment variable read by Load.
const EnvPrefix = "REDEEM"

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Retry       RetryConfig       `yaml:"retry" envconfig:"RETRY"`
	Credentials CredentialsConfig `yaml:"credentials" envconfig:"CREDENTIALS"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts" envconfig:"TIMEOUTS"`
	Storefront  StorefrontConfig  `yaml:"storefront" envconfig:"STOREFRONT"`
	Browser     BrowserConfig     `yaml:"browser" envconfig:"BROWSER"`
	Storage     StorageConfig     `yaml:"storage" envconfig:"STORAGE"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"75s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"10"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	IncludeStack    bool          `yaml:"include_stack" envconfig:"INCLUDE_STACK"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/redeem.log"`
}

// RetryConfig controls the backoff applied to every network-bound collaborator call.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" envconfig:"INITIAL_DELAY" default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY" default:"8s"`
}

// CredentialsConfig controls how long captured credentials are reused.
type CredentialsConfig struct {
	BearerTTL    time.Duration `yaml:"bearer_ttl" envconfig:"BEARER_TTL" default:"50m"`
	ProxyAuthTTL time.Duration `yaml:"proxy_auth_ttl" envconfig:"PROXY_AUTH_TTL" default:"10m"`
}

// TimeoutsConfig bounds the steps of a run that wait on something outside our control.
type TimeoutsConfig struct {
	TokenCapture     time.Duration `yaml:"token_capture" envconfig:"TOKEN_CAPTURE" default:"3m"`
	Diagnostics      time.Duration `yaml:"diagnostics" envconfig:"DIAGNOSTICS" default:"10s"`
	CompletionReport time.Duration `yaml:"completion_report" envconfig:"COMPLETION_REPORT" default:"10s"`
	RecordSave       time.Duration `yaml:"record_save" envconfig:"RECORD_SAVE" default:"10s"`
}

// StorefrontConfig points the HTTP adapters at the storefront and the activation portal.
type StorefrontConfig struct {
	PortalURL      string  `yaml:"portal_url" envconfig:"PORTAL_URL" default:"https://portal.example.com"`
	AccountURL     string  `yaml:"account_url" envconfig:"ACCOUNT_URL" default:"https://account.example.com"`
	PurchaseURL    string  `yaml:"purchase_url" envconfig:"PURCHASE_URL" default:"https://purchase.example.com"`
	CatalogURL     string  `yaml:"catalog_url" envconfig:"CATALOG_URL" default:"https://catalog.example.com"`
	ProxyURL       string  `yaml:"proxy_url" envconfig:"PROXY_URL" default:"https://proxy.example.com"`
	ProxyClientID  string  `yaml:"proxy_client_id" envconfig:"PROXY_CLIENT_ID"`
	ProxySecret    string  `yaml:"proxy_secret" envconfig:"PROXY_SECRET"`
	RequestsPerSec float64 `yaml:"requests_per_sec" envconfig:"REQUESTS_PER_SEC" default:"5"`
	ProbeAddress   string  `yaml:"probe_address" envconfig:"PROBE_ADDRESS" default:"purchase.example.com:443"`
}

// BrowserConfig configures the chromedp token capture surface.
type BrowserConfig struct {
	SignInURL   string `yaml:"sign_in_url" envconfig:"SIGN_IN_URL" default:"https://account.example.com/signin"`
	TokenHost   string `yaml:"token_host" envconfig:"TOKEN_HOST" default:"purchase.example.com"`
	Headless    bool   `yaml:"headless" envconfig:"HEADLESS" default:"false"`
	ExecPath    string `yaml:"exec_path" envconfig:"EXEC_PATH"`
	UserDataDir string `yaml:"user_data_dir" envconfig:"USER_DATA_DIR"`
}

// StorageConfig selects where activation records go.
type StorageConfig struct {
	HistoryFile   string `yaml:"history_file" envconfig:"HISTORY_FILE" default:"data/activations.jsonl"`
	RedisURL      string `yaml:"redis_url" envconfig:"REDIS_URL"`
	RedisKey      string `yaml:"redis_key" envconfig:"REDIS_KEY" default:"redeem:activations"`
	SheetID       string `yaml:"sheet_id" envconfig:"SHEET_ID"`
	SheetName     string `yaml:"sheet_name" envconfig:"SHEET_NAME" default:"Activations"`
	SheetCredFile string `yaml:"sheet_credentials_file" envconfig:"SHEET_CREDENTIALS_FILE"`
}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
}

// Load loads configuration from environment variables and an optional YAML file.
// Environment values win over file values.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file path. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	var envCfg Config
	if err := envconfig.Process(EnvPrefix, &envCfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg := envCfg
	if configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, envCfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs overlays file values onto env values wherever the env variable was not set
// explicitly. envconfig fills defaults, so "not set" means the variable is absent.
func mergeConfigs(fileConfig, envConfig Config) Config {
	merged := envConfig
	overlay := func(envName string, apply func()) {
		if _, ok := os.LookupEnv(EnvPrefix + "_" + envName); !ok {
			apply()
		}
	}

	if fileConfig.Server.Port != 0 {
		overlay("SERVER_PORT", func() { merged.Server.Port = fileConfig.Server.Port })
	}
	if len(fileConfig.Server.AllowedOrigins) > 0 {
		overlay("SERVER_ALLOWED_ORIGINS", func() { merged.Server.AllowedOrigins = fileConfig.Server.AllowedOrigins })
	}
	if fileConfig.Logging.Level != "" {
		overlay("LOGGING_LEVEL", func() { merged.Logging.Level = fileConfig.Logging.Level })
	}
	if fileConfig.Logging.Output != "" {
		overlay("LOGGING_OUTPUT", func() { merged.Logging.Output = fileConfig.Logging.Output })
	}
	if fileConfig.Retry.MaxAttempts != 0 {
		overlay("RETRY_MAX_ATTEMPTS", func() { merged.Retry.MaxAttempts = fileConfig.Retry.MaxAttempts })
	}
	if fileConfig.Retry.InitialDelay != 0 {
		overlay("RETRY_INITIAL_DELAY", func() { merged.Retry.InitialDelay = fileConfig.Retry.InitialDelay })
	}
	if fileConfig.Retry.MaxDelay != 0 {
		overlay("RETRY_MAX_DELAY", func() { merged.Retry.MaxDelay = fileConfig.Retry.MaxDelay })
	}
	if fileConfig.Timeouts.TokenCapture != 0 {
		overlay("TIMEOUTS_TOKEN_CAPTURE", func() { merged.Timeouts.TokenCapture = fileConfig.Timeouts.TokenCapture })
	}
	if fileConfig.Timeouts.Diagnostics != 0 {
		overlay("TIMEOUTS_DIAGNOSTICS", func() { merged.Timeouts.Diagnostics = fileConfig.Timeouts.Diagnostics })
	}
	if fileConfig.Timeouts.RecordSave != 0 {
		overlay("TIMEOUTS_RECORD_SAVE", func() { merged.Timeouts.RecordSave = fileConfig.Timeouts.RecordSave })
	}
	if fileConfig.Storefront.PurchaseURL != "" {
		overlay("STOREFRONT_PURCHASE_URL", func() { merged.Storefront.PurchaseURL = fileConfig.Storefront.PurchaseURL })
	}
	if fileConfig.Storefront.PortalURL != "" {
		overlay("STOREFRONT_PORTAL_URL", func() { merged.Storefront.PortalURL = fileConfig.Storefront.PortalURL })
	}
	if fileConfig.Storage.HistoryFile != "" {
		overlay("STORAGE_HISTORY_FILE", func() { merged.Storage.HistoryFile = fileConfig.Storage.HistoryFile })
	}
	if fileConfig.Storage.RedisURL != "" {
		overlay("STORAGE_REDIS_URL", func() { merged.Storage.RedisURL = fileConfig.Storage.RedisURL })
	}
	if fileConfig.Storage.SheetID != "" {
		overlay("STORAGE_SHEET_ID", func() { merged.Storage.SheetID = fileConfig.Storage.SheetID })
	}
	if fileConfig.Browser.SignInURL != "" {
		overlay("BROWSER_SIGN_IN_URL", func() { merged.Browser.SignInURL = fileConfig.Browser.SignInURL })
	}

	return merged
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays invalid: initial=%s max=%s", c.Retry.InitialDelay, c.Retry.MaxDelay)
	}
	if c.Timeouts.TokenCapture <= 0 {
		return fmt.Errorf("token capture timeout must be positive")
	}
	if c.Timeouts.Diagnostics <= 0 {
		return fmt.Errorf("diagnostics timeout must be positive")
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"
	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/redeem.log"
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    75 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/redeem.log",
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
		},
		Credentials: CredentialsConfig{
			BearerTTL:    50 * time.Minute,
			ProxyAuthTTL: 10 * time.Minute,
		},
		Timeouts: TimeoutsConfig{
			TokenCapture:     3 * time.Minute,
			Diagnostics:      10 * time.Second,
			CompletionReport: 10 * time.Second,
			RecordSave:       10 * time.Second,
		},
		Storefront: StorefrontConfig{
			PortalURL:      "https://portal.example.com",
			AccountURL:     "https://account.example.com",
			PurchaseURL:    "https://purchase.example.com",
			CatalogURL:     "https://catalog.example.com",
			ProxyURL:       "https://proxy.example.com",
			RequestsPerSec: 5,
			ProbeAddress:   "purchase.example.com:443",
		},
		Browser: BrowserConfig{
			SignInURL: "https://account.example.com/signin",
			TokenHost: "purchase.example.com",
		},
		Storage: StorageConfig{
			HistoryFile: "data/activations.jsonl",
			RedisKey:    "redeem:activations",
			SheetName:   "Activations",
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
