package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/llamachat/llamachat"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Model        ModelConfig        `mapstructure:"model"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Sampling     SamplingConfig     `mapstructure:"sampling"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Prompt       PromptConfig       `mapstructure:"prompt"`
	Degraded     DegradedConfig     `mapstructure:"degraded"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Web          WebConfig          `mapstructure:"web"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	CLI          CLIConfig          `mapstructure:"cli"`
}

// AppConfig stores process-wide settings.
type AppConfig struct {
	LogLevel        string `mapstructure:"log_level"`         // zerolog level name
	LogFormat       string `mapstructure:"log_format"`        // "console" or "json"
	AutoSaveHistory bool   `mapstructure:"auto_save_history"` // write the transcript on CLI exit
	HistoryFile     string `mapstructure:"history_file"`      // transcript path for auto-save
}

// ModelConfig says which model artifact to load.
type ModelConfig struct {
	Path               string   `mapstructure:"path"`                // local GGUF file
	Repo               string   `mapstructure:"repo"`                // Hugging Face repo id
	Filename           string   `mapstructure:"filename"`            // file inside Repo
	Name               string   `mapstructure:"name"`                // catalogue name
	AutoDownload       bool     `mapstructure:"auto_download"`       // fetch missing artifacts
	FallbackCandidates []string `mapstructure:"fallback_candidates"` // catalogue names tried in order
}

// EngineConfig stores native engine settings.
type EngineConfig struct {
	ContextSize           int  `mapstructure:"context_size"`
	Threads               int  `mapstructure:"threads"`
	GPULayers             int  `mapstructure:"gpu_layers"`
	F16Memory             bool `mapstructure:"f16_memory"`
	MMap                  bool `mapstructure:"mmap"`
	BatchSize             int  `mapstructure:"batch_size"`
	PoolSize              int  `mapstructure:"pool_size"`              // loaded model instances
	ConcurrentCompletions int  `mapstructure:"concurrent_completions"` // 1 serializes all completions
	LoadFallbacks         bool `mapstructure:"load_fallbacks"`         // retry load with smaller context/threads
}

// ConversationConfig stores windowing policy.
type ConversationConfig struct {
	HistoryWindow           int  `mapstructure:"history_window"`
	RetainFullHistory       bool `mapstructure:"retain_full_history"`
	ExcludeFailedFromPrompt bool `mapstructure:"exclude_failed_from_prompt"`
}

// PromptConfig stores prompt assembly settings.
type PromptConfig struct {
	SystemPrompt    string `mapstructure:"system_prompt"` // overrides SystemPreset when set
	SystemPreset    string `mapstructure:"system_preset"`
	MarkerPreset    string `mapstructure:"marker_preset"`
	UserMarker      string `mapstructure:"user_marker"`
	AssistantMarker string `mapstructure:"assistant_marker"`
	SystemMarker    string `mapstructure:"system_marker"`
	SystemSeparator string `mapstructure:"system_separator"`
	MaxChars        int    `mapstructure:"max_chars"`  // 0 disables the check
	MaxTokens       int    `mapstructure:"max_tokens"` // 0 disables the check
}

// DegradedConfig stores the canned responses used without an engine.
type DegradedConfig struct {
	Responses []string `mapstructure:"responses"` // empty keeps the built-in set
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"` // "memory" or "libsql"
	DatabasePath string `mapstructure:"database_path"`
}

// WebConfig stores HTTP server settings.
type WebConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Theme         string        `mapstructure:"theme"`
	SessionCookie string        `mapstructure:"session_cookie"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"` // 0 leaves long completions unbounded
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// RegistryConfig stores model download settings.
type RegistryConfig struct {
	ModelsDir         string `mapstructure:"models_dir"`
	HuggingFaceToken  string `mapstructure:"huggingface_token"`
	ChecksumCacheSize int    `mapstructure:"checksum_cache_size"`
}

// CLIConfig stores REPL settings.
type CLIConfig struct {
	LineHistoryFile string `mapstructure:"line_history_file"`
	RenderMarkdown  bool   `mapstructure:"render_markdown"`
	WordWrap        int    `mapstructure:"word_wrap"`
}

// SetDefaults registers every default with viper.
func SetDefaults() {
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.log_format", "console")
	viper.SetDefault("app.auto_save_history", false)
	viper.SetDefault("app.history_file", internal.DefaultHistoryFile)

	viper.SetDefault("model.path", "")
	viper.SetDefault("model.repo", "")
	viper.SetDefault("model.filename", "")
	viper.SetDefault("model.name", "")
	viper.SetDefault("model.auto_download", false)
	viper.SetDefault("model.fallback_candidates", []string{})

	// Engine defaults match the recommended CPU-only profile
	viper.SetDefault("engine.context_size", 4096)
	viper.SetDefault("engine.threads", 8)
	viper.SetDefault("engine.gpu_layers", 0)
	viper.SetDefault("engine.f16_memory", true)
	viper.SetDefault("engine.mmap", true)
	viper.SetDefault("engine.batch_size", 512)
	viper.SetDefault("engine.pool_size", 1)
	viper.SetDefault("engine.concurrent_completions", 1)
	viper.SetDefault("engine.load_fallbacks", true)

	viper.SetDefault("sampling.max_tokens", 2048)
	viper.SetDefault("sampling.temperature", 0.7)
	viper.SetDefault("sampling.top_p", 0.9)
	viper.SetDefault("sampling.top_k", 40)
	viper.SetDefault("sampling.repeat_penalty", 1.1)
	// Role marker stops are always added; these are extras
	viper.SetDefault("sampling.stop_sequences", []string{})
	viper.SetDefault("sampling.seed", -1)
	viper.SetDefault("sampling.threads", 0)

	viper.SetDefault("conversation.history_window", 20)
	viper.SetDefault("conversation.retain_full_history", true)
	viper.SetDefault("conversation.exclude_failed_from_prompt", false)

	viper.SetDefault("prompt.system_prompt", "")
	viper.SetDefault("prompt.system_preset", "default")
	viper.SetDefault("prompt.marker_preset", "english")
	viper.SetDefault("prompt.user_marker", "")
	viper.SetDefault("prompt.assistant_marker", "")
	viper.SetDefault("prompt.system_marker", "")
	viper.SetDefault("prompt.system_separator", "\n\n")
	viper.SetDefault("prompt.max_chars", 0)
	viper.SetDefault("prompt.max_tokens", 0)

	viper.SetDefault("degraded.responses", []string{})

	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.database_path", internal.DefaultDatabasePath)

	viper.SetDefault("web.host", "127.0.0.1")
	viper.SetDefault("web.port", 5000)
	viper.SetDefault("web.theme", "dark")
	viper.SetDefault("web.session_cookie", internal.DefaultSessionCookie)
	viper.SetDefault("web.cors_origins", []string{"*"})
	viper.SetDefault("web.read_timeout", "15s")
	viper.SetDefault("web.write_timeout", "0s")
	viper.SetDefault("web.idle_timeout", "60s")

	viper.SetDefault("registry.models_dir", internal.DefaultModelsDir)
	viper.SetDefault("registry.huggingface_token", "")
	viper.SetDefault("registry.checksum_cache_size", 64)

	viper.SetDefault("cli.line_history_file", internal.DefaultLineHistoryFile)
	viper.SetDefault("cli.render_markdown", false)
	viper.SetDefault("cli.word_wrap", 100)
}

// legacyEnv maps the environment names deployments already use onto config keys.
var legacyEnv = map[string]string{
	"registry.huggingface_token":  "HUGGINGFACE_TOKEN",
	"registry.models_dir":         "MODELS_DIR",
	"web.host":                    "WEB_HOST",
	"web.port":                    "WEB_PORT",
	"web.theme":                   "THEME",
	"model.repo":                  "DEFAULT_MODEL_REPO",
	"model.filename":              "DEFAULT_MODEL_FILENAME",
	"model.name":                  "DEFAULT_MODEL_NAME",
	"engine.context_size":         "MODEL_N_CTX",
	"engine.threads":              "MODEL_N_THREADS",
	"engine.gpu_layers":           "MODEL_N_GPU_LAYERS",
	"sampling.temperature":        "MODEL_TEMPERATURE",
	"sampling.max_tokens":         "MODEL_MAX_TOKENS",
	"conversation.history_window": "MAX_HISTORY_LENGTH",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	SetDefaults()

	viper.SetEnvPrefix(internal.DefaultEnvPrefix)
	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. web.port becomes LLAMACHAT_WEB_PORT
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range legacyEnv {
		_ = viper.BindEnv(key, envName(key), env)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply
	}

	return Decode()
}

// Decode unmarshals the current viper state and validates it.
func Decode() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-decodes the config whenever the backing file changes. Invalid
// edits are reported through onError and the previous values stay in force.
func Watch(onChange func(*Config, fsnotify.Event), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg, e)
	})
	viper.WatchConfig()
}

// Validate checks cross-field invariants that viper cannot express.
func (c *Config) Validate() error {
	if err := c.Sampling.Validate(); err != nil {
		return err
	}
	if c.Conversation.HistoryWindow < 0 {
		return fmt.Errorf("conversation.history_window must not be negative, got %d", c.Conversation.HistoryWindow)
	}
	if !c.Conversation.RetainFullHistory && c.Conversation.HistoryWindow < 2 {
		return fmt.Errorf("conversation.history_window must be at least 2 when retain_full_history is false, got %d", c.Conversation.HistoryWindow)
	}
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.Engine.ConcurrentCompletions < 0 {
		return fmt.Errorf("engine.concurrent_completions must not be negative, got %d", c.Engine.ConcurrentCompletions)
	}
	switch c.Storage.Backend {
	case "memory", "libsql":
	default:
		return fmt.Errorf("storage.backend must be memory or libsql, got %q", c.Storage.Backend)
	}
	if c.Prompt.MaxChars < 0 || c.Prompt.MaxTokens < 0 {
		return fmt.Errorf("prompt budgets must not be negative")
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

func envName(key string) string {
	return internal.DefaultEnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
