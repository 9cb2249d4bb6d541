package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wabot.
type Config struct {
	API        APIConfig        `json:"api" yaml:"api"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Features   FeaturesConfig   `json:"features" yaml:"features"`
	Limits     LimitsConfig     `json:"limits" yaml:"limits"`
	Inference  InferenceConfig  `json:"inference" yaml:"inference"`
	Messages   MessagesConfig   `json:"messages" yaml:"messages"`
	Chats      ChatsConfig      `json:"chats" yaml:"chats"`
	Assignment AssignmentConfig `json:"assignment" yaml:"assignment"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Bookings   BookingsConfig   `json:"bookings" yaml:"bookings"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

type APIConfig struct {
	APIKey             string   `json:"apiKey" yaml:"apiKey"`
	APIBaseURL         string   `json:"apiBaseUrl" yaml:"apiBaseUrl"`
	OpenAIKey          string   `json:"openaiKey" yaml:"openaiKey"`
	OpenAIBaseURL      string   `json:"openaiBaseUrl" yaml:"openaiBaseUrl"`
	OpenAIModel        string   `json:"openaiModel" yaml:"openaiModel"`
	FallbackModels     []string `json:"fallbackModels,omitempty" yaml:"fallbackModels,omitempty"`
	TranscriptionModel string   `json:"transcriptionModel" yaml:"transcriptionModel"`
	SpeechModel        string   `json:"speechModel" yaml:"speechModel"`
	TimeoutSeconds     int      `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`
}

type ServerConfig struct {
	Host                  string `json:"host" yaml:"host"`
	Port                  int    `json:"port" yaml:"port"`
	TempPath              string `json:"tempPath" yaml:"tempPath"`
	Device                string `json:"device,omitempty" yaml:"device,omitempty"`
	WebhookURL            string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	WebhookSecret         string `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	Production            bool   `json:"production" yaml:"production"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
}

type FeaturesConfig struct {
	AudioInput  bool    `json:"audioInput" yaml:"audioInput"`
	AudioOutput bool    `json:"audioOutput" yaml:"audioOutput"`
	Voice       string  `json:"voice" yaml:"voice"`
	VoiceSpeed  float64 `json:"voiceSpeed" yaml:"voiceSpeed"`
}

type LimitsConfig struct {
	MaxInputCharacters   int `json:"maxInputCharacters" yaml:"maxInputCharacters"`
	MaxOutputTokens      int `json:"maxOutputTokens" yaml:"maxOutputTokens"`
	ChatHistoryLimit     int `json:"chatHistoryLimit" yaml:"chatHistoryLimit"`
	MaxMessagesPerChat   int `json:"maxMessagesPerChat" yaml:"maxMessagesPerChat"`
	CounterWindowSeconds int `json:"counterWindowSeconds" yaml:"counterWindowSeconds"`
}

type InferenceConfig struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// MessagesConfig holds the bot's instructions and canned replies.
type MessagesConfig struct {
	Instructions   string `json:"instructions" yaml:"instructions"`
	UnknownCommand string `json:"unknownCommand" yaml:"unknownCommand"`
	ChatAssigned   string `json:"chatAssigned" yaml:"chatAssigned"`
}

// ChatsConfig controls which chats the bot answers and how it tags them.
type ChatsConfig struct {
	SkipChatWithLabels    []string         `json:"skipChatWithLabels" yaml:"skipChatWithLabels"`
	NumbersWhitelist      []string         `json:"numbersWhitelist" yaml:"numbersWhitelist"`
	NumbersBlacklist      []string         `json:"numbersBlacklist" yaml:"numbersBlacklist"`
	SetLabelsOnBotChats   []string         `json:"setLabelsOnBotChats" yaml:"setLabelsOnBotChats"`
	SetMetadataOnBotChats []MetadataConfig `json:"setMetadataOnBotChats" yaml:"setMetadataOnBotChats"`
}

// AssignmentConfig controls handing chats over to human team members.
type AssignmentConfig struct {
	Enabled                     bool             `json:"enabled" yaml:"enabled"`
	OnlyOnlineMembers           bool             `json:"onlyOnlineMembers" yaml:"onlyOnlineMembers"`
	TeamWhitelist               []string         `json:"teamWhitelist" yaml:"teamWhitelist"`
	TeamBlacklist               []string         `json:"teamBlacklist" yaml:"teamBlacklist"`
	SkipTeamRoles               []string         `json:"skipTeamRoles" yaml:"skipTeamRoles"`
	SetLabelsOnUserAssignment   []string         `json:"setLabelsOnUserAssignment" yaml:"setLabelsOnUserAssignment"`
	RemoveLabelsAfterAssignment bool             `json:"removeLabelsAfterAssignment" yaml:"removeLabelsAfterAssignment"`
	SetMetadataOnAssignment     []MetadataConfig `json:"setMetadataOnAssignment" yaml:"setMetadataOnAssignment"`
}

// MetadataConfig is a chat metadata entry. The value "datetime" is replaced
// by the current time when applied.
type MetadataConfig struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type CacheConfig struct {
	TTLSeconds      int `json:"ttlSeconds" yaml:"ttlSeconds"`
	MaxTurnsPerChat int `json:"maxTurnsPerChat" yaml:"maxTurnsPerChat"` // 0 = unbounded
	TurnTTLSeconds  int `json:"turnTtlSeconds" yaml:"turnTtlSeconds"`   // 0 = never expire
}

// QueueConfig selects the webhook-to-worker handoff.
type QueueConfig struct {
	Driver     string `json:"driver" yaml:"driver"` // "memory" | "amqp"
	BufferSize int    `json:"bufferSize" yaml:"bufferSize"`
	AMQPURL    string `json:"amqpUrl,omitempty" yaml:"amqpUrl,omitempty"`
	QueueName  string `json:"queueName" yaml:"queueName"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
}

type BookingsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	DBPath   string `json:"dbPath" yaml:"dbPath"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

// EnvBindings maps the environment variables wabot honours to config paths.
var EnvBindings = map[string]string{
	"API_KEY":        "api.apiKey",
	"API_URL":        "api.apiBaseUrl",
	"OPENAI_API_KEY": "api.openaiKey",
	"OPENAI_API_URL": "api.openaiBaseUrl",
	"OPENAI_MODEL":   "api.openaiModel",
	"PORT":           "server.port",
	"TEMP_PATH":      "server.tempPath",
	"DEVICE":         "server.device",
	"WEBHOOK_URL":    "server.webhookUrl",
	"WEBHOOK_SECRET": "server.webhookSecret",
	"PRODUCTION":     "server.production",
	"AMQP_URL":       "queue.amqpUrl",
	"LOG_LEVEL":      "logging.level",
}

// DefaultConfigDir returns the default config directory (~/.wabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabot"
	}
	return filepath.Join(home, ".wabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Bookings.DBPath = ExpandPath(cfg.Bookings.DBPath)
	cfg.Server.TempPath = ExpandPath(cfg.Server.TempPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConcurrentMessages < 1 || cfg.Server.MaxConcurrentMessages > 100 {
		errs = append(errs, "server.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.Server.TempPath == "" {
		errs = append(errs, "server.tempPath is required")
	}
	if cfg.API.APIBaseURL == "" {
		errs = append(errs, "api.apiBaseUrl is required")
	}
	if cfg.API.OpenAIModel == "" {
		errs = append(errs, "api.openaiModel is required")
	}

	if cfg.Limits.MaxInputCharacters < 1 || cfg.Limits.MaxInputCharacters > MaxInputCharactersCeiling {
		errs = append(errs, fmt.Sprintf("limits.maxInputCharacters must be between 1 and %d", MaxInputCharactersCeiling))
	}
	if cfg.Limits.ChatHistoryLimit < 1 {
		errs = append(errs, "limits.chatHistoryLimit must be >= 1")
	}
	if cfg.Limits.MaxMessagesPerChat < 1 {
		errs = append(errs, "limits.maxMessagesPerChat must be >= 1")
	}
	if cfg.Limits.CounterWindowSeconds < 1 {
		errs = append(errs, "limits.counterWindowSeconds must be >= 1")
	}
	if cfg.Limits.MaxOutputTokens < 1 {
		errs = append(errs, "limits.maxOutputTokens must be >= 1")
	}

	if cfg.Inference.Temperature < 0 || cfg.Inference.Temperature > 2 {
		errs = append(errs, "inference.temperature must be between 0 and 2")
	}
	if cfg.Features.VoiceSpeed < 0.25 || cfg.Features.VoiceSpeed > 4 {
		errs = append(errs, "features.voiceSpeed must be between 0.25 and 4")
	}

	if cfg.Cache.TTLSeconds < 1 {
		errs = append(errs, "cache.ttlSeconds must be >= 1")
	}
	if cfg.Cache.MaxTurnsPerChat < 0 || cfg.Cache.TurnTTLSeconds < 0 {
		errs = append(errs, "cache.maxTurnsPerChat and cache.turnTtlSeconds must be >= 0")
	}

	switch cfg.Queue.Driver {
	case "memory":
	case "amqp":
		if cfg.Queue.AMQPURL == "" {
			errs = append(errs, "queue.amqpUrl is required when queue.driver is amqp")
		}
	default:
		errs = append(errs, "queue.driver must be one of: memory, amqp")
	}
	if cfg.Queue.BufferSize < 1 {
		errs = append(errs, "queue.bufferSize must be >= 1")
	}

	if cfg.Bookings.Enabled && cfg.Bookings.DBPath == "" {
		errs = append(errs, "bookings.dbPath is required when bookings are enabled")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Minimum key lengths accepted by ValidateCredentials.
const (
	minAPIKeyLength    = 60
	minOpenAIKeyLength = 45
)

// ValidateCredentials checks the API keys needed to serve traffic.
func ValidateCredentials(cfg *Config) error {
	if len(cfg.API.APIKey) < minAPIKeyLength {
		return fmt.Errorf("missing or invalid Wassenger API key (api.apiKey / API_KEY): obtain one at https://app.wassenger.com/apikeys")
	}
	if len(cfg.API.OpenAIKey) < minOpenAIKeyLength {
		return fmt.Errorf("missing or invalid OpenAI API key (api.openaiKey / OPENAI_API_KEY): obtain one at https://platform.openai.com/account/api-keys")
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
