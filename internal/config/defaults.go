package config

import "path/filepath"

// MaxInputCharactersCeiling caps limits.maxInputCharacters.
const MaxInputCharactersCeiling = 10000

func Defaults() *Config {
	return &Config{
		API: APIConfig{
			APIBaseURL:         "https://api.wassenger.com/v1",
			OpenAIBaseURL:      "https://api.openai.com/v1",
			OpenAIModel:        "gpt-4o",
			TranscriptionModel: "whisper-1",
			SpeechModel:        "tts-1",
			TimeoutSeconds:     120,
			RateLimitPerMinute: 60,
		},
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8080,
			TempPath:              ".tmp",
			MaxConcurrentMessages: 10,
		},
		Features: FeaturesConfig{
			AudioInput:  true,
			AudioOutput: true,
			Voice:       "echo",
			VoiceSpeed:  1.0,
		},
		Limits: LimitsConfig{
			MaxInputCharacters:   1000,
			MaxOutputTokens:      1000,
			ChatHistoryLimit:     20,
			MaxMessagesPerChat:   500,
			CounterWindowSeconds: 24 * 60 * 60,
		},
		Inference: InferenceConfig{
			Temperature: 0.2,
		},
		Messages: MessagesConfig{
			Instructions:   defaultInstructions,
			UnknownCommand: defaultUnknownCommand,
			ChatAssigned:   "You will be contact shortly by someone from our team. Thank you for your patience.",
		},
		Chats: ChatsConfig{
			SkipChatWithLabels:  []string{"no-bot"},
			SetLabelsOnBotChats: []string{"bot"},
		},
		Assignment: AssignmentConfig{
			Enabled:                     true,
			SkipTeamRoles:               []string{"admin", "owner"},
			SetLabelsOnUserAssignment:   []string{"from-bot"},
			RemoveLabelsAfterAssignment: true,
		},
		Cache: CacheConfig{
			TTLSeconds: 600,
		},
		Queue: QueueConfig{
			Driver:     "memory",
			BufferSize: 100,
			QueueName:  "wabot.inbound",
			Prefetch:   10,
		},
		Bookings: BookingsConfig{
			Enabled:  true,
			DBPath:   filepath.Join(DefaultConfigDir(), "bookings.db"),
			Timezone: "UTC",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

const defaultUnknownCommand = "I'm sorry, I was unable to understand your message. Can you please elaborate more?\n\n" +
	"If you would like to chat with a human, just reply with *human*."

const defaultInstructions = "You are a smart virtual customer support assistant who works for Wassenger.\n" +
	"You can identify yourself as Milo, the Wassenger AI Assistant.\n" +
	"You will be chatting with random customers who may contact you with general queries about the product.\n" +
	"Wassenger is a cloud solution that offers WhatsApp API and multi-user live communication services designed for businesses and developers.\n" +
	"Wassenger also enables customers to automate WhatsApp communication and build chatbots.\n" +
	"You are an expert customer support agent.\n" +
	"Be polite. Be helpful. Be emphatic. Be concise.\n" +
	"Politely reject any queries that are not related to customer support tasks or Wassenger services itself.\n" +
	"Stick strictly to your role as a customer support virtual assistant for Wassenger.\n" +
	"Always speak in the language the user prefers or uses.\n" +
	"If you can't help with something, ask the user to type *human* in order to talk with customer support.\n" +
	"Do not use Markdown formatted and rich text, only raw text."
