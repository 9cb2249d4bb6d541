package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"wabot/internal/domain"
	"wabot/internal/metrics"
	"wabot/internal/tool"
)

// maxInputCeiling caps the body length whatever the configuration says.
const maxInputCeiling = 10000

var handoverPattern = regexp.MustCompile(`(?i)^(human|person|help|stop)$`)

// typeDescriptions stand in for messages that carry no text.
var typeDescriptions = map[domain.MessageType]string{
	domain.MessageImage:    "User sent an image",
	domain.MessageVideo:    "User sent a video",
	domain.MessageDocument: "User sent a document",
	domain.MessageLocation: "User sent a location",
	domain.MessageContacts: "User sent contact information",
}

const defaultDescription = "User sent a message"

// BotConfig wires the pipeline stages together.
type BotConfig struct {
	Admission    *Admission
	Quota        *QuotaGuard
	Context      *ContextBuilder
	Orchestrator *Orchestrator
	Dispatcher   *Dispatcher
	Assigner     *Assigner
	Messenger    domain.Messenger
	Transcriber  domain.Transcriber // nil disables audio input

	AudioInput         bool
	MaxInputCharacters int
	UnknownCommand     string
	Logger             *slog.Logger
}

// Bot processes one inbound message end to end.
type Bot struct {
	admission    *Admission
	quota        *QuotaGuard
	builder      *ContextBuilder
	orchestrator *Orchestrator
	dispatcher   *Dispatcher
	assigner     *Assigner
	messenger    domain.Messenger
	transcriber  domain.Transcriber

	audioInput     bool
	maxInput       int
	unknownCommand string
	logger         *slog.Logger
}

func NewBot(cfg BotConfig) *Bot {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInputCharacters <= 0 || cfg.MaxInputCharacters > maxInputCeiling {
		cfg.MaxInputCharacters = maxInputCeiling
	}
	return &Bot{
		admission:      cfg.Admission,
		quota:          cfg.Quota,
		builder:        cfg.Context,
		orchestrator:   cfg.Orchestrator,
		dispatcher:     cfg.Dispatcher,
		assigner:       cfg.Assigner,
		messenger:      cfg.Messenger,
		transcriber:    cfg.Transcriber,
		audioInput:     cfg.AudioInput,
		maxInput:       cfg.MaxInputCharacters,
		unknownCommand: cfg.UnknownCommand,
		logger:         cfg.Logger,
	}
}

// CanReply exposes the admission check.
func (b *Bot) CanReply(msg domain.InboundMessage, device domain.Device) bool {
	return b.admission.CanReply(msg, device)
}

// AssignChatToAgent hands the chat to a team member. force bypasses the
// assignment.enabled switch.
func (b *Bot) AssignChatToAgent(ctx context.Context, msg domain.InboundMessage, device domain.Device, force bool) error {
	return b.assigner.Assign(ctx, msg, device, force)
}

// ProcessMessage runs the full pipeline for msg. Failures are logged and,
// once a reply was due, answered with the unknown-command message.
func (b *Bot) ProcessMessage(ctx context.Context, msg domain.InboundMessage, device domain.Device) {
	chatID := msg.Chat.ID
	log := b.logger.With("chat", chatID)
	charged := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing message", "panic", r, "stack", string(debug.Stack()))
			metrics.MessagesTotal.WithLabelValues("panic").Inc()
			if charged {
				b.sendFallback(ctx, msg, device, log)
			}
		}
	}()

	if !b.admission.CanReply(msg, device) {
		metrics.MessagesTotal.WithLabelValues("skipped").Inc()
		return
	}

	if !b.quota.HasQuota(chatID) {
		b.quota.MarkExhausted(ctx, msg, device)
		log.Info("chat quota exceeded")
		metrics.MessagesTotal.WithLabelValues("quota").Inc()
		return
	}
	if b.quota.Exhausted(msg.Chat) {
		log.Info("chat quota previously exceeded")
		metrics.MessagesTotal.WithLabelValues("quota").Inc()
		return
	}
	if _, ok := b.quota.TryCharge(chatID); !ok {
		b.quota.MarkExhausted(ctx, msg, device)
		log.Info("chat quota exceeded")
		metrics.MessagesTotal.WithLabelValues("quota").Inc()
		return
	}
	charged = true

	body := b.extractBody(ctx, msg)
	log.Info("processing inbound message", "type", msg.Type, "body_len", len(body))

	if err := b.messenger.SendTyping(ctx, msg, device); err != nil {
		log.Debug("typing indicator failed", "error", err)
	}

	if handoverPattern.MatchString(body) {
		if err := b.assigner.Assign(ctx, msg, device, true); err != nil {
			log.Error("failed to assign chat", "error", err)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			return
		}
		metrics.MessagesTotal.WithLabelValues("assigned").Inc()
		return
	}

	if err := b.answer(ctx, msg, device, body); err != nil {
		log.Error("failed to answer message", "error", err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		b.sendFallback(ctx, msg, device, log)
		return
	}
	metrics.MessagesTotal.WithLabelValues("answered").Inc()
}

// sendFallback answers with the unknown-command message.
func (b *Bot) sendFallback(ctx context.Context, msg domain.InboundMessage, device domain.Device, log *slog.Logger) {
	fallback := domain.OutboundMessage{Phone: msg.FromNumber, Message: b.unknownCommand, Device: device.ID}
	if err := b.messenger.SendMessage(ctx, fallback); err != nil {
		log.Error("failed to send fallback reply", "error", err)
		return
	}
	metrics.OutboundMessages.WithLabelValues("fallback").Inc()
}

func (b *Bot) answer(ctx context.Context, msg domain.InboundMessage, device domain.Device, body string) error {
	transcript := b.builder.Compose(msg.Chat.ID, body)
	text, err := b.orchestrator.Run(ctx, transcript, tool.Call{Message: msg, Device: device})
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	return b.dispatcher.Dispatch(ctx, msg, device, text, msg.Type == domain.MessageAudio)
}

// extractBody returns the text the model sees: the message body, the audio
// transcript, or a description of the message type, truncated and trimmed.
func (b *Bot) extractBody(ctx context.Context, msg domain.InboundMessage) string {
	body := msg.Body
	if msg.Type == domain.MessageAudio && msg.Media != nil && msg.Media.ID != "" && b.audioInput {
		body = b.transcribe(ctx, msg)
	}
	if body == "" {
		body = defaultDescription
		if d, ok := typeDescriptions[msg.Type]; ok {
			body = d
		}
	}
	return strings.TrimSpace(truncateRunes(body, b.maxInput))
}

func (b *Bot) transcribe(ctx context.Context, msg domain.InboundMessage) string {
	if b.transcriber == nil {
		return ""
	}
	log := b.logger.With("chat", msg.Chat.ID, "media", msg.Media.ID)

	audio, err := b.messenger.DownloadMedia(ctx, msg.Media.ID)
	if err != nil {
		log.Error("failed to download audio", "error", err)
		return ""
	}
	filename := msg.Media.Filename
	if filename == "" {
		filename = "audio.ogg"
	}
	text, err := b.transcriber.Transcribe(ctx, bytes.NewReader(audio), filename)
	if err != nil {
		log.Error("failed to transcribe audio", "error", err)
		return ""
	}
	return text
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
