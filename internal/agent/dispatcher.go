package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabot/internal/domain"
	"wabot/internal/metrics"
	"wabot/internal/store"
)

// metadataNow is the metadata value replaced by the current time.
const metadataNow = "datetime"

type DispatcherConfig struct {
	Messenger      domain.Messenger
	Store          *store.Store
	Speaker        domain.Speaker // nil disables audio replies
	AudioOutput    bool
	TempPath       string
	PublicURL      string // base URL the platform downloads /files/<name> from
	UnknownCommand string
	BotLabels      []string
	BotMetadata    []domain.MetadataItem
	Now            func() time.Time
	Logger         *slog.Logger
}

// Dispatcher delivers the final answer and tags the chat afterwards.
type Dispatcher struct {
	messenger      domain.Messenger
	store          *store.Store
	speaker        domain.Speaker
	audioOutput    bool
	tempPath       string
	publicURL      string
	unknownCommand string
	botLabels      []string
	botMetadata    []domain.MetadataItem
	now            func() time.Time
	logger         *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		messenger:      cfg.Messenger,
		store:          cfg.Store,
		speaker:        cfg.Speaker,
		audioOutput:    cfg.AudioOutput,
		tempPath:       cfg.TempPath,
		publicURL:      strings.TrimRight(cfg.PublicURL, "/"),
		unknownCommand: cfg.UnknownCommand,
		botLabels:      cfg.BotLabels,
		botMetadata:    cfg.BotMetadata,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
}

// Dispatch stores the answer as an assistant turn and sends it, as a voice
// note when preferAudio is set and audio output is enabled. Only the send
// error is returned; synthesis and tagging failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage, device domain.Device, answer string, preferAudio bool) error {
	if answer == "" {
		answer = d.unknownCommand
	}
	d.store.AppendTurn(msg.Chat.ID, domain.RoleAssistant, answer)

	out := domain.OutboundMessage{Phone: msg.FromNumber, Device: device.ID}
	kind := "text"
	if preferAudio && d.audioOutput && d.speaker != nil {
		if url, err := d.speak(ctx, answer); err != nil {
			d.logger.Debug("speech synthesis failed, replying with text", "chat", msg.Chat.ID, "error", err)
		} else {
			out.Media = &domain.OutboundMedia{URL: url}
			kind = "audio"
		}
	}
	if out.Media == nil {
		out.Message = answer
	}

	if err := d.messenger.SendMessage(ctx, out); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	metrics.OutboundMessages.WithLabelValues(kind).Inc()

	d.tagChat(ctx, msg, device)
	return nil
}

// speak synthesizes text into an mp3 under the temp path and returns the
// public URL it will be served from.
func (d *Dispatcher) speak(ctx context.Context, text string) (string, error) {
	if d.publicURL == "" {
		return "", errors.New("no public URL to serve audio from")
	}
	audio, err := d.speaker.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	defer audio.Close()

	if err := os.MkdirAll(d.tempPath, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	name := uuid.NewString() + ".mp3"
	f, err := os.Create(filepath.Join(d.tempPath, name))
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	if _, err := io.Copy(f, audio); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return d.publicURL + "/files/" + name, nil
}

func (d *Dispatcher) tagChat(ctx context.Context, msg domain.InboundMessage, device domain.Device) {
	if len(d.botLabels) > 0 {
		if err := d.messenger.UpdateChatLabels(ctx, msg, device, d.botLabels); err != nil {
			d.logger.Error("failed to label chat", "chat", msg.Chat.ID, "error", err)
		}
	}
	if len(d.botMetadata) > 0 {
		items := resolveMetadata(d.botMetadata, d.now())
		if err := d.messenger.UpdateChatMetadata(ctx, msg, device, items); err != nil {
			d.logger.Error("failed to update chat metadata", "chat", msg.Chat.ID, "error", err)
		}
	}
}

// resolveMetadata substitutes the "datetime" placeholder with now.
func resolveMetadata(items []domain.MetadataItem, now time.Time) []domain.MetadataItem {
	out := make([]domain.MetadataItem, len(items))
	for i, it := range items {
		if it.Value == metadataNow {
			it.Value = now.UTC().Format(time.RFC3339)
		}
		out[i] = it
	}
	return out
}
