package agent

import (
	"context"
	"log/slog"
	"time"

	"wabot/internal/domain"
	"wabot/internal/store"
)

// QuotaExceededKey is the chat metadata key marking a chat that ran out of
// replies. Once set the bot never answers the chat again.
const QuotaExceededKey = "bot_quota_exceeded"

type QuotaConfig struct {
	Store       *store.Store
	Messenger   domain.Messenger
	MaxMessages int
	Window      time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// QuotaGuard enforces the per-chat reply budget.
type QuotaGuard struct {
	store     *store.Store
	messenger domain.Messenger
	max       int
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewQuotaGuard(cfg QuotaConfig) *QuotaGuard {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &QuotaGuard{
		store:     cfg.Store,
		messenger: cfg.Messenger,
		max:       cfg.MaxMessages,
		window:    cfg.Window,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// HasQuota reports whether the chat's rolling window still has room.
func (q *QuotaGuard) HasQuota(chatID string) bool {
	return q.store.HasQuota(chatID, q.max, q.window)
}

// TryCharge counts one reply against the chat unless a concurrent delivery
// took the last slot since HasQuota passed.
func (q *QuotaGuard) TryCharge(chatID string) (int, bool) {
	return q.store.ChargeIfQuota(chatID, q.max, q.window)
}

// Exhausted reports whether the chat was already flagged on the platform.
func (q *QuotaGuard) Exhausted(chat domain.Chat) bool {
	_, ok := chat.Metadata[QuotaExceededKey]
	return ok
}

// MarkExhausted flags the chat on the platform. Failures are only logged.
func (q *QuotaGuard) MarkExhausted(ctx context.Context, msg domain.InboundMessage, device domain.Device) {
	items := []domain.MetadataItem{{Key: QuotaExceededKey, Value: q.now().UTC().Format(time.RFC3339)}}
	if err := q.messenger.UpdateChatMetadata(ctx, msg, device, items); err != nil {
		q.logger.Error("failed to flag chat quota", "chat", msg.Chat.ID, "error", err)
	}
}
