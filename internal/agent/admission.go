package agent

import (
	"log/slog"
	"slices"

	"wabot/internal/domain"
)

// AdmissionConfig lists the chats the bot must leave alone.
type AdmissionConfig struct {
	SkipLabels []string // chats carrying any of these labels are skipped
	Whitelist  []string // when set, only these senders are answered
	Blacklist  []string
	Logger     *slog.Logger
}

// Admission decides whether an inbound message may get an automatic reply.
type Admission struct {
	skipLabels []string
	whitelist  []string
	blacklist  []string
	logger     *slog.Logger
}

func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Admission{
		skipLabels: cfg.SkipLabels,
		whitelist:  cfg.Whitelist,
		blacklist:  cfg.Blacklist,
		logger:     cfg.Logger,
	}
}

// CanReply applies the rejection rules in order and stops at the first hit.
// The sender lists only apply when the chat carries a sender number.
func (a *Admission) CanReply(msg domain.InboundMessage, device domain.Device) bool {
	chat := msg.Chat
	log := a.logger.With("chat", chat.ID)

	if chat.Assigned() {
		log.Debug("skipping chat owned by agent", "agent", chat.Owner.Agent)
		return false
	}
	if chat.FromNumber == device.Phone {
		log.Debug("skipping message from the device number")
		return false
	}
	if chat.Type != domain.ChatTypeDirect {
		log.Debug("skipping non-direct chat", "type", chat.Type)
		return false
	}
	if len(a.skipLabels) > 0 && len(chat.Labels) > 0 {
		for _, l := range chat.Labels {
			if slices.Contains(a.skipLabels, l) {
				log.Debug("skipping chat with blacklisted label", "label", l)
				return false
			}
		}
	}

	from := chat.FromNumber
	if from == "" {
		return true
	}
	if len(a.whitelist) > 0 && !slices.Contains(a.whitelist, from) {
		log.Debug("skipping non-whitelisted number", "from", from)
		return false
	}
	if len(a.blacklist) > 0 && slices.Contains(a.blacklist, from) {
		log.Debug("skipping blacklisted number", "from", from)
		return false
	}
	return true
}
