package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"wabot/internal/domain"
	"wabot/internal/metrics"
)

type AssignerConfig struct {
	Messenger         domain.Messenger
	Enabled           bool
	OnlyOnlineMembers bool
	Whitelist         []string // member IDs
	Blacklist         []string // member IDs
	SkipRoles         []string
	Labels            []string // added to the chat on assignment
	// RemoveBotLabels drops BotLabels from the chat when it is assigned.
	RemoveBotLabels bool
	BotLabels       []string
	Metadata        []domain.MetadataItem
	ChatAssigned    string
	Now             func() time.Time
	Pick            func(n int) int // defaults to rand.IntN
	Logger          *slog.Logger
}

// Assigner hands chats over to a human team member.
type Assigner struct {
	cfg AssignerConfig
}

func NewAssigner(cfg AssignerConfig) *Assigner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assigner{cfg: cfg}
}

// Assign picks a random eligible member and assigns the chat to it. It is a
// no-op unless assignment is enabled or force is set. A failed assignment
// call is returned; the follow-up updates are best-effort.
func (a *Assigner) Assign(ctx context.Context, msg domain.InboundMessage, device domain.Device, force bool) error {
	if !a.cfg.Enabled && !force {
		return nil
	}
	log := a.cfg.Logger.With("chat", msg.Chat.ID)

	members, err := a.cfg.Messenger.PullMembers(ctx, device)
	if err != nil {
		metrics.Assignments.WithLabelValues("error").Inc()
		return fmt.Errorf("pull members: %w", err)
	}
	eligible := a.eligible(members)
	if len(eligible) == 0 {
		log.Warn("no eligible members available for assignment")
		metrics.Assignments.WithLabelValues("no_member").Inc()
		return nil
	}
	member := eligible[a.cfg.Pick(len(eligible))]

	if err := a.cfg.Messenger.AssignChat(ctx, msg, device, member.ID); err != nil {
		metrics.Assignments.WithLabelValues("error").Inc()
		return fmt.Errorf("assign chat to %s: %w", member.ID, err)
	}
	metrics.Assignments.WithLabelValues("ok").Inc()
	log.Info("chat assigned to member", "member", member.ID)

	if len(a.cfg.Metadata) > 0 {
		items := resolveMetadata(a.cfg.Metadata, a.cfg.Now())
		if err := a.cfg.Messenger.UpdateChatMetadata(ctx, msg, device, items); err != nil {
			log.Error("failed to update assignment metadata", "error", err)
		}
	}
	if labels, changed := a.assignmentLabels(msg.Chat.Labels); changed {
		if err := a.cfg.Messenger.UpdateChatLabels(ctx, msg, device, labels); err != nil {
			log.Error("failed to update assignment labels", "error", err)
		}
	}

	if a.cfg.ChatAssigned != "" {
		err := a.cfg.Messenger.SendMessage(ctx, domain.OutboundMessage{
			Phone:   msg.FromNumber,
			Message: a.cfg.ChatAssigned,
			Device:  device.ID,
		})
		if err != nil {
			log.Error("failed to notify assignment", "error", err)
		} else {
			metrics.OutboundMessages.WithLabelValues("assignment").Inc()
		}
	}
	return nil
}

func (a *Assigner) eligible(members []domain.TeamMember) []domain.TeamMember {
	var out []domain.TeamMember
	for _, m := range members {
		switch {
		case m.Status != "active":
		case slices.Contains(a.cfg.SkipRoles, m.Role):
		case len(a.cfg.Whitelist) > 0 && !slices.Contains(a.cfg.Whitelist, m.ID):
		case slices.Contains(a.cfg.Blacklist, m.ID):
		case a.cfg.OnlyOnlineMembers && m.Presence != "online":
		default:
			out = append(out, m)
		}
	}
	return out
}

// assignmentLabels returns the chat's label set after assignment and whether
// it differs from the current one.
func (a *Assigner) assignmentLabels(current []string) ([]string, bool) {
	labels := make([]string, 0, len(current)+len(a.cfg.Labels))
	for _, l := range current {
		if a.cfg.RemoveBotLabels && slices.Contains(a.cfg.BotLabels, l) {
			continue
		}
		labels = append(labels, l)
	}
	for _, l := range a.cfg.Labels {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	return labels, !slices.Equal(labels, current)
}
