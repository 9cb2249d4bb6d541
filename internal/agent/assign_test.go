package agent

import (
	"context"
	"errors"
	"slices"
	"testing"

	"wabot/internal/domain"
)

var team = []domain.TeamMember{
	{ID: "owner", Status: "active", Role: "owner", Presence: "online"},
	{ID: "a1", Status: "active", Role: "agent", Presence: "online"},
	{ID: "a2", Status: "active", Role: "agent", Presence: "offline"},
	{ID: "a3", Status: "invited", Role: "agent", Presence: "online"},
	{ID: "a4", Status: "active", Role: "supervisor", Presence: "online"},
}

func newTestAssigner(m *fakeMessenger, mutate func(*AssignerConfig)) *Assigner {
	cfg := AssignerConfig{
		Messenger:       m,
		Enabled:         true,
		SkipRoles:       []string{"admin", "owner"},
		Labels:          []string{"from-bot"},
		RemoveBotLabels: true,
		BotLabels:       []string{"bot"},
		Metadata:        []domain.MetadataItem{{Key: "assigned_at", Value: "datetime"}},
		ChatAssigned:    "assigned",
		Now:             newClock().Now,
		Pick:            func(int) int { return 0 },
		Logger:          testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAssigner(cfg)
}

func TestAssigner_Eligible(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AssignerConfig)
		want   []string
	}{
		{"default filters", nil, []string{"a1", "a2", "a4"}},
		{"online only", func(c *AssignerConfig) { c.OnlyOnlineMembers = true }, []string{"a1", "a4"}},
		{"whitelist", func(c *AssignerConfig) { c.Whitelist = []string{"a2", "owner"} }, []string{"a2"}},
		{"blacklist", func(c *AssignerConfig) { c.Blacklist = []string{"a1"} }, []string{"a2", "a4"}},
		{"no skipped roles", func(c *AssignerConfig) { c.SkipRoles = nil }, []string{"owner", "a1", "a2", "a4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range newTestAssigner(&fakeMessenger{}, tt.mutate).eligible(team) {
				got = append(got, m.ID)
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAssigner_Assign(t *testing.T) {
	m := &fakeMessenger{members: team}
	a := newTestAssigner(m, func(c *AssignerConfig) { c.Pick = func(n int) int { return n - 1 } })

	msg := inbound("human")
	msg.Chat.Labels = []string{"bot", "vip"}
	if err := a.Assign(context.Background(), msg, testDevice, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.assigned) != 1 || m.assigned[0] != "a4" {
		t.Fatalf("expected chat assigned to a4, got %v", m.assigned)
	}
	if len(m.metadata) != 1 || m.metadata[0][0].Key != "assigned_at" || m.metadata[0][0].Value == "datetime" {
		t.Fatalf("unexpected assignment metadata %v", m.metadata)
	}
	if len(m.labels) != 1 || !slices.Equal(m.labels[0], []string{"vip", "from-bot"}) {
		t.Fatalf("expected [vip from-bot], got %v", m.labels)
	}
	if sent := m.Sent(); len(sent) != 1 || sent[0].Message != "assigned" {
		t.Fatalf("expected assignment notice, got %+v", sent)
	}
}

func TestAssigner_KeepsBotLabelsWhenConfigured(t *testing.T) {
	m := &fakeMessenger{members: team}
	a := newTestAssigner(m, func(c *AssignerConfig) { c.RemoveBotLabels = false })

	msg := inbound("human")
	msg.Chat.Labels = []string{"bot"}
	a.Assign(context.Background(), msg, testDevice, false)
	if len(m.labels) != 1 || !slices.Equal(m.labels[0], []string{"bot", "from-bot"}) {
		t.Fatalf("expected [bot from-bot], got %v", m.labels)
	}
}

func TestAssigner_DisabledUnlessForced(t *testing.T) {
	m := &fakeMessenger{members: team}
	a := newTestAssigner(m, func(c *AssignerConfig) { c.Enabled = false })

	a.Assign(context.Background(), inbound("human"), testDevice, false)
	if len(m.assigned) != 0 {
		t.Fatal("disabled assignment must not assign")
	}
	a.Assign(context.Background(), inbound("human"), testDevice, true)
	if len(m.assigned) != 1 {
		t.Fatal("forced assignment should assign")
	}
}

func TestAssigner_NoEligibleMembers(t *testing.T) {
	m := &fakeMessenger{members: team[:1]}
	if err := newTestAssigner(m, nil).Assign(context.Background(), inbound("human"), testDevice, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.assigned) != 0 || len(m.Sent()) != 0 {
		t.Fatal("nothing should happen without eligible members")
	}
}

func TestAssigner_AssignErrorPropagates(t *testing.T) {
	m := &fakeMessenger{members: team, assignErr: errors.New("forbidden")}
	err := newTestAssigner(m, nil).Assign(context.Background(), inbound("human"), testDevice, false)
	if err == nil {
		t.Fatal("expected assignment error")
	}
	if len(m.Sent()) != 0 || len(m.metadata) != 0 {
		t.Fatal("no follow-up updates after a failed assignment")
	}
}
