// Package wassenger is the HTTP client for the Wassenger WhatsApp API.
package wassenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wabot/internal/domain"
	"wabot/internal/metrics"
	"wabot/internal/store"
)

const (
	defaultAPIBase = "https://api.wassenger.com/v1"

	deviceCacheTTL = 5 * time.Minute
	memberCacheTTL = 10 * time.Minute
	labelCacheTTL  = 10 * time.Minute

	sendAttempts = 3
	labelColor   = "#007bff"

	// WebhookEvent is the only event the bot subscribes to.
	WebhookEvent = "message:in:new"
)

// ErrNoDevice is returned when the account has no WhatsApp number.
var ErrNoDevice = errors.New("no WhatsApp number found in the account")

type Config struct {
	APIKey  string
	APIBase string
	Client  *http.Client
	Cache   *store.Store
	Logger  *slog.Logger
	// SendRetryDelay is the pause between send attempts. Defaults to 1s.
	SendRetryDelay time.Duration
}

// Client implements domain.Messenger plus the startup calls (device lookup,
// labels, webhook registration).
type Client struct {
	apiKey     string
	apiBase    string
	client     *http.Client
	cache      *store.Store
	logger     *slog.Logger
	retryDelay time.Duration
}

func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Cache == nil {
		cfg.Cache = store.New(store.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendRetryDelay == 0 {
		cfg.SendRetryDelay = time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		client:     cfg.Client,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		retryDelay: cfg.SendRetryDelay,
	}
}

var _ domain.Messenger = (*Client)(nil)

// APIError is a non-2xx reply from the platform.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wassenger %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// do performs one API call. in is JSON encoded when non-nil; out is decoded
// from the reply when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.PlatformRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("wassenger %s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.PlatformRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

type sendRequest struct {
	domain.OutboundMessage
	Enqueue string `json:"enqueue"`
}

// SendMessage delivers a message immediately, trying up to three times.
func (c *Client) SendMessage(ctx context.Context, msg domain.OutboundMessage) error {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err = c.do(ctx, "send", http.MethodPost, "/messages", sendRequest{OutboundMessage: msg, Enqueue: "never"}, nil)
		if err == nil {
			c.logger.Debug("message sent", "phone", msg.Phone, "media", msg.Media != nil)
			return nil
		}
		c.logger.Warn("send message failed", "phone", msg.Phone, "attempt", attempt, "error", err)
		if attempt == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return fmt.Errorf("send message after %d attempts: %w", sendAttempts, err)
}

// LoadDevice returns the configured device, or the account's first device
// when id is empty. Results are cached for five minutes.
func (c *Client) LoadDevice(ctx context.Context, id string) (domain.Device, error) {
	key := "device:" + id
	if id == "" {
		key = "device:default"
	}
	if d, ok := store.Cached[domain.Device](c.cache, key); ok {
		return d, nil
	}

	var device domain.Device
	if id == "" {
		var devices []domain.Device
		if err := c.do(ctx, "devices", http.MethodGet, "/devices", nil, &devices); err != nil {
			return domain.Device{}, err
		}
		if len(devices) == 0 {
			return domain.Device{}, ErrNoDevice
		}
		device = devices[0]
	} else if err := c.do(ctx, "device", http.MethodGet, "/devices/"+id, nil, &device); err != nil {
		return domain.Device{}, err
	}

	c.cache.Set(key, device, deviceCacheTTL)
	return device, nil
}

// VerifyDevice checks the device can receive and answer messages.
func VerifyDevice(d domain.Device) error {
	if d.Status != "operative" {
		return errors.New("no active WhatsApp numbers in your account: connect one at https://app.wassenger.com/create")
	}
	if d.Session.Status != "online" {
		return fmt.Errorf("WhatsApp number (%s) is not online: reconnect it at https://app.wassenger.com/%s/scan", d.Alias, d.ID)
	}
	if d.Billing.Subscription.Product != "io" {
		return fmt.Errorf("WhatsApp number plan (%s) does not support inbound messages: upgrade at https://app.wassenger.com/%s/plan?product=io", d.Alias, d.ID)
	}
	return nil
}

// PullMembers lists the device's team members, cached for ten minutes.
func (c *Client) PullMembers(ctx context.Context, device domain.Device) ([]domain.TeamMember, error) {
	key := "members:" + device.ID
	if m, ok := store.Cached[[]domain.TeamMember](c.cache, key); ok {
		return m, nil
	}
	var members []domain.TeamMember
	if err := c.do(ctx, "members", http.MethodGet, "/chat/"+device.ID+"/members", nil, &members); err != nil {
		return nil, err
	}
	c.cache.Set(key, members, memberCacheTTL)
	return members, nil
}

// PullLabels lists the device's chat labels. force bypasses the cache.
func (c *Client) PullLabels(ctx context.Context, device domain.Device, force bool) ([]domain.Label, error) {
	key := "labels:" + device.ID
	if !force {
		if l, ok := store.Cached[[]domain.Label](c.cache, key); ok {
			return l, nil
		}
	}
	var labels []domain.Label
	if err := c.do(ctx, "labels", http.MethodGet, "/chat/"+device.ID+"/labels", nil, &labels); err != nil {
		return nil, err
	}
	c.cache.Set(key, labels, labelCacheTTL)
	return labels, nil
}

// CreateLabels creates the labels missing from the device (compared
// case-insensitively) and refreshes the label cache.
func (c *Client) CreateLabels(ctx context.Context, device domain.Device, names []string) error {
	existing, err := c.PullLabels(ctx, device, false)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, l := range existing {
		have[strings.ToLower(l.Name)] = true
	}

	for _, name := range names {
		if name == "" || have[strings.ToLower(name)] {
			continue
		}
		if err := c.do(ctx, "create_label", http.MethodPost, "/chat/"+device.ID+"/labels", domain.Label{Name: name, Color: labelColor}, nil); err != nil {
			return err
		}
		have[strings.ToLower(name)] = true
		c.logger.Info("label created", "label", name)
	}

	_, err = c.PullLabels(ctx, device, true)
	return err
}

func chatPath(device domain.Device, msg domain.InboundMessage, suffix string) string {
	return "/chat/" + device.ID + "/chats/" + msg.Chat.ID + suffix
}

func (c *Client) UpdateChatLabels(ctx context.Context, msg domain.InboundMessage, device domain.Device, labels []string) error {
	body := map[string][]string{"labels": labels}
	if err := c.do(ctx, "chat_labels", http.MethodPatch, chatPath(device, msg, "/labels"), body, nil); err != nil {
		return err
	}
	c.logger.Debug("chat labels updated", "chat", msg.Chat.ID, "labels", labels)
	return nil
}

func (c *Client) UpdateChatMetadata(ctx context.Context, msg domain.InboundMessage, device domain.Device, items []domain.MetadataItem) error {
	body := map[string][]domain.MetadataItem{"metadata": items}
	return c.do(ctx, "chat_metadata", http.MethodPatch, chatPath(device, msg, "/metadata"), body, nil)
}

// AssignChat hands the chat over to a team member.
func (c *Client) AssignChat(ctx context.Context, msg domain.InboundMessage, device domain.Device, agentID string) error {
	body := map[string]string{"agent": agentID}
	if err := c.do(ctx, "assign", http.MethodPatch, chatPath(device, msg, "/owner"), body, nil); err != nil {
		return err
	}
	c.logger.Info("chat assigned", "chat", msg.Chat.ID, "agent", agentID)
	return nil
}

type typingRequest struct {
	Action   string `json:"action"`
	Duration int    `json:"duration"`
	Chat     string `json:"chat"`
}

func (c *Client) SendTyping(ctx context.Context, msg domain.InboundMessage, device domain.Device) error {
	body := typingRequest{Action: "typing", Duration: 10, Chat: msg.FromNumber}
	return c.do(ctx, "typing", http.MethodPost, "/chat/"+device.ID+"/typing", body, nil)
}

func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	var data []byte
	if err := c.do(ctx, "media", http.MethodGet, "/media/"+mediaID, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

type Webhook struct {
	ID     string   `json:"id,omitempty"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Events []string `json:"events"`
	Device string   `json:"device,omitempty"`
}

// RegisterWebhook subscribes url to inbound message events of the device.
func (c *Client) RegisterWebhook(ctx context.Context, url string, device domain.Device) (Webhook, error) {
	req := Webhook{URL: url, Name: "Chatbot", Events: []string{WebhookEvent}, Device: device.ID}
	var out Webhook
	if err := c.do(ctx, "webhook", http.MethodPost, "/webhooks", req, &out); err != nil {
		return Webhook{}, err
	}
	if out.URL == "" {
		out.URL = url
	}
	c.logger.Info("webhook registered", "url", out.URL)
	return out, nil
}
