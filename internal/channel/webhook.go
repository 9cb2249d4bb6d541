// Package channel serves the bot's HTTP surface: the platform webhook, manual
// sends, generated audio files, health and metrics.
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabot/internal/domain"
	"wabot/internal/metrics"
)

const (
	maxBodyBytes   = 1 << 20
	defaultFileTTL = time.Minute

	// InboundEvent is the only webhook event that is processed.
	InboundEvent = "message:in:new"
)

// contentTypes maps served file extensions to MIME types.
var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

// Sender delivers manual messages posted to /message.
type Sender interface {
	SendMessage(ctx context.Context, msg domain.OutboundMessage) error
}

type ServerConfig struct {
	Host        string
	Port        int
	Queue       domain.InboundQueue
	Sender      Sender
	TempPath    string
	Secret      string        // HMAC secret for X-Signature-256; empty disables the check
	MetricsPath string        // empty disables the metrics endpoint
	FileTTL     time.Duration // how long a served file is kept
	Version     string
	Logger      *slog.Logger
}

// Server is the webhook HTTP server.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *http.Server
}

// WebhookPayload is the body the platform posts to /webhook.
type WebhookPayload struct {
	ID     string                `json:"id,omitempty"`
	Event  string                `json:"event"`
	Data   domain.InboundMessage `json:"data"`
	Device *domain.Device        `json:"device,omitempty"`
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.FileTTL <= 0 {
		cfg.FileTTL = defaultFileTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the router with every endpoint mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /files/{id}", s.handleFile)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, metrics.Handler())
	}
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("http server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

type endpoint struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func (s *Server) handleIndex(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"name":        "wabot",
		"description": "WhatsApp AI chatbot for Wassenger",
		"version":     s.cfg.Version,
		"endpoints": map[string]endpoint{
			"webhook":     {Path: "/webhook", Method: "POST"},
			"sendMessage": {Path: "/message", Method: "POST"},
			"files":       {Path: "/files/{id}", Method: "GET"},
			"health":      {Path: "/health", Method: "GET"},
		},
	})
}

// handleWebhook acknowledges the delivery as soon as the event is queued.
func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "Bad request")
		return
	}

	if s.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			metrics.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
			writeError(rw, http.StatusUnauthorized, "Missing signature")
			return
		}
		if !verifyHMAC(body, s.cfg.Secret, sig) {
			metrics.WebhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
			writeError(rw, http.StatusForbidden, "Invalid signature")
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid").Inc()
		writeError(rw, http.StatusBadRequest, "Invalid JSON")
		return
	}
	s.logger.Debug("webhook received", "event", payload.Event, "chat", payload.Data.Chat.ID)

	if payload.Event != InboundEvent {
		metrics.WebhookEvents.WithLabelValues(payload.Event, "ignored").Inc()
		writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
		return
	}

	ev := domain.InboundEvent{ID: payload.ID, Message: payload.Data, ReceivedAt: time.Now()}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := s.cfg.Queue.Publish(r.Context(), ev); err != nil {
		s.logger.Error("failed to queue inbound message", "chat", payload.Data.Chat.ID, "error", err)
		metrics.WebhookEvents.WithLabelValues(payload.Event, "dropped").Inc()
		writeError(rw, http.StatusServiceUnavailable, "Queue unavailable")
		return
	}
	metrics.WebhookEvents.WithLabelValues(payload.Event, "queued").Inc()
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMessage(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var msg domain.OutboundMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(rw, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg.Phone == "" || (msg.Message == "" && msg.Media == nil) {
		writeError(rw, http.StatusBadRequest, "phone and message are required")
		return
	}
	if err := s.cfg.Sender.SendMessage(r.Context(), msg); err != nil {
		s.logger.Error("failed to send message", "phone", msg.Phone, "error", err)
		writeError(rw, http.StatusInternalServerError, "Failed to send message")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

// handleFile serves a generated file and removes it after FileTTL.
func (s *Server) handleFile(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		writeError(rw, http.StatusNotFound, "File not found")
		return
	}
	path := filepath.Join(s.cfg.TempPath, id)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(rw, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read file", "file", id, "error", err)
		writeError(rw, http.StatusInternalServerError, "Failed to download file")
		return
	}

	time.AfterFunc(s.cfg.FileTTL, func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to clean up temporary file", "file", path, "error", err)
		}
	})

	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(id))]
	if !ok {
		contentType = "application/octet-stream"
	}
	rw.Header().Set("Content-Type", contentType)
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id))
	rw.WriteHeader(http.StatusOK)
	rw.Write(data)
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
