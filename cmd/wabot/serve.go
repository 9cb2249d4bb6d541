package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wabot/internal/agent"
	"wabot/internal/booking"
	"wabot/internal/bus"
	"wabot/internal/channel"
	"wabot/internal/config"
	"wabot/internal/domain"
	"wabot/internal/provider"
	"wabot/internal/store"
	"wabot/internal/tool"
	"wabot/internal/wassenger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and the message worker",
		Long:  "Verifies the WhatsApp device, registers the webhook and answers inbound messages until interrupted.",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "HTTP port (env PORT)")
	cmd.Flags().String("device", "", "Wassenger device ID (env DEVICE)")
	cmd.Flags().String("webhook-url", "", "public base URL of this server (env WEBHOOK_URL)")
	_ = viper.BindPFlag("PORT", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("DEVICE", cmd.Flags().Lookup("device"))
	_ = viper.BindPFlag("WEBHOOK_URL", cmd.Flags().Lookup("webhook-url"))
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger = newLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := config.ValidateCredentials(cfg); err != nil {
		return err
	}
	publicURL := strings.TrimRight(cfg.Server.WebhookURL, "/")
	if cfg.Server.Production && publicURL == "" {
		return errors.New("server.webhookUrl (WEBHOOK_URL) is required in production mode")
	}
	if err := os.MkdirAll(cfg.Server.TempPath, 0o755); err != nil {
		return fmt.Errorf("temp path: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := store.New(store.Options{
		CacheTTL:        seconds(cfg.Cache.TTLSeconds),
		MaxTurnsPerChat: cfg.Cache.MaxTurnsPerChat,
		TurnTTL:         seconds(cfg.Cache.TurnTTLSeconds),
	})
	httpClient := provider.NewHTTPClient(seconds(cfg.API.TimeoutSeconds))

	wa := wassenger.New(wassenger.Config{
		APIKey:  cfg.API.APIKey,
		APIBase: cfg.API.APIBaseURL,
		Client:  httpClient,
		Cache:   cache,
		Logger:  logger.With("component", "wassenger"),
	})

	device, err := prepareDevice(ctx, cfg, wa)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	catalog := tool.CatalogConfig{}
	if cfg.Bookings.Enabled {
		loc, err := time.LoadLocation(cfg.Bookings.Timezone)
		if err != nil {
			queue.Close()
			return fmt.Errorf("bookings.timezone: %w", err)
		}
		ledger, err := booking.NewSQLiteStore(cfg.Bookings.DBPath, logger)
		if err != nil {
			queue.Close()
			return fmt.Errorf("booking store: %w", err)
		}
		defer ledger.Close()
		catalog.Booker = ledger
		catalog.Location = loc
	}
	tools := tool.NewRegistry(logger, tool.Catalog(catalog)...)

	llm := provider.NewOpenAIChain(provider.OpenAIConfig{
		APIKey:  cfg.API.OpenAIKey,
		APIBase: cfg.API.OpenAIBaseURL,
		Model:   cfg.API.OpenAIModel,
		Client:  httpClient,
		Logger:  logger,
	}, cfg.API.FallbackModels)

	var transcriber domain.Transcriber
	if cfg.Features.AudioInput {
		transcriber = provider.NewWhisper(provider.WhisperConfig{
			APIBase: cfg.API.OpenAIBaseURL,
			APIKey:  cfg.API.OpenAIKey,
			Model:   cfg.API.TranscriptionModel,
			Client:  httpClient,
			Logger:  logger,
		})
	}
	var speaker domain.Speaker
	if cfg.Features.AudioOutput {
		speaker = provider.NewTTS(provider.TTSConfig{
			APIBase: cfg.API.OpenAIBaseURL,
			APIKey:  cfg.API.OpenAIKey,
			Model:   cfg.API.SpeechModel,
			Voice:   cfg.Features.Voice,
			Speed:   cfg.Features.VoiceSpeed,
			Client:  httpClient,
			Logger:  logger,
		})
	}

	bot := agent.NewBot(agent.BotConfig{
		Admission: agent.NewAdmission(agent.AdmissionConfig{
			SkipLabels: cfg.Chats.SkipChatWithLabels,
			Whitelist:  cfg.Chats.NumbersWhitelist,
			Blacklist:  cfg.Chats.NumbersBlacklist,
			Logger:     logger,
		}),
		Quota: agent.NewQuotaGuard(agent.QuotaConfig{
			Store:       cache,
			Messenger:   wa,
			MaxMessages: cfg.Limits.MaxMessagesPerChat,
			Window:      seconds(cfg.Limits.CounterWindowSeconds),
			Logger:      logger,
		}),
		Context: agent.NewContextBuilder(cache, cfg.Messages.Instructions, cfg.Limits.ChatHistoryLimit),
		Orchestrator: agent.NewOrchestrator(agent.OrchestratorConfig{
			Provider:    llm,
			Tools:       tools,
			Limiter:     agent.NewRateLimiter(0, float64(cfg.API.RateLimitPerMinute)),
			MaxTokens:   cfg.Limits.MaxOutputTokens,
			Temperature: cfg.Inference.Temperature,
			Logger:      logger,
		}),
		Dispatcher: agent.NewDispatcher(agent.DispatcherConfig{
			Messenger:      wa,
			Store:          cache,
			Speaker:        speaker,
			AudioOutput:    cfg.Features.AudioOutput,
			TempPath:       cfg.Server.TempPath,
			PublicURL:      publicURL,
			UnknownCommand: cfg.Messages.UnknownCommand,
			BotLabels:      cfg.Chats.SetLabelsOnBotChats,
			BotMetadata:    metadataItems(cfg.Chats.SetMetadataOnBotChats),
			Logger:         logger,
		}),
		Assigner: agent.NewAssigner(agent.AssignerConfig{
			Messenger:         wa,
			Enabled:           cfg.Assignment.Enabled,
			OnlyOnlineMembers: cfg.Assignment.OnlyOnlineMembers,
			Whitelist:         cfg.Assignment.TeamWhitelist,
			Blacklist:         cfg.Assignment.TeamBlacklist,
			SkipRoles:         cfg.Assignment.SkipTeamRoles,
			Labels:            cfg.Assignment.SetLabelsOnUserAssignment,
			RemoveBotLabels:   cfg.Assignment.RemoveLabelsAfterAssignment,
			BotLabels:         cfg.Chats.SetLabelsOnBotChats,
			Metadata:          metadataItems(cfg.Assignment.SetMetadataOnAssignment),
			ChatAssigned:      cfg.Messages.ChatAssigned,
			Logger:            logger,
		}),
		Messenger:          wa,
		Transcriber:        transcriber,
		AudioInput:         cfg.Features.AudioInput,
		MaxInputCharacters: cfg.Limits.MaxInputCharacters,
		UnknownCommand:     cfg.Messages.UnknownCommand,
		Logger:             logger,
	})

	worker := agent.NewWorker(agent.WorkerConfig{
		Queue:       queue,
		Processor:   bot,
		Devices:     wa,
		DeviceID:    device.ID,
		Concurrency: cfg.Server.MaxConcurrentMessages,
		Logger:      logger,
	})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := channel.NewServer(channel.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Queue:       queue,
		Sender:      wa,
		TempPath:    cfg.Server.TempPath,
		Secret:      cfg.Server.WebhookSecret,
		MetricsPath: metricsPath,
		Version:     version,
		Logger:      logger,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	if publicURL != "" {
		if _, err := wa.RegisterWebhook(ctx, publicURL+"/webhook", device); err != nil {
			stop()
			<-serverErr
			queue.Close()
			<-workerDone
			return fmt.Errorf("register webhook: %w", err)
		}
	} else {
		logger.Warn("server.webhookUrl not set: register the webhook manually", "path", "/webhook")
	}

	logger.Info("wabot started. Press Ctrl+C to stop.", "device", device.ID, "phone", device.Phone)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-serverErr
	case runErr = <-serverErr:
		stop()
	}
	logger.Info("shutting down...")

	queue.Close()
	select {
	case <-workerDone:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = errors.New("shutdown timed out")
		}
	}
	return runErr
}

// prepareDevice loads and verifies the device, warms the team cache and
// creates the labels the bot sets on chats.
func prepareDevice(ctx context.Context, cfg *config.Config, wa *wassenger.Client) (domain.Device, error) {
	device, err := wa.LoadDevice(ctx, cfg.Server.Device)
	if err != nil {
		return domain.Device{}, fmt.Errorf("load device: %w", err)
	}
	if err := wassenger.VerifyDevice(device); err != nil {
		return domain.Device{}, err
	}
	logger.Info("device ready", "id", device.ID, "alias", device.Alias, "phone", device.Phone)

	if _, err := wa.PullMembers(ctx, device); err != nil {
		logger.Warn("failed to load team members", "error", err)
	}

	var labels []string
	labels = append(labels, cfg.Chats.SetLabelsOnBotChats...)
	labels = append(labels, cfg.Assignment.SetLabelsOnUserAssignment...)
	if err := wa.CreateLabels(ctx, device, labels); err != nil {
		logger.Warn("failed to create chat labels", "error", err)
	}
	return device, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (domain.InboundQueue, error) {
	switch cfg.Queue.Driver {
	case "amqp":
		q, err := bus.NewAMQP(ctx, bus.AMQPConfig{
			URL:      cfg.Queue.AMQPURL,
			Queue:    cfg.Queue.QueueName,
			Prefetch: cfg.Queue.Prefetch,
			Buffer:   cfg.Queue.BufferSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("amqp queue: %w", err)
		}
		return q, nil
	default:
		return bus.NewMemory(cfg.Queue.BufferSize, logger), nil
	}
}

func metadataItems(in []config.MetadataConfig) []domain.MetadataItem {
	out := make([]domain.MetadataItem, 0, len(in))
	for _, m := range in {
		out = append(out, domain.MetadataItem{Key: m.Key, Value: m.Value})
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
