package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"wabot/internal/booking"
	"wabot/internal/config"
	"wabot/internal/tool"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = newLogger("info", "text")

	root := &cobra.Command{
		Use:   "wabot",
		Short: "wabot: AI customer support bot for WhatsApp",
		Long:  "wabot answers WhatsApp chats received through the Wassenger API with an OpenAI model, and hands chats over to human agents on request.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.wabot/config.yaml)")
	cobra.OnInitialize(bindEnv)

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(toolsCmd())
	root.AddCommand(bookingsCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the root logger. Unknown levels fall back to info.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// bindEnv registers every supported environment variable with viper. Flags
// bound later under the same key take precedence when set.
func bindEnv() {
	for name := range config.EnvBindings {
		_ = viper.BindEnv(name)
	}
}

func envLookup(name string) (string, bool) {
	if !viper.IsSet(name) {
		return "", false
	}
	return viper.GetString(name), true
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig returns the effective config: the file (or defaults when it does
// not exist) with environment and flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := config.ApplyOverrides(cfg, envLookup); err != nil {
		return nil, fmt.Errorf("apply overrides: %w", err)
	}
	cfg.Server.TempPath = config.ExpandPath(cfg.Server.TempPath)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Bookings.DBPath), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set API_KEY and OPENAI_API_KEY (or api.apiKey / api.openaiKey) and run 'wabot doctor'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. limits.chatHistoryLimit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. assignment.enabled false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the functions offered to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := tool.NewRegistry(logger, tool.Catalog(tool.CatalogConfig{})...)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, def := range reg.Definitions() {
				fmt.Fprintf(w, "%s\t%s\n", def.Name, def.Description)
			}
			return w.Flush()
		},
	}
}

func bookingsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "List upcoming meeting requests booked by the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Bookings.Enabled {
				return errors.New("bookings are disabled (bookings.enabled)")
			}
			loc, err := time.LoadLocation(cfg.Bookings.Timezone)
			if err != nil {
				return fmt.Errorf("bookings.timezone: %w", err)
			}

			ledger, err := booking.NewSQLiteStore(cfg.Bookings.DBPath, logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			reqs, err := ledger.ListUpcoming(cmd.Context(), time.Now(), limit)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No upcoming meetings.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMEETING\tPHONE\tCHAT\tSTATUS")
			for _, r := range reqs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.MeetingAt.In(loc).Format("2006-01-02 15:04"), r.Phone, r.ChatID, r.Status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of meetings to list")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wabot", version)
		},
	}
}
