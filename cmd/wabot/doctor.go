package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wabot/internal/config"
	"wabot/internal/provider"
	"wabot/internal/store"
	"wabot/internal/wassenger"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wabot installation",
		Long: `Verifies that wabot's configuration, credentials, WhatsApp device,
database and temp directory are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("wabot doctor v%s\n%s\n\n", version, rule)
			r := &report{}
			runChecks(cmd.Context(), r, offline)
			return r.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the Wassenger API")
	return cmd
}

func runChecks(ctx context.Context, r *report, offline bool) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err != nil {
		r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
	} else {
		r.pass("Config file", cfgPath)
	}

	cfg, err := loadConfig()
	if !r.check("Config validation", "valid", err) {
		return
	}
	credentialsOK := r.check("Credentials", "API keys present", config.ValidateCredentials(cfg))
	r.check("Temp path", cfg.Server.TempPath, checkWritableDir(cfg.Server.TempPath))

	if cfg.Bookings.Enabled {
		r.check("Bookings database", cfg.Bookings.DBPath, checkDatabase(cfg.Bookings.DBPath))
	} else {
		r.warn("Bookings database", "disabled: meeting requests are not recorded")
	}

	if err := checkPort(cfg.Server.Port); err != nil {
		r.warn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
	} else {
		r.pass("HTTP port", fmt.Sprintf(":%d available", cfg.Server.Port))
	}

	switch {
	case cfg.Server.WebhookURL != "":
		r.pass("Webhook URL", cfg.Server.WebhookURL)
	case cfg.Server.Production:
		r.fail("Webhook URL", "required in production mode")
	default:
		r.warn("Webhook URL", "not set: the webhook must be registered manually")
	}

	if cfg.Queue.Driver == "amqp" {
		r.pass("Queue", "amqp "+cfg.Queue.QueueName)
	} else {
		r.pass("Queue", fmt.Sprintf("memory (buffer %d)", cfg.Queue.BufferSize))
	}

	switch {
	case offline:
		r.warn("WhatsApp device", "skipped (--offline)")
	case !credentialsOK:
		r.warn("WhatsApp device", "skipped: invalid credentials")
	default:
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		wa := wassenger.New(wassenger.Config{
			APIKey:  cfg.API.APIKey,
			APIBase: cfg.API.APIBaseURL,
			Client:  provider.NewHTTPClient(15 * time.Second),
			Cache:   store.New(store.Options{}),
			Logger:  logger,
		})
		device, err := wa.LoadDevice(ctx, cfg.Server.Device)
		if err == nil {
			err = wassenger.VerifyDevice(device)
		}
		r.check("WhatsApp device", fmt.Sprintf("%s (%s) online", device.Alias, device.Phone), err)
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A throwaway table proves the file is writable, not just readable.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS doctor_probe (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("%s is not writable: %w", dbPath, err)
	}
	_, err = db.ExecContext(ctx, "DROP TABLE doctor_probe")
	return err
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// report prints check outcomes as they happen and tallies them.
type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

// check records err as a failure of check, or detail as a pass.
func (r *report) check(check, detail string, err error) bool {
	if err != nil {
		r.fail(check, err.Error())
		return false
	}
	r.pass(check, detail)
	return true
}

func (r *report) summary() error {
	fmt.Printf("\n%s\nResults: %d passed, %d warnings, %d failed\n", rule, r.passed, r.warned, r.failed)
	switch {
	case r.failed > 0:
		fmt.Println("\nPlease fix the failed checks before running 'wabot serve'.")
		return fmt.Errorf("%d check(s) failed", r.failed)
	case r.warned > 0:
		fmt.Println("\nwabot should work but consider fixing the warnings.")
	default:
		fmt.Println("\nAll checks passed! wabot is ready to run.")
	}
	return nil
}
