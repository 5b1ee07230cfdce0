package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/RepairPipe/internal/api"
	"github.com/BTreeMap/RepairPipe/internal/detect"
	"github.com/BTreeMap/RepairPipe/internal/genai"
	"github.com/BTreeMap/RepairPipe/internal/guard"
	"github.com/BTreeMap/RepairPipe/internal/intent"
	"github.com/BTreeMap/RepairPipe/internal/lockfile"
	"github.com/BTreeMap/RepairPipe/internal/messaging"
	"github.com/BTreeMap/RepairPipe/internal/orchestrator"
	"github.com/BTreeMap/RepairPipe/internal/router"
	"github.com/BTreeMap/RepairPipe/internal/session"
	"github.com/BTreeMap/RepairPipe/internal/store"
	"github.com/BTreeMap/RepairPipe/internal/tools"
	"github.com/BTreeMap/RepairPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RepairPipe/internal/util"
	"github.com/BTreeMap/RepairPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RepairPipe state data
	DefaultStateDir = "/var/lib/repairpipe"
	// DefaultWhatsAppDBFileName is the whatsmeow device database inside the state directory
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultChannel is used when MESSAGING_CHANNEL is unset
	DefaultChannel = "whatsapp"
)

func main() {
	initializeLogger(os.Getenv("REPAIRPIPE_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RepairPipe", "channel", *flags.channel, "state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("RepairPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RepairPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	DatabaseURL         string
	WhatsAppDSN         string
	OpenAIKey           string
	OpenAIModel         string
	APIAddr             string
	Channel             string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioWebhookURL    string
	BackendPrimaryURL   string
	BackendFallbackURL  string
	BackendRateLimit    float64
	PricingTableFile    string
	ReengagementEnabled bool
	ReengagementGap     time.Duration
	BookingVerifyWindow time.Duration
	PhoneSuffixMatch    int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	channel   *string
}

// initializeLogger sets up structured logging; the level defaults to debug.
func initializeLogger(level string) {
	lvl := slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            os.Getenv("REPAIRPIPE_STATE_DIR"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		WhatsAppDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         os.Getenv("OPENAI_MODEL"),
		APIAddr:             os.Getenv("API_ADDR"),
		Channel:             strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_CHANNEL"))),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		BackendPrimaryURL:   os.Getenv("BACKEND_PRIMARY_URL"),
		BackendFallbackURL:  os.Getenv("BACKEND_FALLBACK_URL"),
		PricingTableFile:    os.Getenv("PRICING_TABLE_FILE"),
		ReengagementEnabled: util.ParseBoolEnv("REENGAGEMENT_ENABLED", false),
		ReengagementGap:     util.ParseDurationEnv("REENGAGEMENT_GAP", detect.DefaultReengagementGap),
		BookingVerifyWindow: util.ParseDurationEnv("BOOKING_VERIFY_WINDOW", tools.DefaultVerifyWindow),
		PhoneSuffixMatch:    util.ParseIntEnv("PHONE_SUFFIX_MATCH", 0),
	}
	if v := strings.TrimSpace(os.Getenv("BACKEND_RATE_LIMIT")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			config.BackendRateLimit = f
		} else {
			slog.Warn("invalid BACKEND_RATE_LIMIT, ignoring", "value", v)
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPAIRPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = whatsAppDSNFor(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"REPAIRPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MESSAGING_CHANNEL", config.Channel,
		"BACKEND_PRIMARY_URL", config.BackendPrimaryURL,
		"BACKEND_FALLBACK_URL", config.BackendFallbackURL,
		"REENGAGEMENT_ENABLED", config.ReengagementEnabled,
		"PHONE_SUFFIX_MATCH", config.PhoneSuffixMatch)
	return config
}

func whatsAppDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for RepairPipe data (overrides $REPAIRPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:   flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $MESSAGING_CHANNEL)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel)
	return flags
}

// openStore picks the store backend from the DSN; no DSN means in-memory.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store; sessions are lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildGenAIOptions constructs classifier client options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	return opts
}

// buildToolsOptions constructs backend client options
func buildToolsOptions(config Config) ([]tools.Option, error) {
	opts := []tools.Option{
		tools.WithPrimaryHost(config.BackendPrimaryURL),
		tools.WithVerifyWindow(config.BookingVerifyWindow),
	}
	if config.BackendFallbackURL != "" {
		opts = append(opts, tools.WithFallbackHost(config.BackendFallbackURL))
	}
	if config.PhoneSuffixMatch > 0 {
		slog.Warn("Trailing-digit phone matching enabled for booking verification", "digits", config.PhoneSuffixMatch)
		opts = append(opts, tools.WithSuffixMatch(config.PhoneSuffixMatch))
	}
	if config.BackendRateLimit > 0 {
		opts = append(opts, tools.WithRateLimit(config.BackendRateLimit))
	}
	if config.PricingTableFile != "" {
		table, err := tools.LoadPricingTable(config.PricingTableFile)
		if err != nil {
			return nil, fmt.Errorf("load pricing table: %w", err)
		}
		opts = append(opts, tools.WithPricingTable(table))
	}
	return opts, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	dsn := config.WhatsAppDSN
	if *flags.stateDir != config.StateDir && dsn == whatsAppDSNFor(config.StateDir) {
		dsn = whatsAppDSNFor(*flags.stateDir)
	}
	opts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
	}
}

// openChannel connects the configured messaging channel. The returned
// release function frees channel resources after the service is stopped.
func openChannel(ctx context.Context, config Config, flags Flags) (messaging.Service, []api.Option, func(), error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		var svcOpts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			svcOpts = append(svcOpts, messaging.WithSignatureValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(client, svcOpts...)
		return svc, []api.Option{api.WithTwilioWebhook(svc.WebhookHandler)}, func() {}, nil
	case "whatsapp":
		lock, err := lockfile.Acquire(*flags.stateDir)
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			lock.Release()
			return nil, nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		release := func() {
			client.Disconnect()
			lock.Release()
		}
		return messaging.NewWhatsAppService(client), nil, release, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown messaging channel %q", *flags.channel)
	}
}

func run(ctx context.Context, config Config, flags Flags) error {
	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var llm intent.Completer
	gaClient, err := genai.NewClient(buildGenAIOptions(config, flags)...)
	switch {
	case err == nil:
		llm = gaClient
	case errors.Is(err, genai.ErrNoAPIKey):
		slog.Warn("OPENAI_API_KEY not set, running with deterministic routing only")
	default:
		return fmt.Errorf("genai client: %w", err)
	}

	toolsOpts, err := buildToolsOptions(config)
	if err != nil {
		return err
	}
	if config.BackendPrimaryURL == "" {
		slog.Warn("BACKEND_PRIMARY_URL not set, quotes use the offline pricing table and booking is unavailable")
	}

	svc, apiOpts, release, err := openChannel(ctx, config, flags)
	if err != nil {
		return err
	}
	defer release()

	sessions := session.NewManager(st)
	orch := orchestrator.New(
		sessions,
		intent.NewBoundary(llm, intent.WithAudit(st)),
		router.New(tools.NewClient(st, toolsOpts...)),
		svc,
		orchestrator.WithInboundGuard(guard.NewInboundGuard(guard.WithRecorder(st))),
		orchestrator.WithOutboundGuard(guard.NewOutboundGuard(guard.WithLedger(st))),
		orchestrator.WithDetector(detect.New(detect.WithReengagement(config.ReengagementEnabled, config.ReengagementGap))),
	)
	server := api.NewServer(sessions, apiOpts...)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx, svc.Inbound()) })
	g.Go(func() error { return server.Run(gctx, *flags.apiAddr) })
	g.Go(func() error {
		for r := range svc.Receipts() {
			slog.Debug("receipt", "to", r.To, "status", r.Status)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return svc.Stop()
	})
	return g.Wait()
}
