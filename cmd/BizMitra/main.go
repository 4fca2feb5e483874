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
	"syscall"
	"time"

	"github.com/BizMitra/BizMitra/internal/api"
	"github.com/BizMitra/BizMitra/internal/calendar"
	"github.com/BizMitra/BizMitra/internal/flow"
	"github.com/BizMitra/BizMitra/internal/genai"
	"github.com/BizMitra/BizMitra/internal/lockfile"
	"github.com/BizMitra/BizMitra/internal/messaging"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/scheduler"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/BizMitra/BizMitra/internal/twiliowhatsapp"
	"github.com/BizMitra/BizMitra/internal/website"
	"github.com/BizMitra/BizMitra/internal/whatsapp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir is the default directory for BizMitra state data.
	DefaultStateDir = "/var/lib/bizmitra"
	// DefaultDBFileName is the SQLite database created in the state directory.
	DefaultDBFileName = "bizmitra.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device database in the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	pollInterval = time.Second
)

// Config holds environment configuration.
type Config struct {
	StateDir      string `env:"BIZMITRA_STATE_DIR" envDefault:"/var/lib/bizmitra"`
	DatabaseURL   string `env:"DATABASE_URL"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	AdminToken    string `env:"ADMIN_TOKEN"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"debug"`

	OpenAIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	OpenAIModel    string        `env:"OPENAI_MODEL"`
	ContinueModel  string        `env:"OPENAI_CONTINUE_MODEL"`
	SummaryModel   string        `env:"OPENAI_SUMMARY_MODEL"`
	ModelTimeout   time.Duration `env:"MODEL_TIMEOUT" envDefault:"30s"`
	MaxToolHops    int           `env:"MAX_TOOL_HOPS" envDefault:"5"`
	GenAIDebug     bool          `env:"GENAI_DEBUG"`
	WebhookWorkers int           `env:"WEBHOOK_WORKERS" envDefault:"8"`

	VerifyToken   string   `env:"VERIFY_TOKEN" envDefault:"waba_ai_verify"`
	CORSOrigins   []string `env:"CORS_ORIGINS" envSeparator:","`
	ChatRateLimit string   `env:"CHAT_RATE_LIMIT" envDefault:"30-M"`

	GoogleClientID     string `env:"GOOGLEAPI_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLEAPI_CLIENT_SECRET"`
	GoogleRedirectURI  string `env:"REDIRECT_URI"`

	MetaAppID     string `env:"META_APP_ID"`
	MetaAppSecret string `env:"META_APP_SECRET"`
	MetaGraphURL  string `env:"META_GRAPH_URL" envDefault:"https://graph.facebook.com/v18.0"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `env:"TWILIO_FROM"`

	WhatsAppLinkedBusinessID string `env:"WHATSAPP_LINKED_BUSINESS_ID"`
	WhatsAppDSN              string `env:"WHATSAPP_DB_DSN"`

	EscalationPolicy string `env:"ESCALATION_POLICY" envDefault:"task"`
}

// Flags holds command line overrides.
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
}

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	applyFlags(&config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BizMitra", "stateDir", config.StateDir, "dsnSet", config.DatabaseURL != "", "apiAddr", config.APIAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("BizMitra failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BizMitra exited successfully")
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads the .env file when present, then parses the environment.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	slog.Debug("environment variables loaded",
		"BIZMITRA_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GOOGLEAPI_CLIENT_ID_SET", config.GoogleClientID != "",
		"META_APP_ID_SET", config.MetaAppID != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WHATSAPP_LINKED_BUSINESS_ID", config.WhatsAppLinkedBusinessID,
		"ESCALATION_POLICY", config.EscalationPolicy)
	return config, nil
}

// parseCommandLineFlags parses args with environment values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:  fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:   fs.Bool("numeric-code", false, "print the numeric login code instead of a QR code"),
		stateDir:  fs.String("state-dir", config.StateDir, "state directory for BizMitra data (overrides $BIZMITRA_STATE_DIR)"),
		dbDSN:     fs.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		openaiKey: fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	slog.Debug("flags parsed", "stateDir", *flags.stateDir, "dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "", "apiAddr", *flags.apiAddr)
	return flags, nil
}

// applyFlags folds flag values into config and derives file paths from the state directory.
func applyFlags(config *Config, flags Flags) {
	config.StateDir = *flags.stateDir
	config.DatabaseURL = *flags.dbDSN
	config.OpenAIKey = *flags.openaiKey
	config.APIAddr = *flags.apiAddr
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlitePath", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// openStore opens Postgres or SQLite depending on the DSN.
func openStore(dsn string) (*store.SQLStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dbPath", dsn)
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildGenAIOptions constructs the model client options for model.
func buildGenAIOptions(config Config, model string) []genai.Option {
	var opts []genai.Option
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if model != "" {
		opts = append(opts, genai.WithModel(model))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return opts
}

// buildGatewayOptions constructs the gateway options.
func buildGatewayOptions(config Config) []genai.GatewayOption {
	var opts []genai.GatewayOption
	if config.ContinueModel != "" {
		opts = append(opts, genai.WithContinueModel(config.ContinueModel))
	}
	if config.ModelTimeout > 0 {
		opts = append(opts, genai.WithCallTimeout(config.ModelTimeout))
	}
	return opts
}

// buildOrchestratorOptions constructs the orchestrator options.
func buildOrchestratorOptions(config Config, escalator *flow.Escalator) []flow.Option {
	opts := []flow.Option{flow.WithEscalator(escalator)}
	if config.MaxToolHops > 0 {
		opts = append(opts, flow.WithMaxToolHops(config.MaxToolHops))
	}
	return opts
}

// buildCalendarOAuth constructs the Google OAuth configuration.
func buildCalendarOAuth(config Config) *calendar.OAuth {
	return calendar.NewOAuth(
		calendar.WithClientCredentials(config.GoogleClientID, config.GoogleClientSecret),
		calendar.WithRedirectURL(config.GoogleRedirectURI),
	)
}

// buildAPIOptions constructs API server options from config and the optional collaborators.
func buildAPIOptions(config Config, oauth api.CalendarAuthorizer, meta api.WhatsAppConnector, summarizer api.WebsiteSummarizer) []api.Option {
	opts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithVerifyToken(config.VerifyToken),
		api.WithChatRateLimit(config.ChatRateLimit),
	}
	if len(config.CORSOrigins) > 0 {
		opts = append(opts, api.WithCORSOrigins(config.CORSOrigins))
	}
	if config.AdminToken != "" {
		opts = append(opts, api.WithAdminToken(config.AdminToken))
	}
	if config.TwilioAuthToken != "" && config.PublicBaseURL != "" {
		opts = append(opts, api.WithTwilioSignatureValidation(config.TwilioAuthToken, config.PublicBaseURL))
	}
	if oauth != nil {
		opts = append(opts, api.WithCalendarAuthorizer(oauth))
	}
	if meta != nil {
		opts = append(opts, api.WithWhatsAppConnector(meta))
	}
	if summarizer != nil {
		opts = append(opts, api.WithSummarizer(summarizer))
	}
	return opts
}

// buildWhatsAppOptions constructs linked-device options.
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
	if flags.qrOutput != nil && *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if flags.numeric != nil && *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildSenders registers the Cloud API sender plus Twilio when configured.
func buildSenders(config Config, businesses store.BusinessRepo) (*messaging.Registry, error) {
	registry := messaging.NewRegistry()
	registry.Register(models.ChannelCloudAPI, messaging.NewCloudAPISender(businesses, messaging.WithGraphURL(config.MetaGraphURL)))
	if config.TwilioAccountSID != "" {
		tw, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		registry.Register(models.ChannelTwilio, messaging.NewTwilioSender(tw))
	}
	return registry, nil
}

// linkWhatsApp pairs the linked device and feeds its messages into the pipeline for the configured business.
func linkWhatsApp(ctx context.Context, config Config, flags Flags, st store.Store, pipeline *api.Pipeline, registry *messaging.Registry) (*whatsapp.Client, error) {
	business, err := st.GetBusiness(ctx, config.WhatsAppLinkedBusinessID)
	if err != nil {
		return nil, fmt.Errorf("linked WhatsApp business %s: %w", config.WhatsAppLinkedBusinessID, err)
	}
	wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
	if err != nil {
		return nil, err
	}
	registry.Register(models.ChannelWhatsmeow, messaging.NewWhatsAppSender(wa))
	wa.OnMessage(func(msg whatsapp.InboundMessage) {
		pipeline.Submit(ctx, business, api.InboundMessage{
			Channel:       models.ChannelWhatsmeow,
			MessageID:     msg.ID,
			From:          msg.From,
			Name:          msg.PushName,
			Text:          msg.Body,
			PhoneNumberID: business.PhoneNumberID,
		})
	})
	slog.Info("Linked WhatsApp device ready", "businessID", business.ID)
	return wa, nil
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	chatClient, err := genai.NewClient(buildGenAIOptions(config, config.OpenAIModel)...)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	gateway := genai.NewGateway(chatClient, buildGatewayOptions(config)...)

	policy, err := flow.ParseEscalationPolicy(config.EscalationPolicy)
	if err != nil {
		return err
	}
	oauth := buildCalendarOAuth(config)
	if !oauth.Configured() {
		slog.Warn("Google Calendar credentials not set; booking tools will fail until configured")
	}
	profiles := flow.NewProfileProvider(st)
	executor := flow.NewToolExecutor(st, calendar.NewGoogleProvider(oauth))
	escalator := flow.NewEscalator(policy, st, st)
	orch := flow.NewOrchestrator(st, gateway, executor, profiles, buildOrchestratorOptions(config, escalator)...)

	jobs := store.NewJobRunner(st, pollInterval)
	flow.RegisterJobHandlers(jobs, st, st)

	registry, err := buildSenders(config, st)
	if err != nil {
		return err
	}
	pipeline := api.NewPipeline(st, st, orch, config.WebhookWorkers)
	if config.WhatsAppLinkedBusinessID != "" {
		wa, err := linkWhatsApp(ctx, config, flags, st, pipeline, registry)
		if err != nil {
			return fmt.Errorf("failed to link WhatsApp device: %w", err)
		}
		defer wa.Disconnect()
	}
	dispatcher := messaging.NewDispatcher(registry, st, st)
	outbox := store.NewOutboxSender(st, dispatcher.SendFunc(), pollInterval)
	outbox.OnUndelivered(dispatcher.Undelivered)

	var meta api.WhatsAppConnector
	if config.MetaAppID != "" {
		meta = messaging.NewMetaClient(config.MetaAppID, config.MetaAppSecret, messaging.WithGraphURL(config.MetaGraphURL))
	}
	var authorizer api.CalendarAuthorizer
	if oauth.Configured() {
		authorizer = oauth
	}
	summaryClient, err := genai.NewClient(buildGenAIOptions(config, config.SummaryModel)...)
	if err != nil {
		return fmt.Errorf("failed to create summary model client: %w", err)
	}
	summarizer := website.NewSummarizer(website.NewScraper(), summaryClient)

	server, err := api.NewServer(st, pipeline, orch, profiles, buildAPIOptions(config, authorizer, meta, summarizer)...)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	maintenance := &scheduler.Maintenance{Jobs: st, Outbox: st, Dedup: st}
	if err := maintenance.Register(sched); err != nil {
		return err
	}

	if err := jobs.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}
	if err := outbox.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}
	go jobs.Run(ctx)
	go outbox.Run(ctx)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
