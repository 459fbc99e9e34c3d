// SleepPath serves the view and onboarding orchestrator over HTTP.
//
// Configuration is read from a .env file, then environment variables, then
// command-line flags, each layer overriding the previous one.
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

	"github.com/BTreeMap/SleepPath/internal/api"
	"github.com/BTreeMap/SleepPath/internal/consultant"
	"github.com/BTreeMap/SleepPath/internal/flow"
	"github.com/BTreeMap/SleepPath/internal/lockfile"
	"github.com/BTreeMap/SleepPath/internal/metrics"
	"github.com/BTreeMap/SleepPath/internal/notify"
	"github.com/BTreeMap/SleepPath/internal/store"
	"github.com/BTreeMap/SleepPath/internal/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStateDir is where the lock file and the default SQLite database live.
	DefaultStateDir = "/var/lib/sleeppath"
	// DefaultDBFileName is the SQLite file created in the state directory when no DSN is given.
	DefaultDBFileName = "sleeppath.db"
)

// Config holds all configuration loaded from environment variables and flags.
type Config struct {
	StateDir    string
	DatabaseURL string
	InMemory    bool

	APIAddr        string
	RequestTimeout time.Duration

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	WelcomeDelay   time.Duration
	AllowDashboard bool
	LoadTimeout    time.Duration
	IdleTimeout    time.Duration

	LogLevel string
}

func main() {
	// A missing .env is normal; anything else is worth a warning once logging is up.
	envErr := godotenv.Load()

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		slog.Warn("main: failed to load .env file", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		slog.Error("main: SleepPath exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("main: SleepPath stopped")
}

func initializeLogger(level string) {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: util.ParseSlogLevel(level, slog.LevelInfo),
	})
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig reads configuration from the environment, applying defaults.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:         os.Getenv("SLEEPPATH_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		InMemory:         util.ParseBoolEnv("SLEEPPATH_IN_MEMORY", false),
		APIAddr:          os.Getenv("API_ADDR"),
		RequestTimeout:   util.ParseDurationEnv("API_REQUEST_TIMEOUT", api.DefaultRequestTimeout),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		WelcomeDelay:     util.ParseDurationEnv("WELCOME_DELAY", flow.DefaultWelcomeDelay),
		AllowDashboard:   util.ParseBoolEnv("GUARD_ALLOW_DASHBOARD_BEFORE_ONBOARDING", false),
		LoadTimeout:      util.ParseDurationEnv("STORE_LOAD_TIMEOUT", flow.DefaultLoadTimeout),
		IdleTimeout:      util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", flow.DefaultIdleTimeout),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.OpenAIModel == "" {
		config.OpenAIModel = string(consultant.DefaultModel)
	}
	return config
}

// parseCommandLineFlags overrides config with any flags given in args.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "directory for the lock file and default SQLite database")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN: postgres:// URL or SQLite file path")
	fs.BoolVar(&config.InMemory, "in-memory", config.InMemory, "keep state in memory only")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "HTTP listen address")
	fs.DurationVar(&config.RequestTimeout, "request-timeout", config.RequestTimeout, "per-request timeout")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for the consultant")
	fs.StringVar(&config.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model")
	fs.DurationVar(&config.WelcomeDelay, "welcome-delay", config.WelcomeDelay, "how long the welcome screen stays up")
	fs.DurationVar(&config.IdleTimeout, "session-idle-timeout", config.IdleTimeout, "stop sessions unused for this long (0 keeps them until shutdown)")
	fs.BoolVar(&config.AllowDashboard, "allow-dashboard-before-onboarding", config.AllowDashboard, "let the dashboard show before onboarding completes")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return config, err
	}
	if config.WelcomeDelay < 0 {
		return config, fmt.Errorf("welcome-delay must not be negative, got %v", config.WelcomeDelay)
	}
	if config.IdleTimeout < 0 {
		return config, fmt.Errorf("session-idle-timeout must not be negative, got %v", config.IdleTimeout)
	}
	return config, nil
}

// resolveDSN picks the store DSN. An empty result means in-memory.
func resolveDSN(config Config) string {
	switch {
	case config.InMemory:
		return ""
	case config.DatabaseURL != "":
		return config.DatabaseURL
	default:
		return filepath.Join(config.StateDir, DefaultDBFileName)
	}
}

func buildOrchestratorOptions(config Config) []flow.Option {
	return []flow.Option{
		flow.WithWelcomeDelay(config.WelcomeDelay),
		flow.WithLoadTimeout(config.LoadTimeout),
		flow.WithGuardPolicy(flow.GuardPolicy{AllowDashboardBeforeOnboarding: config.AllowDashboard}),
	}
}

func buildConsultantOptions(config Config) []consultant.Option {
	opts := []consultant.Option{
		consultant.WithAPIKey(config.OpenAIKey),
		consultant.WithModel(config.OpenAIModel),
	}
	if config.OpenAIBaseURL != "" {
		opts = append(opts, consultant.WithBaseURL(config.OpenAIBaseURL))
	}
	return opts
}

func buildTwilioOptions(config Config) []notify.Option {
	return []notify.Option{
		notify.WithAccountSID(config.TwilioAccountSID),
		notify.WithAuthToken(config.TwilioAuthToken),
		notify.WithFromNumber(config.TwilioFromNumber),
	}
}

func twilioConfigured(config Config) bool {
	return config.TwilioAccountSID != "" && config.TwilioAuthToken != "" && config.TwilioFromNumber != ""
}

func newResponder(config Config) consultant.Responder {
	if config.OpenAIKey == "" {
		slog.Info("main: OPENAI_API_KEY not set, consultant uses canned replies")
		return consultant.NewStaticResponder()
	}
	r, err := consultant.NewOpenAIResponder(buildConsultantOptions(config)...)
	if err != nil {
		slog.Warn("main: OpenAI consultant unavailable, using canned replies", "error", err)
		return consultant.NewStaticResponder()
	}
	slog.Info("main: consultant backed by OpenAI", "model", config.OpenAIModel)
	return r
}

func run(ctx context.Context, config Config) error {
	lock, err := lockfile.Acquire(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	dsn := resolveDSN(config)
	slog.Info("main: opening store", "type", storeType(dsn))
	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("main: failed to close store", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	managerOpts := []flow.ManagerOption{
		flow.WithManagerMetrics(m),
		flow.WithOrchestratorOptions(buildOrchestratorOptions(config)...),
		flow.WithIdleTimeout(config.IdleTimeout),
	}
	var notifier *notify.PlanReadyNotifier
	if twilioConfigured(config) {
		sender, err := notify.NewTwilioSender(buildTwilioOptions(config)...)
		if err != nil {
			return fmt.Errorf("failed to configure Twilio: %w", err)
		}
		notifier = notify.NewPlanReadyNotifier(sender)
		managerOpts = append(managerOpts, flow.WithSessionHook(notifier.Watch))
		slog.Info("main: plan-ready SMS enabled", "from", config.TwilioFromNumber)
	}

	sessions := flow.NewManager(ctx, flow.NewStorePersistence(st), managerOpts...)
	srv := api.NewServer(sessions,
		api.WithAddr(config.APIAddr),
		api.WithRequestTimeout(config.RequestTimeout),
		api.WithResponder(newResponder(config)),
		api.WithGatherer(reg),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sessions.Close()
		if notifier != nil {
			notifier.Wait()
		}
		return nil
	})

	slog.Info("main: SleepPath started", "addr", config.APIAddr, "state_dir", config.StateDir)
	return g.Wait()
}

func storeType(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return store.DetectDSNType(dsn)
}
