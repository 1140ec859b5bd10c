package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/gocadence/internal/config"
	internal_http "github.com/ignatij/gocadence/internal/http"
	"github.com/ignatij/gocadence/internal/log"
	"github.com/ignatij/gocadence/internal/preferences"
	internal_storage "github.com/ignatij/gocadence/internal/storage"
	"github.com/ignatij/gocadence/pkg/lock"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/ignatij/gocadence/pkg/storage"
	"github.com/spf13/cobra"
)

// openStore is swapped for an in-memory store in tests.
var openStore = func(cfg *config.Config) (storage.Store, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return internal_storage.InitStore(cfg.Database.URL, cfg.BulkWorkers)
}

// app holds the services one command invocation works with.
type app struct {
	cfg           *config.Config
	store         storage.Store
	templates     *service.TemplateService
	cadences      *service.CadenceService
	tasks         *service.TaskService
	relationships *service.RelationshipService
	closers       []func() error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dbConnStr, _ := cmd.Flags().GetString("db"); dbConnStr != "" {
		cfg.Database.URL = dbConnStr
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := log.GetLogger()
	logger.Debugf("Running %s with database %q", cmd.CommandPath(), cfg.Database.URL)

	store, err := openStore(cfg)
	if err != nil {
		logger.Errorf("Failed to initialize store: %v", err)
		return nil, err
	}
	a := &app{cfg: cfg, store: store, closers: []func() error{store.Close}}

	opts := []service.Option{
		service.WithTimeline(cfg.Timeline),
		service.WithWorkerPool(service.NewWorkerPool(cfg.BulkWorkers, logger)),
	}
	if cfg.Redis.Addr != "" {
		locker := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL)
		locker.SetErrorLogger(logger.Errorf)
		opts = append(opts, service.WithLocker(locker))
		a.closers = append(a.closers, locker.Close)
		logger.Debugf("Using Redis cadence locks at %s", cfg.Redis.Addr)
	}

	a.templates = service.NewTemplateService(store, logger)
	a.cadences = service.NewCadenceService(store, logger, opts...)
	a.tasks = service.NewTaskService(store, logger, a.cadences)
	a.tasks.SetDefaultPageSize(cfg.DefaultPageSize)
	a.relationships = service.NewRelationshipService(store, logger)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.GetLogger().Errorf("Failed to close: %v", err)
		}
	}
}

func (a *app) preferences() (*preferences.Store, error) {
	return openPreferences(a.cfg)
}

func openPreferences(cfg *config.Config) (*preferences.Store, error) {
	prefs := preferences.NewStore(cfg.PreferencesPath)
	if err := prefs.Load(); err != nil {
		return nil, err
	}
	return prefs, nil
}

// withApp runs fn with a bootstrapped app and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// SetupCLI registers every gocadence command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./gocadence.yaml or $HOME/.config/gocadence/gocadence.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides config and DB_* env vars)")
	rootCmd.SilenceUsage = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				a.cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return internal_http.StartServer(ctx, a.cfg.Port, internal_http.Services{
				Templates:     a.templates,
				Cadences:      a.cadences,
				Tasks:         a.tasks,
				Relationships: a.relationships,
			})
		}),
	}
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")

	migrateCmd := &cobra.Command{
		Use:   "migrate [up|down]",
		Short: "Run database migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			return runMigrations(cmd, cfg.Database.Migrations, cfg.Database.URL, direction)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, templateCommand(), relationshipCommand(), cadenceCommand(), taskCommand(), prefsCommand())
}

func runMigrations(cmd *cobra.Command, source, connStr, direction string) error {
	m, err := migrate.New(source, connStr)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q, expected up or down", direction)
	}
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied successfully (%s)\n", direction)
	return nil
}

// Execute runs rootCmd with a background context.
func Execute(rootCmd *cobra.Command) error {
	return rootCmd.ExecuteContext(context.Background())
}
