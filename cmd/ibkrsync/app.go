package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/auth"
	"github.com/rickgao/ibkr-data/internal/config"
	"github.com/rickgao/ibkr-data/internal/database"
	"github.com/rickgao/ibkr-data/internal/logging"
	"github.com/rickgao/ibkr-data/internal/money"
	"github.com/rickgao/ibkr-data/internal/normalize"
	"github.com/rickgao/ibkr-data/internal/orchestrator"
	"github.com/rickgao/ibkr-data/internal/storage/sqlstore"
	"github.com/rickgao/ibkr-data/internal/validate"
	"github.com/rickgao/ibkr-data/internal/version"
)

// app holds what every command needs. The CLI is short lived, so it is
// built once per invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
	store   *sqlstore.Store
	orch    *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(*configPath)
}

// openApp loads config, opens storage and wires the orchestrator.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logFile, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, logFile: logFile}

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.orch, err = newOrchestrator(cfg, a.store, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := cfg.Storage.Postgres
		logger.Info("connecting to database", "host", pg.Host, "port", pg.Port, "database", pg.Name)
		pool, err := database.Connect(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st, err := sqlstore.OpenPostgres(ctx, pool, sqlstore.WithLogger(logger))
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		logger.Debug("opening sqlite", "path", cfg.Storage.SQLitePath)
		return sqlstore.OpenSQLite(ctx, cfg.Storage.SQLitePath, sqlstore.WithLogger(logger))
	}
}

func newOrchestrator(cfg *config.Config, store *sqlstore.Store, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	conv, err := money.NewConverter(cfg.Sync.SupportedCurrency)
	if err != nil {
		return nil, err
	}
	vc, err := cfg.ValidatorConfig()
	if err != nil {
		return nil, err
	}
	endpoints, err := cfg.API.EndpointMap()
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetryPolicy(cfg.API.RetryPolicy()),
		api.WithPageSize(cfg.API.PageSize),
		api.WithInsecureSkipVerify(cfg.API.InsecureSkipVerify),
		api.WithLogger(logger),
	)

	oc := orchestrator.DefaultConfig()
	oc.Endpoints = endpoints
	oc.Currency = conv.Currency()
	oc.Overlap = cfg.Sync.Overlap()
	oc.Concurrency = cfg.Sync.Concurrency
	oc.Lookbacks.Executions = cfg.Sync.ExecutionsLookback
	oc.Lookbacks.CashTransactions = cfg.Sync.CashTransactionsLookback

	return orchestrator.New(orchestrator.Deps{
		Fetcher:    client,
		Sessions:   auth.NewProvider(cfg.Session.Cookie, cfg.Session.CookieFile, cfg.Session.CSRFToken),
		Store:      store,
		Normalizer: normalize.New(conv),
		Validator:  validate.New(vc),
		Logger:     logger,
	}, oc)
}

// Close releases storage and the log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "err", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// withApp runs fn with an opened app and maps errors to exit codes.
func withApp(ctx context.Context, fn func(*app) error) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()
	if err := fn(a); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type versionCmd struct{}

func (*versionCmd) Name() string           { return "version" }
func (*versionCmd) Synopsis() string       { return "print build information" }
func (*versionCmd) Usage() string          { return "ibkrsync version\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}
func (*versionCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	fmt.Println(version.String())
	return subcommands.ExitSuccess
}
