package commands

import (
	"database/sql"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse"
	"github.com/teranos/cadence/pulse/jobs"
)

var (
	configPath string
	dbPath     string
)

// BindGlobalFlags adds the flags every command shares
func BindGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: the am.toml cascade)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides database.path)")
}

// JSONLogsConfigured reports log.json from the loaded configuration.
// Load errors are left for the command itself to report.
func JSONLogsConfigured() bool {
	cfg, err := loadConfig()
	return err == nil && cfg.Log.JSON
}

// Hint joins the user-facing hints attached to err
func Hint(err error) string {
	return strings.Join(errors.GetAllHints(err), "\n")
}

func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if configPath != "" {
		cfg, err = am.LoadFromFile(configPath)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

func databasePath(cfg *am.Config) string {
	if dbPath != "" {
		return dbPath
	}
	return cfg.GetDatabasePath()
}

// openDatabase opens the configured database and applies pending migrations
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := databasePath(cfg)
	opts := db.Options{
		BusyTimeoutMS:      cfg.Database.BusyTimeoutMs,
		MaxOpenConnections: cfg.Database.MaxOpenConnections,
	}
	database, err := db.OpenWithMigrationsOptions(path, opts, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// session bundles what most commands need: config, database and a
// processor with the built-in jobs registered
type session struct {
	cfg       *am.Config
	db        *sql.DB
	processor *pulse.Processor
}

func openSession(opts ...pulse.Option) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openSessionWith(cfg, opts...)
}

func openSessionWith(cfg *am.Config, opts ...pulse.Option) (*session, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	processor, err := pulse.NewProcessor(database, cfg, logger.Logger, opts...)
	if err != nil {
		database.Close()
		return nil, errors.WithHint(err, "check the [pulse] section with 'cadence am validate'")
	}
	client := httpclient.New(httpclient.Options{
		Timeout:      cfg.Jobs.HTTPTimeout(),
		AllowPrivate: cfg.Jobs.HTTPAllowPrivate,
	})
	if err := jobs.Register(processor.Registry(), jobs.WithHTTPClient(client)); err != nil {
		database.Close()
		return nil, err
	}
	return &session{cfg: cfg, db: database, processor: processor}, nil
}

func (s *session) Close() error {
	return s.db.Close()
}
