package commands

import (
	"database/sql"

	"github.com/evidentia/evidentia/config"
	"github.com/evidentia/evidentia/db"
	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/gold"
	"github.com/evidentia/evidentia/lineage"
	"github.com/evidentia/evidentia/logger"
	"github.com/evidentia/evidentia/pipeline"
	"github.com/evidentia/evidentia/quality"
	"github.com/evidentia/evidentia/rawstore"
	"github.com/evidentia/evidentia/silver"
	"github.com/evidentia/evidentia/transform"
)

// environment is the wired-up engine every command runs against.
type environment struct {
	cfg          *config.Config
	db           *sql.DB
	raw          *rawstore.Store
	silver       *silver.Store
	gold         *gold.Engine
	engine       *transform.Engine
	resolver     *lineage.Resolver
	runs         *pipeline.RunStore
	orchestrator *pipeline.Orchestrator
}

// openEnvironment loads configuration, opens and migrates the database, and
// wires the engine components.
func openEnvironment() (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}

	raw, err := rawstore.NewStore(database, cfg.RawStore.Root, logger.Logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	thresholds, err := quality.LoadThresholds(quality.Thresholds{
		MaxAmountCents:  cfg.Quality.MaxAmountCents,
		DateWindowYears: cfg.Quality.DateWindowYears,
	}, cfg.Quality.RulesFile)
	if err != nil {
		database.Close()
		return nil, err
	}

	silverStore := silver.NewStore(database, logger.Logger)
	gate := quality.NewGate(thresholds, silverStore, logger.Logger)
	engine := transform.NewEngine(database, raw, silverStore, gate, logger.Logger)
	goldEngine := gold.NewEngine(database, logger.Logger)
	runStore := pipeline.NewRunStore(database)
	tracker := pipeline.NewTracker(runStore, logger.Logger)

	return &environment{
		cfg:      cfg,
		db:       database,
		raw:      raw,
		silver:   silverStore,
		gold:     goldEngine,
		engine:   engine,
		resolver: lineage.NewResolver(database, raw, silverStore, logger.Logger),
		runs:     runStore,
		orchestrator: pipeline.NewOrchestrator(database, tracker, engine, goldEngine,
			cfg.Pipeline.BatchSize, logger.Logger),
	}, nil
}

func (e *environment) Close() {
	e.db.Close()
}
