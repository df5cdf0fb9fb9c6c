package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/db/timescale"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/logging"
	orchpkg "github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/pipeline"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/source"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/streams"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/utils"
)

// App bundles the ingestion orchestrator with its storage client and the
// optional status server.
type App struct {
	Logger       *zap.Logger
	DB           *timescale.Client
	Orchestrator *orchpkg.Orchestrator
}

// Initialize builds the application from the environment.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	db, err := timescale.New(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to TimescaleDB", zap.Error(err))
	}

	src := source.NewHypersync(source.Opts{
		Timeout: utils.EnvDuration("SOURCE_TIMEOUT", 30*time.Second),
	})

	orch := orchpkg.New(
		logger,
		src,
		timescale.NewStore(db),
		streams.MevCommit,
		utils.EnvDuration("CYCLE_INTERVAL", 30*time.Second),
	)
	orch.MaxConsecutiveFailures = utils.EnvInt("MAX_CONSECUTIVE_FAILURES", 3)
	orch.FailureDelay = utils.EnvDuration("FAILURE_DELAY", 10*time.Second)

	return &App{
		Logger:       logger,
		DB:           db,
		Orchestrator: orch,
	}
}

// Start runs the status server and the orchestrator, blocking until the
// context is canceled or the retry budget is exhausted. The storage
// connection is released before returning.
func (a *App) Start(ctx context.Context) {
	server := NewServer(a)
	if server != nil {
		go func() {
			if err := server.ListenAndServe(); err != nil {
				a.Logger.Warn("Status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	defer a.DB.Close()
	if err := a.Orchestrator.Run(ctx); err != nil {
		a.Logger.Fatal("Pipeline terminated", zap.Error(err))
	}
	a.Logger.Info("Database connection closed, goodbye")
}
