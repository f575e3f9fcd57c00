package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/artifact"
	"github.com/ternarybob/salas/internal/common"
	"github.com/ternarybob/salas/internal/handlers"
	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/jobs"
	"github.com/ternarybob/salas/internal/models"
	"github.com/ternarybob/salas/internal/services/scheduler"
	"github.com/ternarybob/salas/internal/storage"
	"github.com/ternarybob/salas/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager // nil when job history is disabled

	// Job execution
	Supervisor    *worker.Supervisor
	ArtifactStore *artifact.Store
	JobManager    *jobs.Manager

	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	ExecuteHandler   *handlers.ExecuteHandler
	ArtifactHandler  *handlers.ArtifactHandler
	JobHandler       *handlers.JobHandler
	SchedulerHandler *handlers.SchedulerHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("worker", cfg.Worker.Program).
		Str("entry_point", cfg.Worker.EntryPoint).
		Str("artifact", cfg.Artifact.Path).
		Bool("history_enabled", app.StorageManager != nil).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens job history storage (Badger) when enabled
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	if storageManager == nil {
		a.Logger.Debug().Msg("Job history disabled")
		return nil
	}

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices creates the supervisor, the job manager and the scheduler
func (a *App) initServices() error {
	a.Supervisor = worker.NewSupervisor(a.Logger)

	a.ArtifactStore = artifact.NewStore(a.Config.Artifact.Path, artifact.Options{
		DownloadName: a.Config.ArtifactDownloadName(),
		MinSize:      a.Config.Artifact.MinSize,
		RequireFresh: a.Config.Artifact.RequireFresh,
	})

	var recorder jobs.Recorder
	if a.StorageManager != nil {
		recorder = jobs.NewHistory(a.StorageManager, a.Config.Storage.Badger.MaxJobs, a.Logger)
	}

	manager, err := jobs.NewManager(a.Config, a.Supervisor, a.ArtifactStore, recorder, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}
	a.JobManager = manager

	if a.Config.Scheduler.Enabled {
		var period *models.Period
		if a.Config.Scheduler.Year > 0 && a.Config.Scheduler.Semester > 0 {
			period = &models.Period{Year: a.Config.Scheduler.Year, Semester: a.Config.Scheduler.Semester}
		}
		a.SchedulerService = scheduler.NewService(manager, period, a.Logger)
	}

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.ExecuteHandler = handlers.NewExecuteHandler(a.JobManager, a.Logger)
	a.ArtifactHandler = handlers.NewArtifactHandler(a.ArtifactStore, a.JobManager, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.StorageManager, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
}

// StartBackground starts the scheduler, if enabled
func (a *App) StartBackground() error {
	if a.SchedulerService == nil {
		return nil
	}
	return a.SchedulerService.Start(a.Config.Scheduler.Schedule)
}

// Close stops the scheduler, cancels the running job and closes storage.
// It waits up to ctx's deadline for the job to finish.
func (a *App) Close(ctx context.Context) error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.JobManager != nil && a.JobManager.CancelActive() {
		a.Logger.Info().Msg("Cancelling running job")
		a.waitForIdle(ctx)
	}

	return a.closeStorage()
}

func (a *App) waitForIdle(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, running := a.JobManager.Active(); !running {
			a.Logger.Info().Msg("Running job stopped")
			return
		}
		select {
		case <-ctx.Done():
			a.Logger.Warn().Msg("Running job did not stop within the shutdown timeout")
			return
		case <-ticker.C:
		}
	}
}

func (a *App) closeStorage() error {
	if a.StorageManager == nil {
		return nil
	}
	if err := a.StorageManager.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	a.Logger.Info().Msg("Storage closed")
	return nil
}
