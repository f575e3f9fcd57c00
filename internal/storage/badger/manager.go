package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/common"
	"github.com/ternarybob/salas/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	job    interfaces.JobStorage
	jobLog interfaces.JobLogStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		jobLog: NewJobLogStorage(db, logger),
		logger: logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the job record storage
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// JobLogStorage returns the job log storage
func (m *Manager) JobLogStorage() interfaces.JobLogStorage {
	return m.jobLog
}

// Close closes the database
func (m *Manager) Close() error {
	return m.db.Close()
}
