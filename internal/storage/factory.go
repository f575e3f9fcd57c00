package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/common"
	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/storage/badger"
)

// NewStorageManager opens job history storage, or returns nil when it is disabled
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	if !config.Storage.Badger.Enabled {
		return nil, nil
	}
	if config.Storage.Badger.Path == "" {
		return nil, fmt.Errorf("storage.badger.path is required when job history is enabled")
	}
	return badger.NewManager(logger, &config.Storage.Badger)
}
