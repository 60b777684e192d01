package sqlite

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
)

// Manager groups the storage implementations over one database connection
type Manager struct {
	db          *SQLiteDB
	Jobs        interfaces.JobStorage
	Records     interfaces.RecordStorage
	Checkpoints interfaces.CheckpointStorage
	Config      interfaces.ConfigStorage
}

// NewManager opens the database and wires all storage components
func NewManager(cfg *common.SQLiteConfig, logger arbor.ILogger) (*Manager, error) {
	db, err := NewSQLiteDB(logger, cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:          db,
		Jobs:        NewJobStorage(db, logger),
		Records:     NewRecordStorage(db, logger),
		Checkpoints: NewCheckpointStorage(db, logger),
		Config:      NewConfigStorage(db, logger),
	}, nil
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
