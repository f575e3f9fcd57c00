package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/models"
)

// JobLogStorage stores job log lines directly in Badger.
// Key format: joblog:{jobID}:{seq as 8 big-endian bytes}, so a prefix scan
// returns a job's lines in sequence order.
type JobLogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobLogStorage creates a new JobLogStorage instance
func NewJobLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobLogStorage {
	return &JobLogStorage{
		db:     db,
		logger: logger,
	}
}

func logPrefix(jobID string) []byte {
	return []byte("joblog:" + jobID + ":")
}

func logKey(jobID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(logPrefix(jobID), seq)
}

func (s *JobLogStorage) AppendLog(ctx context.Context, line models.LogLine) error {
	if line.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal log line: %w", err)
	}

	return s.db.DB().Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(line.JobID, line.Seq), data)
	})
}

func (s *JobLogStorage) GetLogs(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]models.LogLine, error) {
	var lines []models.LogLine

	err := s.db.DB().View(func(txn *badger.Txn) error {
		prefix := logPrefix(jobID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(logKey(jobID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var line models.LogLine
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &line)
			}); err != nil {
				return err
			}
			lines = append(lines, line)

			if limit > 0 && len(lines) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	return lines, nil
}

func (s *JobLogStorage) CountLogs(ctx context.Context, jobID string) (int, error) {
	count := 0
	err := s.db.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := logPrefix(jobID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return count, nil
}

func (s *JobLogStorage) DeleteLogs(ctx context.Context, jobID string) error {
	var keys [][]byte
	err := s.db.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := logPrefix(jobID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan logs: %w", err)
	}

	wb := s.db.DB().NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete logs: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	return nil
}
