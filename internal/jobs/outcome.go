package jobs

import (
	"sync/atomic"

	"github.com/ternarybob/salas/internal/models"
)

// OutcomeSlot holds the terminal result of a job. The first write wins;
// later writes are ignored.
type OutcomeSlot struct {
	v atomic.Pointer[models.ResultEvent]
}

// TrySet stores r if the slot is empty and reports whether it did
func (s *OutcomeSlot) TrySet(r models.ResultEvent) bool {
	return s.v.CompareAndSwap(nil, &r)
}

// Load returns the stored result, or nil when none was written yet
func (s *OutcomeSlot) Load() *models.ResultEvent {
	return s.v.Load()
}
