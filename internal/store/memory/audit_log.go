package memory

import (
	"context"
	"sync"
	"time"

	"herald/internal/domain"
)

// AuditLog is an in-memory implementation of store.AuditLog.
type AuditLog struct {
	mu sync.RWMutex

	// changes stores change entries by message ID, in insertion order
	changes map[int64][]*domain.MessageChange
}

// NewAuditLog creates a new in-memory audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{
		changes: make(map[int64][]*domain.MessageChange),
	}
}

// Record appends a change entry for a message.
func (l *AuditLog) Record(ctx context.Context, change *domain.MessageChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	changeCopy := *change
	if changeCopy.Date.IsZero() {
		changeCopy.Date = time.Now()
	}
	l.changes[change.MessageID] = append(l.changes[change.MessageID], &changeCopy)
	return nil
}

// ListByMessage retrieves the change history of a message.
func (l *AuditLog) ListByMessage(ctx context.Context, messageID int64) ([]*domain.MessageChange, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.changes[messageID]
	results := make([]*domain.MessageChange, 0, len(entries))
	for _, entry := range entries {
		entryCopy := *entry
		results = append(results, &entryCopy)
	}
	return results, nil
}

// Clear removes all data from the log. Useful for test cleanup.
func (l *AuditLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.changes = make(map[int64][]*domain.MessageChange)
}
