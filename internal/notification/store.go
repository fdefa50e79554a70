package notification

import (
	"sync"

	"github.com/stanstork/admin-inbox/internal/models"
)

// DefaultMaxRecords bounds the inbox when no explicit limit is configured.
const DefaultMaxRecords = 1000

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

// Store is the in-memory inbox. Records are kept oldest first internally so
// Append stays O(1) amortized; every read returns them newest first.
//
// unread always equals the number of records with IsRead == false.
type Store struct {
	mu         sync.RWMutex
	records    []models.Notification
	unread     int
	maxRecords int
}

// NewStore returns an empty store keeping at most maxRecords records. Zero or
// a negative value disables eviction.
func NewStore(maxRecords int) *Store {
	if maxRecords < 0 {
		maxRecords = 0
	}
	return &Store{maxRecords: maxRecords}
}

func (s *Store) Append(rec models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if !rec.IsRead {
		s.unread++
	}
	s.evictLocked()
}

// MarkAllRead flags every record as read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for i := range s.records {
		if !s.records[i].IsRead {
			s.records[i].IsRead = true
			marked++
		}
	}
	s.unread = 0
	return marked
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Notification, len(s.records))
	for i, rec := range s.records {
		out[len(s.records)-1-i] = rec
	}
	return Snapshot{Notifications: out, UnreadCount: s.unread}
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Restore replaces the contents with records given newest first, as returned
// by the archive.
func (s *Store) Restore(records []models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make([]models.Notification, 0, len(records))
	s.unread = 0
	for i := len(records) - 1; i >= 0; i-- {
		s.records = append(s.records, records[i])
		if !records[i].IsRead {
			s.unread++
		}
	}
	s.evictLocked()
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.unread = 0
}

func (s *Store) evictLocked() {
	if s.maxRecords == 0 {
		return
	}
	for len(s.records) > s.maxRecords {
		if !s.records[0].IsRead {
			s.unread--
		}
		s.records[0] = models.Notification{}
		s.records = s.records[1:]
	}
}
