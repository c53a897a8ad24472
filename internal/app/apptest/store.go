package apptest

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
)

type UpdateCall struct {
	Room   domain.RoomID
	ID     domain.ParticipantID
	Fields domain.MembershipFields
}

// MemoryStore is a core.Store with per-operation fault injection.
type MemoryStore struct {
	mu       sync.Mutex
	rows     map[domain.RoomID]map[domain.ParticipantID]domain.RoomMembership
	failures map[string][]error
	calls    map[string]int
	updates  []UpdateCall
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[domain.RoomID]map[domain.ParticipantID]domain.RoomMembership),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next call of op fail with err.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Put writes row as is, bypassing fault injection.
func (s *MemoryStore) Put(row domain.RoomMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomLocked(row.RoomID)[row.ParticipantID] = row
}

func (s *MemoryStore) InsertMembership(_ context.Context, row domain.RoomMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpInsert); err != nil {
		return err
	}
	rows := s.roomLocked(row.RoomID)
	if old, ok := rows[row.ParticipantID]; ok {
		row.JoinedAt = old.JoinedAt
	}
	rows[row.ParticipantID] = row
	return nil
}

func (s *MemoryStore) UpdateMembership(_ context.Context, room domain.RoomID, id domain.ParticipantID, f domain.MembershipFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpUpdate); err != nil {
		return err
	}
	s.updates = append(s.updates, UpdateCall{Room: room, ID: id, Fields: f})
	rows := s.roomLocked(room)
	row, ok := rows[id]
	if !ok {
		return core.Permanent(OpUpdate, core.ErrMembershipNotFound)
	}
	f.Apply(&row)
	rows[id] = row
	return nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, room domain.RoomID, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpDelete); err != nil {
		return err
	}
	delete(s.roomLocked(room), id)
	return nil
}

func (s *MemoryStore) ListMembership(_ context.Context, room domain.RoomID) ([]domain.RoomMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpList); err != nil {
		return nil, err
	}
	return s.sortedLocked(room), nil
}

// Rows returns the rows of room without counting a call.
func (s *MemoryStore) Rows(room domain.RoomID) []domain.RoomMembership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(room)
}

func (s *MemoryStore) Row(room domain.RoomID, id domain.ParticipantID) (domain.RoomMembership, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[room][id]
	return row, ok
}

func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SpeakingWrites counts updates that carried the speaking flag for id.
func (s *MemoryStore) SpeakingWrites(id domain.ParticipantID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.ID == id && u.Fields.IsSpeaking != nil {
			n++
		}
	}
	return n
}

func (s *MemoryStore) enterLocked(op string) error {
	s.calls[op]++
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *MemoryStore) roomLocked(room domain.RoomID) map[domain.ParticipantID]domain.RoomMembership {
	rows := s.rows[room]
	if rows == nil {
		rows = make(map[domain.ParticipantID]domain.RoomMembership)
		s.rows[room] = rows
	}
	return rows
}

func (s *MemoryStore) sortedLocked(room domain.RoomID) []domain.RoomMembership {
	out := make([]domain.RoomMembership, 0, len(s.rows[room]))
	for _, row := range s.rows[room] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}
