package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
)

// Store is the durable membership table. Errors are wrapped in StoreError.
//
// InsertMembership on an existing row resets its flags and keeps JoinedAt.
// UpdateMembership never creates a row; on a missing row it returns
// ErrMembershipNotFound. DeleteMembership on a missing row is a no-op.
type Store interface {
	InsertMembership(ctx context.Context, row domain.RoomMembership) error
	UpdateMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID, f domain.MembershipFields) error
	DeleteMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error
	ListMembership(ctx context.Context, room domain.RoomID) ([]domain.RoomMembership, error)
}

// RoomDirectory lists and creates rooms.
type RoomDirectory interface {
	ListRooms(ctx context.Context) ([]domain.Room, error)
	CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error)
}
