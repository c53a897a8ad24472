package domain

import (
	"errors"
	"time"
)

var (
	ErrRoomIDEmpty = errors.New("room id empty")
	ErrRoomIDLong  = errors.New("room id too long")
)

type RoomID string

func (id RoomID) Validate() error {
	if id == "" {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDLong
	}
	return nil
}

type Room struct {
	ID        RoomID        `json:"id"`
	Name      string        `json:"name"`
	CreatedBy ParticipantID `json:"created_by,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
