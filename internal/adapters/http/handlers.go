package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/meshvoice/internal/app/hub"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// remover is a store that reports whether a delete removed a row.
type remover interface {
	RemoveMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID) (bool, error)
}

type handlers struct {
	hub   *hub.Hub
	store core.Store
	rooms core.RoomDirectory
}

type roomView struct {
	domain.Room
	Online int `json:"online"`
}

// storeError maps a store failure to a status. Transient failures are 503
// so clients retry them.
func storeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrMembershipNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrRoomExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRoomIDEmpty), errors.Is(err, domain.ErrRoomIDLong):
		status = http.StatusBadRequest
	case core.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("store error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// roomParam validates the :room path parameter.
func roomParam(c *gin.Context) (domain.RoomID, bool) {
	room := domain.RoomID(c.Param("room"))
	if err := room.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return room, true
}

func participantParam(c *gin.Context) (domain.ParticipantID, bool) {
	id := domain.ParticipantID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func (h *handlers) listRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		storeError(c, err)
		return
	}
	online := make(map[domain.RoomID]int)
	for _, info := range h.hub.Rooms() {
		online[info.ID] = info.Members
	}
	out := make([]roomView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomView{Room: r, Online: online[r.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *handlers) createRoom(c *gin.Context) {
	var req struct {
		ID        domain.RoomID        `json:"id"`
		Name      string               `json:"name"`
		CreatedBy domain.ParticipantID `json:"created_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room"})
		return
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), domain.Room{ID: req.ID, Name: req.Name, CreatedBy: req.CreatedBy})
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *handlers) listPresence(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	presences := h.hub.Presences(room)
	if presences == nil {
		presences = []domain.PresenceRecord{}
	}
	c.JSON(http.StatusOK, presences)
}

func (h *handlers) listMembers(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	rows, err := h.store.ListMembership(c.Request.Context(), room)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *handlers) insertMember(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	var row domain.RoomMembership
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid membership"})
		return
	}
	row.RoomID = room
	if err := row.ParticipantID.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.InsertMembership(c.Request.Context(), row); err != nil {
		storeError(c, err)
		return
	}
	h.hub.NotifyMembership(room)
	c.Status(http.StatusNoContent)
}

func (h *handlers) updateMember(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	id, ok := participantParam(c)
	if !ok {
		return
	}
	var f domain.MembershipFields
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fields"})
		return
	}
	if err := h.store.UpdateMembership(c.Request.Context(), room, id, f); err != nil {
		storeError(c, err)
		return
	}
	h.hub.NotifyMembership(room)
	c.Status(http.StatusNoContent)
}

func (h *handlers) deleteMember(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	id, ok := participantParam(c)
	if !ok {
		return
	}
	removed := true
	var err error
	if r, ok := h.store.(remover); ok {
		removed, err = r.RemoveMembership(c.Request.Context(), room, id)
	} else {
		err = h.store.DeleteMembership(c.Request.Context(), room, id)
	}
	if err != nil {
		storeError(c, err)
		return
	}
	// Every client deletes a departed peer's row; only the first delete
	// changes anything.
	if removed {
		h.hub.NotifyMembership(room)
	}
	c.Status(http.StatusNoContent)
}
