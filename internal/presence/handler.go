package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/studycircle/voice-signaling/internal/protocol"
	"github.com/studycircle/voice-signaling/internal/registry"
)

// RoomUsersResponse is the presence query payload. It carries the same user
// shape as the relay's room_state push plus the room version, so clients can
// tell which of the two views is fresher.
type RoomUsersResponse struct {
	Users   []protocol.User `json:"users"`
	Version uint64          `json:"version"`
}

// Handler serves GET /api/rooms/:roomId/participants from the registry. An
// unknown room answers with an empty list rather than 404: callers poll this
// before joining, when the room legitimately does not exist yet.
func Handler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		snap, _ := reg.Snapshot(roomID)
		c.JSON(http.StatusOK, RoomUsersResponse{
			Users:   UsersFromSnapshot(snap),
			Version: snap.Version,
		})
	}
}

// UsersFromSnapshot converts registry members to their wire shape.
func UsersFromSnapshot(snap registry.Snapshot) []protocol.User {
	users := make([]protocol.User, len(snap.Members))
	for i, m := range snap.Members {
		users[i] = protocol.User{ParticipantID: m.ID, DisplayName: m.DisplayName}
	}
	return users
}
