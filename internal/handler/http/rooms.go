// Package http serves the diagnostic polling surface. Every read endpoint is
// safe to hit while rooms churn: a room that just emptied yields an empty
// result, never a 404.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/monitor"
	"collaborative-diagram/internal/registry"
	"collaborative-diagram/internal/repository"
)

// ServerBroadcaster injects a server-originated event into a room. The hub
// satisfies this.
type ServerBroadcaster interface {
	BroadcastServer(room, event string, data json.RawMessage)
}

// DiagnosticHandler serves the room inspection and broadcast endpoints.
type DiagnosticHandler struct {
	registry     *registry.RoomRegistry
	broadcaster  ServerBroadcaster
	activityRepo repository.ActivityRepository // nil when no archive database
	monitor      *monitor.Monitor              // nil when monitors are disabled
}

func NewDiagnosticHandler(reg *registry.RoomRegistry, broadcaster ServerBroadcaster, activityRepo repository.ActivityRepository, mon *monitor.Monitor) *DiagnosticHandler {
	if reg == nil {
		panic("RoomRegistry cannot be nil for DiagnosticHandler")
	}
	if broadcaster == nil {
		panic("ServerBroadcaster cannot be nil for DiagnosticHandler")
	}
	return &DiagnosticHandler{registry: reg, broadcaster: broadcaster, activityRepo: activityRepo, monitor: mon}
}

// ListRooms handles GET /rooms.
func (h *DiagnosticHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.ListRooms()
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": rooms, "total": len(rooms)})
}

// RoomUsers handles GET /rooms/:room_id/users.
func (h *DiagnosticHandler) RoomUsers(c *gin.Context) {
	roomID := c.Param("room_id")
	users := h.registry.GetRoomUsers(roomID)
	SuccessResponse(c, http.StatusOK, gin.H{"room": roomID, "users": users, "count": len(users)})
}

// RoomActivity handles GET /rooms/:room_id/activity. The in-memory feed is
// authoritative for live rooms; the archive backs it for rooms already
// evicted, when an archive database is configured.
func (h *DiagnosticHandler) RoomActivity(c *gin.Context) {
	roomID := c.Param("room_id")
	events := h.registry.Activity(roomID)
	if len(events) == 0 && h.activityRepo != nil {
		records, err := h.activityRepo.ListByRoom(c.Request.Context(), roomID, 0)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Activity archive lookup failed")
		} else {
			for _, rec := range records {
				events = append(events, rec.Event())
			}
		}
	}
	SuccessResponse(c, http.StatusOK, gin.H{"room": roomID, "events": events, "count": len(events)})
}

// ConnectionQuality handles GET /rooms/:room_id/connection-quality.
func (h *DiagnosticHandler) ConnectionQuality(c *gin.Context) {
	roomID := c.Param("room_id")
	users := h.registry.ConnectionQuality(roomID)
	SuccessResponse(c, http.StatusOK, gin.H{"room": roomID, "users": users, "count": len(users)})
}

// UndoRedoStacks handles GET /undo-redo/stacks/:room_id/:user_id. Missing
// rooms or users report empty stacks.
func (h *DiagnosticHandler) UndoRedoStacks(c *gin.Context) {
	info := h.registry.Stacks(c.Param("room_id"), c.Param("user_id"))
	SuccessResponse(c, http.StatusOK, info)
}

// BroadcastRequest is the body of POST /broadcast/:room_id.
type BroadcastRequest struct {
	Type string          `json:"type" binding:"required"`
	Data json.RawMessage `json:"data"`
}

// Broadcast handles POST /broadcast/:room_id, pushing a server-originated
// event to every member of the room.
func (h *DiagnosticHandler) Broadcast(c *gin.Context) {
	roomID := c.Param("room_id")
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.Broadcast: invalid input")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: type is required")
		return
	}

	h.broadcaster.BroadcastServer(roomID, req.Type, req.Data)
	logrus.WithFields(logrus.Fields{"room_id": roomID, "event": req.Type}).Info("Server broadcast dispatched")
	SuccessResponse(c, http.StatusOK, gin.H{
		"success": true,
		"room":    roomID,
		"message": "Broadcast dispatched",
	})
}

// MonitorStatus handles GET /monitors, reporting each background task's
// cadence and last run.
func (h *DiagnosticHandler) MonitorStatus(c *gin.Context) {
	if h.monitor == nil {
		SuccessResponse(c, http.StatusOK, gin.H{"tasks": []monitor.TaskStatus{}})
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"tasks": h.monitor.Status()})
}
