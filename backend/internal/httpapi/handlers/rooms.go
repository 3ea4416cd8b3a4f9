package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"noteCollab/backend/internal/auth"
	"noteCollab/backend/internal/httpapi/middleware"
	"noteCollab/backend/internal/room"
)

type RoomHandler struct {
	registry *room.Registry
	wsPath   string // 例如 "/collab/ws"
}

func NewRoomHandler(registry *room.Registry, wsPath string) *RoomHandler {
	return &RoomHandler{registry: registry, wsPath: wsPath}
}

type joinRoomReq struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	FileID      string `json:"fileId" binding:"required"`
}

// JoinRoom 是协作握手：POST /collab/rooms {workspaceId, fileId}
// 返回 {roomId, wsUrl, joinToken, expiresAt}。
// 同一文档已有未过期房间就直接复用，没有就新建。
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity context missing"})
		return
	}

	var req joinRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rm, err := h.registry.CreateOrGetRoom(c.Request.Context(),
		room.Ref{WorkspaceID: req.WorkspaceID, FileID: req.FileID}, identity.SubjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	joinToken, err := auth.SignJoinToken(identity, rm.ID, rm.ExpiresAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign join token failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":    rm.ID,
		"wsUrl":     h.wsPath + "?token=" + joinToken,
		"joinToken": joinToken,
		"expiresAt": rm.ExpiresAt.Format(time.RFC3339),
	})
}

// GetRoom 查询单个房间的当前状态（调试/管理用）
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomID")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing roomID"})
		return
	}
	rm, ok := h.registry.Get(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, rm)
}
