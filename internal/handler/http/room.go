package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/service"
)

// RoomHandler 封装与房间管理相关的 HTTP 处理逻辑。
type RoomHandler struct {
	roomService *service.RoomService
}

// NewRoomHandler 创建 RoomHandler 实例。
func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService}
}

// userIDFromContext 取出 Auth 中间件设置的用户 ID。
func userIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get("user_id")
	if !exists {
		logrus.Warn("Handler: User ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		logrus.Error("Handler: User ID in context is not uint")
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error processing user ID")
		return 0, false
	}
	return userID, true
}

// CreateRoomResponse 定义创建房间成功的响应结构体。
type CreateRoomResponse struct {
	Message    string `json:"message"`
	RoomID     uint   `json:"room_id"`
	InviteCode string `json:"invite_code"`
}

// CreateRoom 处理创建新房间的请求。
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	newRoom, err := h.roomService.CreateRoom(c.Request.Context(), userID)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithFields(logrus.Fields{"room_id": newRoom.ID, "invite_code": newRoom.InviteCode}).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusOK, CreateRoomResponse{
		Message:    "Room created successfully",
		RoomID:     newRoom.ID,
		InviteCode: newRoom.InviteCode,
	})
}

// JoinRoomRequest 定义加入房间请求的结构体。
type JoinRoomRequest struct {
	InviteCode string `json:"invite_code" binding:"required,len=6"`
}

// JoinRoomResponse 定义加入房间成功的响应结构体。
type JoinRoomResponse struct {
	Message string `json:"message"`
	RoomID  uint   `json:"room_id"`
}

// JoinRoom 处理用户通过邀请码加入房间的请求。
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: invite_code is required")
		return
	}
	logCtx = logCtx.WithField("invite_code", req.InviteCode)

	joinedRoom, err := h.roomService.JoinRoom(c.Request.Context(), userID, req.InviteCode)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to join room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", joinedRoom.ID).Info("Handler.JoinRoom: User joined room successfully")
	SuccessResponse(c, http.StatusOK, JoinRoomResponse{
		Message: "Joined room successfully",
		RoomID:  joinedRoom.ID,
	})
}
