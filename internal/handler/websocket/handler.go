package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/hub"
	"collab-canvas/internal/repository"
	"collab-canvas/internal/service"
)

// WebSocketHandler 负责处理 WebSocket 升级请求并把连接接入房间。
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	registry    *hub.Registry
	roomService *service.RoomService
	userRepo    repository.UserRepository
	logger      *logrus.Logger
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
func NewWebSocketHandler(registry *hub.Registry, roomService *service.RoomService, userRepo repository.UserRepository, logger *logrus.Logger) *WebSocketHandler {
	if registry == nil {
		panic("Registry cannot be nil for WebSocketHandler")
	}
	if roomService == nil {
		panic("RoomService cannot be nil for WebSocketHandler")
	}
	if userRepo == nil {
		panic("UserRepository cannot be nil for WebSocketHandler")
	}
	if logger == nil {
		panic("logger cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// TODO: 生产环境按 CORS_ALLOWED_ORIGIN 校验来源
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		registry:    registry,
		roomService: roomService,
		userRepo:    userRepo,
		logger:      logger,
	}
}

// HandleConnection 处理 WebSocket 连接请求。
// URL 预期格式: /ws/room/{roomId}
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 获取认证用户 ID (由 Auth 中间件设置)
	userIDAny, exists := c.Get("user_id")
	if !exists {
		h.logger.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		h.logger.Error("WS Handler: User ID in context is not uint")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	logCtx := h.logger.WithField("user_id", userID)

	// 2. 解析房间 ID
	roomIDStr := c.Param("roomId")
	roomIDUint64, err := strconv.ParseUint(roomIDStr, 10, 32)
	if err != nil {
		logCtx.WithError(err).Warnf("WS Handler: Invalid room ID format: %s", roomIDStr)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room ID format"})
		return
	}
	roomID := uint(roomIDUint64)
	logCtx = logCtx.WithField("room_id", roomID)

	// 3. 升级前校验房间存在
	if _, err := h.roomService.FindRoomByID(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			logCtx.Warn("WS Handler: Room not found")
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		} else {
			logCtx.WithError(err).Error("WS Handler: Error checking room existence")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate room"})
		}
		return
	}

	// 4. 取显示名，查不到时退化为占位名，不阻断连接
	displayName := fmt.Sprintf("user-%d", userID)
	if user, err := h.userRepo.FindByID(c.Request.Context(), userID); err == nil && user != nil {
		displayName = user.Username
	}

	// 5. 升级到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了 HTTP 错误响应，这里只记日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	// 6. 创建会话并加入房间，之后由读写泵接管连接
	connID := uuid.NewString()
	client := hub.NewClient(connID, userID, displayName, conn, h.logger)
	if err := client.Start(c.Request.Context(), h.registry, roomID); err != nil {
		logCtx.WithError(err).WithField("conn_id", connID).Error("WS Handler: Failed to join room")
		return
	}

	logCtx.WithField("conn_id", connID).Info("WS Handler: Connection established")
}
