package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"noteCollab/backend/internal/auth"
	"noteCollab/backend/internal/cache"
	"noteCollab/backend/internal/collab"
	"noteCollab/backend/internal/room"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	registry *room.Registry
	svc      collab.Service
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache
}

func NewManager(hub *Hub, registry *room.Registry, svc collab.Service,
	sem *collab.SemaphoreControl, presence cache.PresenceCache) *Manager {
	return &Manager{hub: hub, registry: registry, svc: svc, sem: sem, presence: presence}
}

// WebSocketConnect 处理 /collab/ws：校验入房令牌，把连接绑定到房间，
// 下发 welcome，然后进入读写循环。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 浏览器的 WebSocket 不能带自定义 Header，令牌走 query ?token=
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		tokenString = auth.ExtractBearer(c.GetHeader("Authorization"))
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing token"})
		return
	}

	claims, err := auth.ParseToken(tokenString)
	if err != nil || claims.Type != "join" || claims.RoomID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "join token required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	connID := uuid.NewString()

	// 解析不出房间（不存在或已过期）：发一条错误帧后关连接。
	// 客户端收到后应提示用户重新发起会话，而不是无限重试。
	if !m.registry.Join(claims.RoomID, connID) {
		_ = conn.WriteJSON(ErrorMessage{Type: FrameError, Code: "ROOM_NOT_FOUND", Content: "room not found or expired"})
		_ = conn.Close()
		return
	}

	clock, _ := m.svc.CurrentClock(c.Request.Context(), claims.RoomID)

	wsConn := NewConn(conn, m.hub, m.registry, m.svc, m.sem, m.presence,
		connID, claims.RoomID, claims.Identity())
	m.hub.Join(claims.RoomID, wsConn)

	if m.presence != nil {
		if err := m.presence.AddMember(c.Request.Context(), claims.RoomID,
			claims.SubjectID, claims.DisplayName, presenceTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendEnqueue(WelcomeMessage{Type: FrameWelcome, ConnectionID: connID, RoomID: claims.RoomID, Clock: clock})

	// 最后进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
