package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/dto"
)

const (
	// 写一条消息的最长耗时
	writeWait = 10 * time.Second
	// 收到对端 pong 的最长等待，超时视为连接断开
	pongWait = 60 * time.Second
	// ping 发送间隔，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
	// 入站消息大小上限
	maxMessageSize = 64 * 1024
)

// Client 把一条物理 WebSocket 连接适配成房间的订阅者：
// readPump 把入站消息翻译成房间调用，writePump 把出站队列
// 里的事件按生成顺序写回连接。
type Client struct {
	connID      string
	userID      uint
	displayName string

	conn   *websocket.Conn
	room   *RoomHub
	out    *outbox
	logger *logrus.Logger

	closeOnce sync.Once
}

// NewClient 创建连接会话。connID 必须全局唯一（调用方用 UUID 生成）。
func NewClient(connID string, userID uint, displayName string, conn *websocket.Conn, logger *logrus.Logger) *Client {
	if conn == nil {
		panic("websocket connection cannot be nil for Client")
	}
	if logger == nil {
		panic("logger cannot be nil for Client")
	}
	return &Client{
		connID:      connID,
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		out:         newOutbox(),
		logger:      logger,
	}
}

// --- subscriber 接口实现 ---

func (c *Client) ConnID() string      { return c.connID }
func (c *Client) UserID() uint        { return c.userID }
func (c *Client) DisplayName() string { return c.displayName }

// Deliver 把事件放入出站队列，由房间事件循环调用，必须不阻塞。
func (c *Client) Deliver(event *dto.ServerEvent) bool {
	return c.out.push(event)
}

// Start 加入房间并启动读写泵。加入失败时关闭连接并返回错误，
// 成功后读写泵接管连接的生命周期。
func (c *Client) Start(ctx context.Context, registry *Registry, roomID uint) error {
	room, err := registry.Join(ctx, roomID, c)
	if err != nil {
		c.conn.Close()
		return err
	}
	c.room = room

	go c.writePump()
	go c.readPump()
	return nil
}

// readPump 循环读取入站消息并分发到房间。
// 读失败（断开、超时）时退出并触发 leave。
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithFields(logrus.Fields{
					"conn_id": c.connID,
					"room_id": c.room.RoomID(),
					"error":   err.Error(),
				}).Warn("WebSocket read error")
			}
			return
		}

		var event dto.ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.Deliver(&dto.ServerEvent{
				Type:    dto.EventError,
				Code:    CodeInvalidObject,
				Message: "malformed event payload",
			})
			continue
		}

		switch event.Type {
		case dto.EventAddObject:
			c.room.AddObject(c.connID, event.Object)
		case dto.EventUpdateObject:
			c.room.UpdateObject(c.connID, event.ObjectID, event.Changes)
		case dto.EventRemoveObject:
			c.room.RemoveObject(c.connID, event.ObjectID)
		case dto.EventCursorMove:
			c.room.CursorMove(c.connID, event.X, event.Y)
		case dto.EventLeaveRoom:
			return
		default:
			c.Deliver(&dto.ServerEvent{
				Type:    dto.EventError,
				Code:    CodeInvalidObject,
				Message: "unknown event type: " + event.Type,
			})
		}
	}
}

// writePump 把出站队列的事件写到连接上，并按周期发送 ping。
// 队列关闭或写失败时退出并触发 leave。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.out.wait():
			events, ok := c.out.drain()
			for _, event := range events {
				raw, err := json.Marshal(event)
				if err != nil {
					c.logger.WithFields(logrus.Fields{
						"conn_id": c.connID,
						"type":    event.Type,
						"error":   err.Error(),
					}).Error("Failed to marshal outbound event")
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
			if !ok {
				// 队列已关闭（积压超限或会话结束）
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown 统一的会话收尾：离开房间、关闭队列和底层连接。幂等。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		if c.room != nil {
			c.room.Leave(c.connID)
		}
		c.out.close()
		c.conn.Close()
		c.logger.WithFields(logrus.Fields{
			"conn_id": c.connID,
			"user_id": c.userID,
		}).Info("Connection session closed")
	})
}
