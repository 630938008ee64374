package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

// wsChannel 把事件作为 JSON 文本帧写入 WebSocket。
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) Send(ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// sendError 在会话建立之前向客户端报告错误。
func (c *wsChannel) sendError(message string) error {
	return c.Send(stream.ErrorEvent(message, 0, nil))
}

// keepAlive 发送 ping，客户端的 pong 会刷新读超时。
func (c *wsChannel) keepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close 发送正常关闭帧，连接本身由 handler 释放。
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	if err == websocket.ErrCloseSent {
		return nil
	}
	return err
}
