package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

var errChannelClosed = errors.New("channel closed")

// sseChannel 把事件写成 Server-Sent Events。响应头在第一次写入时才发送，
// 这样会话建立前的校验错误仍然可以按 JSON 返回。
type sseChannel struct {
	w            http.ResponseWriter
	writeTimeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	seq     int
}

func newSSEChannel(w http.ResponseWriter, writeTimeout time.Duration) *sseChannel {
	return &sseChannel{w: w, writeTimeout: writeTimeout}
}

func (c *sseChannel) Send(ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errChannelClosed
	}
	if err := c.prepare(); err != nil {
		return err
	}
	c.seq++
	return utils.WriteSSEEvent(c.w, string(ev.Type), c.seq, data)
}

// keepAlive 写入注释行，防止代理因空闲断开连接。
func (c *sseChannel) keepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errChannelClosed
	}
	if err := c.prepare(); err != nil {
		return err
	}
	return utils.WriteSSEComment(c.w, "keep-alive")
}

// Close 标记关闭并清除写超时，底层响应在 handler 返回时结束。
func (c *sseChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if !c.started {
		return nil
	}
	err := http.NewResponseController(c.w).SetWriteDeadline(time.Time{})
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// Started 表示是否已经提交了 SSE 响应头。
func (c *sseChannel) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *sseChannel) prepare() error {
	if err := utils.SetWriteDeadline(c.w, c.writeTimeout); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if c.started {
		return nil
	}
	utils.SetupSSEHeaders(c.w)
	c.w.WriteHeader(http.StatusOK)
	c.started = true
	return nil
}
