package utils

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// 关闭 nginx 等反向代理的缓冲，保证事件即时到达。
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteSSEEvent 写入带事件类型和 id 的 SSE 消息并立即刷新。data 不能包含换行。
func WriteSSEEvent(w http.ResponseWriter, event string, id int, data []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	return flush(w)
}

// WriteSSEComment 写入注释行，用作 keep-alive。
func WriteSSEComment(w http.ResponseWriter, text string) error {
	if _, err := io.WriteString(w, ": "+text+"\n\n"); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	return flush(w)
}

// SetWriteDeadline 为下一次写入设置超时。不支持的 ResponseWriter 会被忽略。
func SetWriteDeadline(w http.ResponseWriter, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func flush(w http.ResponseWriter) error {
	if err := http.NewResponseController(w).Flush(); err != nil {
		return fmt.Errorf("flush sse: %w", err)
	}
	return nil
}
