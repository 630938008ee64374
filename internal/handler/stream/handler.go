package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	middlewarePkg "github.com/zhouzirui/arc-relay/backend/internal/middleware"
	"github.com/zhouzirui/arc-relay/backend/internal/model/feature"
	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
	runService "github.com/zhouzirui/arc-relay/backend/internal/service/run"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

const pongWait = 60 * time.Second

// Runs is the part of the run service the stream endpoints drive.
type Runs interface {
	Stream(ctx context.Context, req run.StartRequest, ch session.Channel) (run.Record, error)
	Prepare(req run.StartRequest) (runService.Pending, error)
	Lookup(sessionID string) (runService.Pending, error)
	Attach(ctx context.Context, sessionID string, ch session.Channel) (run.Record, error)
	Cancel(sessionID string) error
}

// Config 控制连接保活与写超时。
type Config struct {
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

// Handler 通过 SSE 或 WebSocket 推送运行事件。
type Handler struct {
	runs     Runs
	cfg      Config
	upgrader websocket.Upgrader
}

// New 创建流式处理器
func New(runs Runs, cfg Config) *Handler {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		runs: runs,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middlewarePkg.OriginAllowed(cfg.AllowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册流式路由。start 中间件只作用于创建运行的入口。
func (h *Handler) RegisterRoutes(r chi.Router, start ...func(http.Handler) http.Handler) {
	r.With(start...).Get("/stream/{feature}/{taskID}/{modelKey}", h.handleStream)
	r.With(start...).Post("/stream/{feature}", h.handlePrepare)
	r.Get("/stream/sessions/{sessionID}", h.handleAttachSSE)
	r.Post("/stream/sessions/{sessionID}/cancel", h.handleCancel)
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// handleStream 校验参数后直接启动运行，并在同一个响应上推送 SSE。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := run.StartRequest{
		Feature:  urlParam(r, "feature"),
		TaskID:   urlParam(r, "taskID"),
		ModelKey: urlParam(r, "modelKey"),
		Mode:     query.Get("mode"),
	}
	if raw := query.Get("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "options must be a JSON object")
			return
		}
	}

	h.serveSSE(w, r, func(ctx context.Context, ch session.Channel) (run.Record, error) {
		return h.runs.Stream(ctx, req, ch)
	})
}

// handleAttachSSE 把 SSE 连接绑定到预先创建的运行上。
func (h *Handler) handleAttachSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "sessionID")
	h.serveSSE(w, r, func(ctx context.Context, ch session.Channel) (run.Record, error) {
		return h.runs.Attach(ctx, sessionID, ch)
	})
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, start func(context.Context, session.Channel) (run.Record, error)) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := newSSEChannel(w, h.cfg.WriteTimeout)
	go h.keepAliveLoop(ctx, ch)

	rec, err := start(ctx, ch)
	if err != nil {
		ch.Close()
		if ch.Started() {
			log.Printf("[stream] run failed after stream opened: %v", err)
			return
		}
		h.respondRunError(w, err)
		return
	}
	log.Printf("[stream] sse session=%s finished status=%s events=%d", rec.ID, rec.Status, rec.Events)
}

// handlePrepare 创建待连接的运行，返回会话 id。
func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TaskID   string         `json:"taskId"`
		ModelKey string         `json:"modelKey"`
		Mode     string         `json:"mode"`
		Options  map[string]any `json:"options"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pending, err := h.runs.Prepare(run.StartRequest{
		Feature:  urlParam(r, "feature"),
		TaskID:   payload.TaskID,
		ModelKey: payload.ModelKey,
		Mode:     payload.Mode,
		Options:  payload.Options,
	})
	if err != nil {
		h.respondRunError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, pending)
}

// handleCancel 取消待连接或运行中的会话
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "sessionID")
	if err := h.runs.Cancel(sessionID); err != nil {
		h.respondRunError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "sessionId": sessionID})
}

type inboundMessage struct {
	Type string `json:"type"`
}

// handleWebSocket 处理WebSocket连接。升级前先确认会话存在，错误仍按 HTTP 状态返回。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "sessionID")
	if _, err := h.runs.Lookup(sessionID); err != nil {
		h.respondRunError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := newWSChannel(conn, h.cfg.WriteTimeout)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.keepAliveLoop(ctx, ch)
	go h.readLoop(ctx, cancel, conn, sessionID)

	rec, err := h.runs.Attach(ctx, sessionID, ch)
	if err != nil {
		log.Printf("[websocket] attach session=%s failed: %v", sessionID, err)
		if sendErr := ch.sendError(err.Error()); sendErr != nil {
			log.Printf("[websocket] send error session=%s: %v", sessionID, sendErr)
		}
		ch.Close()
		return
	}
	log.Printf("[websocket] session=%s finished status=%s events=%d", rec.ID, rec.Status, rec.Events)
}

// readLoop 处理客户端的取消消息。连接断开时取消运行。
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error session=%s: %v", sessionID, err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "cancel":
			if err := h.runs.Cancel(sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
				log.Printf("[websocket] cancel session=%s: %v", sessionID, err)
			}
		case "ping":
		default:
			log.Printf("[websocket] ignoring message type=%q session=%s", msg.Type, sessionID)
		}
	}
}

type keepAliver interface {
	keepAlive() error
}

func (h *Handler) keepAliveLoop(ctx context.Context, ch keepAliver) {
	ticker := time.NewTicker(h.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ch.keepAlive(); err != nil {
				if !errors.Is(err, errChannelClosed) {
					log.Printf("[stream] keep-alive failed: %v", err)
				}
				return
			}
		}
	}
}

func (h *Handler) respondRunError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[stream] unexpected error: %v", err)
	}
	utils.RespondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runService.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, feature.ErrFeatureNotFound), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, runService.ErrModelNotAllowed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runService.ErrAnalyzerDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, runService.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// urlParam 解码路径参数，模型名里可能带有编码后的斜杠。
func urlParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
