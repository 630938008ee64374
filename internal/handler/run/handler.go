package run

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/history"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

// Sessions lists the active sessions. *session.Registry implements it.
type Sessions interface {
	List() []session.Info
}

// PendingCounter reports prepared runs not yet attached.
type PendingCounter interface {
	PendingCount() int
}

// Handler 运行记录与管理接口的HTTP处理器
type Handler struct {
	history  history.Store
	sessions Sessions
	pending  PendingCounter
}

// New 创建运行记录处理器
func New(store history.Store, sessions Sessions, pending PendingCounter) *Handler {
	return &Handler{
		history:  store,
		sessions: sessions,
		pending:  pending,
	}
}

// RegisterRoutes 注册运行记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/runs", h.handleListRuns)
	r.Get("/runs/{runID}", h.handleGetRun)
}

// RegisterAdminRoutes 注册管理路由，调用方负责加上鉴权中间件。
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/admin/sessions", h.handleListSessions)
}

// handleListRuns 按条件列出运行记录，最新的在前
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := run.Filter{
		Feature: query.Get("feature"),
		TaskID:  query.Get("taskId"),
		Status:  stream.Status(query.Get("status")),
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	switch filter.Status {
	case "", stream.StatusCompleted, stream.StatusFailed, stream.StatusCancelled:
	default:
		utils.RespondError(w, http.StatusBadRequest, "status must be one of completed, failed, cancelled")
		return
	}

	records, err := h.history.List(r.Context(), filter)
	if err != nil {
		log.Printf("[runs] list failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	utils.RespondJSON(w, http.StatusOK, records)
}

// handleGetRun 查询单条运行记录
func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.history.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("[runs] get failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	utils.RespondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := h.sessions.List()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"active":  active,
		"count":   len(active),
		"pending": h.pending.PendingCount(),
	})
}
