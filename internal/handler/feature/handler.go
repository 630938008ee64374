package feature

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/arc-relay/backend/internal/model/feature"
	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

// Handler feature目录的HTTP处理器
type Handler struct {
	features feature.Store
}

// New 创建feature处理器
func New(features feature.Store) *Handler {
	return &Handler{
		features: features,
	}
}

// RegisterRoutes 注册feature相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/features", h.handleListFeatures)
	r.Get("/features/{featureID}", h.handleGetFeature)
}

// handleListFeatures 列出所有feature
func (h *Handler) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.features.List())
}

func (h *Handler) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	f, ok := h.features.FindByID(chi.URLParam(r, "featureID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, feature.ErrFeatureNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, f)
}
