package httpapi

import (
	"context"
	"net/http"

	"artlift-orchestrator/internal/models"

	"go.uber.org/zap"
)

// Sessions 会话管理能力
type Sessions interface {
	Install(ctx context.Context, inst *models.Installation) (*models.Installation, error)
	Delete(ctx context.Context, id int64) error
	HandleActive(ctx context.Context, id int64, active bool) error
	Snapshot(ctx context.Context, id int64) (*models.Installation, error)
	Snapshots(ctx context.Context) ([]models.Installation, error)
}

// Frames 最新帧读取
type Frames interface {
	LatestFrame(ctx context.Context, installationID int64) ([]byte, error)
}

// InstallRequest 安装请求
type InstallRequest struct {
	ID          int64   `json:"id,omitempty"`
	Name        string  `json:"name"`
	PainterName string  `json:"painter_name"`
	BaseHeight  float64 `json:"base_height"`
	Height      float64 `json:"height"`
	Width       float64 `json:"width"`
	Weight      float64 `json:"weight"`
}

// InstallationHandler 安装触发与状态查询
type InstallationHandler struct {
	sessions Sessions
	frames   Frames
	logger   *zap.Logger
}

// NewInstallationHandler 创建安装 Handler，frames 可以为 nil
func NewInstallationHandler(sessions Sessions, frames Frames, logger *zap.Logger) *InstallationHandler {
	return &InstallationHandler{sessions: sessions, frames: frames, logger: logger}
}

// Install POST /api/v1/installations
func (h *InstallationHandler) Install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, "invalid request body: "+err.Error()))
		return
	}

	inst, err := h.sessions.Install(r.Context(), &models.Installation{
		ID:          req.ID,
		Name:        req.Name,
		PainterName: req.PainterName,
		BaseHeight:  req.BaseHeight,
		Height:      req.Height,
		Width:       req.Width,
		Weight:      req.Weight,
	})
	if err != nil {
		h.fail(w, "Install failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(inst))
}

// Delete DELETE /api/v1/installations/{id}
func (h *InstallationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		h.fail(w, "Delete failed", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": id, "removed": true}))
}

// SetActive PUT /api/v1/installations/{id}/active
func (h *InstallationHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	var req models.ActivePayload
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, "invalid request body: "+err.Error()))
		return
	}
	if err := h.sessions.HandleActive(r.Context(), id, req.Status); err != nil {
		h.fail(w, "SetActive failed", err)
		return
	}
	h.Get(w, r)
}

// List GET /api/v1/installations
func (h *InstallationHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.sessions.Snapshots(r.Context())
	if err != nil {
		h.fail(w, "List installations failed", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": len(items),
	}))
}

// Get GET /api/v1/installations/{id}
func (h *InstallationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	inst, err := h.sessions.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, "Get installation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(inst))
}

// LatestFrame GET /api/v1/installations/{id}/frame
func (h *InstallationHandler) LatestFrame(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		writeJSON(w, http.StatusNotFound, FailCode(ResultFrameStorageDisabled, "frame storage disabled"))
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	image, err := h.frames.LatestFrame(r.Context(), id)
	if err != nil {
		h.fail(w, "Get latest frame failed", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

func (h *InstallationHandler) fail(w http.ResponseWriter, msg string, err error) {
	status, body := failure(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Warn(msg, zap.Error(err))
	}
	writeJSON(w, status, body)
}
