package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
	return r
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /ws）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// RegisterInstallationRoutes 安装触发与状态
func (r *Router) RegisterInstallationRoutes(h *InstallationHandler) {
	r.Handle("POST /api/v1/installations", h.Install)
	r.Handle("GET /api/v1/installations", h.List)
	r.Handle("GET /api/v1/installations/{id}", h.Get)
	r.Handle("DELETE /api/v1/installations/{id}", h.Delete)
	r.Handle("PUT /api/v1/installations/{id}/active", h.SetActive)
	r.Handle("GET /api/v1/installations/{id}/frame", h.LatestFrame)
}

// RegisterStatsRoutes 观看统计
func (r *Router) RegisterStatsRoutes(h *StatsHandler) {
	r.Handle("GET /api/v1/installations/{id}/stats", h.Get)
	r.Handle("GET /api/v1/stats/daily", h.Daily)
	r.Handle("GET /api/v1/stats/export", h.Export)
}
