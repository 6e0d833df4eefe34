package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"outproxy_nexus/internal/shared/config"
	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/internal/shared/settings"
	manager "outproxy_nexus/proxypool"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/router"
	"outproxy_nexus/proxypool/selector"
)

// maxBodyBytes 限制 API 请求体的大小。
const maxBodyBytes = 8 << 20

// Controller defines the interface that the web handler uses to interact with the engine.
// This decouples the web package from the app package.
type Controller interface {
	Status() manager.Status
	Snapshot() selector.Snapshot
	TriggerRefresh(reason string) bool
	RefreshNow(ctx context.Context) (*manager.CycleReport, error)
	FetchProxies(ctx context.Context) ([]model.Endpoint, error)
	TestProxies(ctx context.Context, eps []model.Endpoint) ([]model.Measurement, error)
	MakeRequest(ctx context.Context, req router.Request) (*router.Response, error)
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      Controller
}

func NewHandler(settingsManager *settings.SettingsManager, controller Controller) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("WebServer: Failed to encode JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleEndpoints 处理 GET /api/endpoints 请求，返回当前排名。
func (h *Handler) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

// HandleRefresh 处理 POST /api/refresh 请求。
// 默认只安排一次周期外刷新; ?wait=true 时同步执行并返回本轮的报告。
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		scheduled := h.controller.TriggerRefresh("api")
		writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
		return
	}

	rep, err := h.controller.RefreshNow(r.Context())
	switch {
	case errors.Is(err, manager.ErrRefreshInProgress):
		writeError(w, http.StatusConflict, err)
	case rep == nil && err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		// 抓取失败也是一份有效的报告, 错误信息在 rep.Error 中
		writeJSON(w, http.StatusOK, rep)
	}
}

// HandleFetch 处理 POST /api/fetch 请求，只抓取目录，不修改选择状态。
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eps, err := h.controller.FetchProxies(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

// TestRequest 是 POST /api/test 的请求体。Endpoints 也接受 "scheme://host:port" 字符串。
type TestRequest struct {
	Endpoints json.RawMessage `json:"endpoints"`
}

// HandleTest 处理 POST /api/test 请求，对给定端点做基准测试。
func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req TestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	eps, err := model.DecodeEndpoints(req.Endpoints)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(eps) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no endpoints given"))
		return
	}
	results, err := h.controller.TestProxies(r.Context(), eps)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, manager.Summarize(results))
}

// HandleRequest 处理 POST /api/request 请求，通过当前最优端点转发一次请求。
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req router.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	resp, err := h.controller.MakeRequest(r.Context(), req)
	if err != nil {
		writeError(w, routeErrorStatus(err), err)
		return
	}
	logger.Debug().Str("url", req.URL).Int("status", resp.Status).Str("proxy", resp.ProxyUsed.Key()).Dur("took", time.Since(start)).Msg("WebServer: Request routed.")
	writeJSON(w, http.StatusOK, resp)
}

func routeErrorStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrNoEndpointYet), errors.Is(err, router.ErrNoEndpointAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 从 URL 路径中提取模块名
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		var cfgErr *config.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusBadRequest, err)
		case strings.Contains(err.Error(), "unknown settings module"):
			writeError(w, http.StatusNotFound, err)
		case strings.Contains(err.Error(), "failed to parse JSON"):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}
