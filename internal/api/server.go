package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Agora-Substrate/internal/auth"
	"Agora-Substrate/internal/eventlog"
	"Agora-Substrate/internal/intent"
	"Agora-Substrate/internal/ledger"
	"Agora-Substrate/internal/observability/metrics"
	"Agora-Substrate/internal/pipeline"
)

// Submitter 把外部提交的意图送进动作流水线。
// 调度器实现它，保证提交与快照闸门互斥。
type Submitter interface {
	Submit(ctx context.Context, in *intent.Intent) *pipeline.Result
}

// Server 暴露基底的 REST 接口：动作提交、事件导出、主体查询与指标。
type Server struct {
	addr      string
	submitter Submitter
	events    eventlog.Store
	ledger    *ledger.Ledger
	auth      *auth.Service
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithAuth 启用 API 密钥鉴权。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, submitter Submitter, events eventlog.Store, led *ledger.Ledger, opts ...Option) *Server {
	s := &Server{addr: addr, submitter: submitter, events: events, ledger: led}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/actions", s.guard(http.HandlerFunc(s.handleActions), "submit"))
	mux.Handle("/api/v1/events", s.guard(http.HandlerFunc(s.handleEvents), "read"))
	mux.Handle("/api/v1/principals/", s.guard(http.HandlerFunc(s.handlePrincipal), "read"))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// actionResponse 是动作提交接口的响应体。内部堆栈不外泄，
// 提案者只看到结局、理由与费用。
type actionResponse struct {
	Success           bool    `json:"success"`
	Outcome           string  `json:"outcome"`
	Result            any     `json:"result,omitempty"`
	Error             string  `json:"error,omitempty"`
	ErrorCode         string  `json:"error_code,omitempty"`
	ResourcesConsumed float64 `json:"resources_consumed"`
	ScripCost         int64   `json:"scrip_cost"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		metrics.ObserveHTTPRequest("actions", r.Method, http.StatusMethodNotAllowed)
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.submitter == nil {
		metrics.ObserveHTTPRequest("actions", r.Method, http.StatusServiceUnavailable)
		http.Error(w, "流水线未初始化", http.StatusServiceUnavailable)
		return
	}

	var in intent.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		metrics.ObserveHTTPRequest("actions", r.Method, http.StatusBadRequest)
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	res := s.submitter.Submit(r.Context(), &in)
	resp := actionResponse{
		Success:           res.Success,
		Outcome:           string(res.Outcome),
		Result:            res.ReturnValue,
		ResourcesConsumed: res.UnitsConsumed,
		ScripCost:         res.ScripCost,
	}
	if !res.Success {
		resp.Error = res.Reason
		resp.ErrorCode = string(res.ErrorCode)
	}

	metrics.ObserveHTTPRequest("actions", r.Method, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		metrics.ObserveHTTPRequest("events", r.Method, http.StatusMethodNotAllowed)
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.events.ListLatest(r.Context(), limit)
	if err != nil {
		metrics.ObserveHTTPRequest("events", r.Method, http.StatusInternalServerError)
		http.Error(w, "查询事件失败", http.StatusInternalServerError)
		return
	}

	metrics.ObserveHTTPRequest("events", r.Method, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// principalView 是运营侧可见的主体余额视图。
type principalView struct {
	ID        string             `json:"id"`
	Scrip     int64              `json:"scrip"`
	Frozen    bool               `json:"frozen"`
	Flow      map[string]float64 `json:"flow"`
	StockUsed map[string]int64   `json:"stock_used"`
}

func (s *Server) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		metrics.ObserveHTTPRequest("principals", r.Method, http.StatusMethodNotAllowed)
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/principals/")
	if id == "" {
		metrics.ObserveHTTPRequest("principals", r.Method, http.StatusBadRequest)
		http.Error(w, "缺少主体 ID", http.StatusBadRequest)
		return
	}

	for _, snap := range s.ledger.Export() {
		if snap.ID != id {
			continue
		}
		metrics.ObserveHTTPRequest("principals", r.Method, http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(principalView{
			ID:        snap.ID,
			Scrip:     snap.Scrip,
			Frozen:    snap.Frozen,
			Flow:      snap.Flow,
			StockUsed: snap.StockUsed,
		})
		return
	}
	metrics.ObserveHTTPRequest("principals", r.Method, http.StatusNotFound)
	http.Error(w, "主体不存在", http.StatusNotFound)
}

// guard 在鉴权启用时用权限要求包裹处理函数。
func (s *Server) guard(handler http.Handler, perms ...string) http.Handler {
	if s.auth == nil || !s.auth.Enabled() {
		return handler
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": perms},
	})(handler)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
