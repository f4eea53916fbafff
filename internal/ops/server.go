// Package ops は運用系HTTPエンドポイントを提供する。
// ポーリングループ本体とは独立した小さなサーバーで、
// /healthz(生存確認)、/statusz(状態スナップショット)、/metrics(Prometheus)を公開する。
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dealwatch/internal/cycle"
	"github.com/hitoshi/dealwatch/internal/middleware"
	"github.com/hitoshi/dealwatch/internal/version"
)

// HealthChecker は/healthzの判定を行うインターフェース。
// ポーリングループのハートビートが新鮮かどうかをapp層のアダプタで判定する。
type HealthChecker interface {
	// Healthy はプロセスが健全な場合にnilを返す。
	Healthy() error
}

// StatusReporter は/statuszで公開する現在状態のスナップショットを返す。
type StatusReporter interface {
	Snapshot() cycle.Snapshot
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Health  HealthChecker
	Status  StatusReporter
	Metrics http.Handler
}

// NewRouter は運用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	r.Get("/healthz", healthzHandler(deps.Health))
	r.Get("/statusz", statuszHandler(deps.Status))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return r
}

// healthzResponse は/healthzのレスポンスボディ。
type healthzResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthzHandler(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if health != nil {
			if err := health.Healthy(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(healthzResponse{Status: "unhealthy", Error: err.Error()})
				return
			}
		}

		json.NewEncoder(w).Encode(healthzResponse{Status: "ok"})
	}
}

// statuszResponse は/statuszのレスポンスボディ。スナップショットにバージョンを添える。
type statuszResponse struct {
	Version string `json:"version"`
	cycle.Snapshot
}

func statuszHandler(status StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resp := statuszResponse{Version: version.Version}
		if status != nil {
			resp.Snapshot = status.Snapshot()
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// Server は運用エンドポイントのHTTPサーバー。
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer は指定アドレスで待ち受けるServerを生成する。
func NewServer(addr string, deps *RouterDeps, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(deps),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start はサーバーをバックグラウンドで起動する。
// 待ち受けに失敗してもポーリングループは続行するため、エラーはログに記録するだけにする。
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server starting",
			slog.String("addr", s.server.Addr),
		)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server listen error", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown はサーバーをグレースフルに停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
