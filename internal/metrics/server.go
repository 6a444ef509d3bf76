package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tg_to_mastodon/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck /healthz 的附加依赖检查
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Router /metrics 与 /healthz；任一检查失败时 /healthz 返回 503
func Router(m *Metrics, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		code := http.StatusOK
		body := map[string]any{"status": "ok"}
		if last := m.LastPass(); !last.IsZero() {
			body["last_pass"] = last.UTC().Format(time.RFC3339)
		}

		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()

			results := make(map[string]string, len(checks))
			for _, check := range checks {
				if err := check.Check(ctx); err != nil {
					results[check.Name] = err.Error()
					code = http.StatusServiceUnavailable
					body["status"] = "unavailable"
					continue
				}
				results[check.Name] = "ok"
			}
			body["checks"] = results
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Server 指标 HTTP 服务
type Server struct {
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// Start 监听 addr 并在后台提供服务
func Start(addr string, m *Metrics, checks ...HealthCheck) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Router(m, checks...),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Errorf("Metrics server stopped: %v", err)
		}
	}()

	logger.L().Infof("Metrics server listening on %s", listener.Addr())
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
