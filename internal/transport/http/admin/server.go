package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"harvest/internal/logger"
)

// HTTPServer 提供 Gin 管理接口，供运维触发摄取任务/查询完整度。
type HTTPServer struct {
	addr   string
	router *Router
	engine *gin.Engine
}

type HTTPConfig struct {
	Addr   string
	Router *Router
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Router == nil {
		return nil, errors.New("router 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8087"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	cfg.Router.Register(engine.Group("/api/ingest"))

	return &HTTPServer{addr: cfg.Addr, router: cfg.Router, engine: engine}, nil
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
// 后台任务与服务生命周期共用同一 ctx，关停时未完成任务自动暂停。
func (s *HTTPServer) Start(ctx context.Context) error {
	s.router.Bind(ctx)
	srv := &http.Server{Addr: s.addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[admin] HTTP 服务启动: %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
