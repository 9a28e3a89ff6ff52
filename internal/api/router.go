package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter sets up HTTP routes for the API. metricsHandler may be nil.
func NewRouter(handler *Handler, metricsHandler http.Handler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	v1 := router.Group("/v1")
	{
		v1.POST("/pools", handler.CreatePool)
		v1.GET("/pools", handler.ListPools)
		v1.GET("/pools/:id", handler.GetPool)
		v1.GET("/pools/:id/queues/:side", handler.GetQueue)
		v1.GET("/pools/:id/reconcile", handler.Reconcile)
		v1.POST("/pools/:id/orders", handler.SubmitOrder)
		v1.PATCH("/pools/:id/orders/:index", handler.ModifyOrder)

		v1.GET("/fnfts/:id/interest", handler.GetInterest)
		v1.POST("/fnfts/:id/claim", handler.ClaimInterest)
		v1.POST("/fnfts/:id/withdraw", handler.WithdrawFNFT)

		v1.GET("/owners/:addr/positions", handler.OwnerPositions)
		v1.GET("/owners/:addr/orders", handler.OwnerOrders)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}
	return router
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

// Server runs the router until its context is cancelled
type Server struct {
	addr       string
	handler    http.Handler
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates a server listening on addr
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Run serves until ctx is cancelled or the listener fails
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
