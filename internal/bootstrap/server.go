package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/majaostudio/classbooking/api"
	"github.com/majaostudio/classbooking/config"
	"go.uber.org/zap"
)

// Run starts the webhook HTTP server and blocks until the context is
// canceled or the server fails.
func Run(ctx context.Context, cfg *config.Config, webhook *api.WebhookHandler, avail *api.AvailabilityHandler, log *zap.Logger) error {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	root := router.Group("/")
	webhook.Register(root)
	avail.Register(root)
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("http server listening", zap.String("address", cfg.HTTP.Address))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}
