// Package statusapi serves read-only progress of a running batch over HTTP.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"genbatch/internal/ledger"
	"genbatch/internal/metrics"
)

// Source is the ledger view the API reads from.
type Source interface {
	Snapshot() ledger.State
	Summary() ledger.Summary
}

type batchResponse struct {
	Summary ledger.Summary `json:"summary"`
	State   ledger.State   `json:"state"`
}

// SetMode puts gin in release mode unless the batch logs at debug level, so
// route registration does not print to stdout next to command output.
func SetMode(logLevel string) {
	if strings.EqualFold(strings.TrimSpace(logLevel), "debug") {
		gin.SetMode(gin.DebugMode)
		return
	}
	gin.SetMode(gin.ReleaseMode)
}

func NewRouter(src Source, rec *metrics.Recorder) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "genbatch"})
	})
	router.GET("/batch", func(c *gin.Context) {
		c.JSON(http.StatusOK, batchResponse{Summary: src.Summary(), State: src.Snapshot()})
	})
	router.GET("/batch/failures", func(c *gin.Context) {
		failures := src.Summary().Failures
		if failures == nil {
			failures = []ledger.Failure{}
		}
		c.JSON(http.StatusOK, gin.H{"failures": failures})
	})
	if rec != nil {
		router.GET("/metrics", gin.WrapH(rec.Handler()))
	}
	return router
}

// Server runs the router until its context ends.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// Listen binds addr so the caller learns about port conflicts before the
// batch starts.
func Listen(addr string, handler http.Handler, log *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log,
	}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()
	if s.log != nil {
		s.log.Info("status API listening", "addr", s.Addr())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status API: %w", err)
	}
	return nil
}
