package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hyuraku/flux/internal/broker"
)

// statusServer serves /healthz and /stats on a separate port from the
// signaling carriers, grounded on rustyguts-bken's api.go APIServer
// (separate echo instance, GET /health and GET /api/version).
type statusServer struct {
	broker *broker.Broker
	echo   *echo.Echo
	log    *slog.Logger
}

func newStatusServer(b *broker.Broker, log *slog.Logger) *statusServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &statusServer{broker: b, echo: e, log: log}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/stats", s.handleStats)
	e.GET("/version", s.handleVersion)
	return s
}

func (s *statusServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Error("status server shutdown", "err", err)
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *statusServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *statusServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.broker.Stats())
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *statusServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: version})
}
