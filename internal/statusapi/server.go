// Package statusapi serves campaign progress over HTTP.
package statusapi

import (
	"context"
	"errors"
	"time"

	nethttp "net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/screa/bitrecover/internal/logger"
	"github.com/screa/bitrecover/internal/observability"
	"github.com/screa/bitrecover/pkg/stats"
	"github.com/screa/bitrecover/pkg/types"
)

// Source is what the server reports on. *campaign.Campaign satisfies it.
type Source interface {
	SnapshotStats() []types.StatsSnapshot
	IsAnyActive() bool
}

type Health struct {
	Status string    `json:"status"`
	Active bool      `json:"active"`
	Time   time.Time `json:"time"`
}

type Stats struct {
	Active     bool                  `json:"active"`
	TotalKeys  uint64                `json:"total_keys"`
	TotalSpeed float64               `json:"total_speed"`
	Devices    []types.StatsSnapshot `json:"devices"`
}

type Server struct {
	source Source
	logger *logger.Logger
	now    func() time.Time
}

func NewServer(source Source, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{source: source, logger: log, now: time.Now}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.GetHealth)
	e.GET("/stats", s.GetStats)
	e.GET("/stats/:id", s.GetDevice)
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(nethttp.StatusOK, Health{
		Status: "ok",
		Active: s.source.IsAnyActive(),
		Time:   s.now().UTC(),
	})
}

func (s *Server) GetStats(ctx echo.Context) error {
	snaps := s.source.SnapshotStats()
	if snaps == nil {
		snaps = []types.StatsSnapshot{}
	}
	keys, speed := stats.Totals(snaps)
	return ctx.JSON(nethttp.StatusOK, Stats{
		Active:     s.source.IsAnyActive(),
		TotalKeys:  keys,
		TotalSpeed: speed,
		Devices:    snaps,
	})
}

func (s *Server) GetDevice(ctx echo.Context) error {
	var id int
	if err := echo.PathParamsBinder(ctx).MustInt("id", &id).BindError(); err != nil {
		return echo.NewHTTPError(nethttp.StatusBadRequest, "invalid device id")
	}
	for _, snap := range s.source.SnapshotStats() {
		if snap.DeviceID == id {
			return ctx.JSON(nethttp.StatusOK, snap)
		}
	}
	return echo.NewHTTPError(nethttp.StatusNotFound, "unknown device")
}

// NewEcho returns an echo instance with the middleware stack and routes
// installed.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		TargetHeader: echo.HeaderXRequestID,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Request().Header.Set(echo.HeaderXRequestID, id)
		},
	}))
	if observability.Enabled() {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &nethttp.Server{
		Addr:              addr,
		Handler:           s.NewEcho(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return <-errc
}
