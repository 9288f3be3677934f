package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tuya-proxy/internal/domain"
)

// Devices is the vendor-backed device API.
type Devices interface {
	Functions(ctx context.Context, deviceID string) (json.RawMessage, error)
	Status(ctx context.Context, deviceID string) (json.RawMessage, error)
	SendCommand(ctx context.Context, deviceID string, req domain.CommandRequest) (json.RawMessage, error)
}

type ActiveLister interface {
	GetActive(ctx context.Context, now int64, ttlSeconds int64) ([]string, error)
}

type HistoryReader interface {
	RecentCommands(ctx context.Context, deviceID string, limit int) ([]domain.CommandRecord, error)
}

// Deps wires the API. Active and History are optional; their routes answer
// 503 when nil.
type Deps struct {
	Devices   Devices
	Active    ActiveLister
	ActiveTTL time.Duration
	History   HistoryReader
	Logger    zerolog.Logger
}

type Server struct {
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
}

func New(d Deps, addr string) *Server {
	r := gin.New()
	r.Use(requestID(), accessLog(d.Logger), gin.Recovery())

	h := &handlers{deps: d}
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats/active-devices", h.active)

	devices := r.Group("/devices/:device_id")
	{
		devices.GET("/functions", h.functions)
		devices.GET("/status", h.status)
		devices.POST("/commands", h.sendCommand)
		devices.GET("/commands/history", h.history)
	}

	return &Server{
		deps:   d,
		engine: r,
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 2 * time.Second,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
