// Package httpapi exposes the HTTP control surface of the Data
// Pruner/Archiver plus health and version endpoints. The wider
// message-search/CRUD surface is deliberately left as a declared
// interface (MessageSearchService) with no handler, since the REST/CRUD
// servlet layer itself is an external collaborator.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chengine.dev/engine/version"
)

// ServerConfig controls the Echo instance wrapping this surface.
type ServerConfig struct {
	Port            int
	Debug           bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewEchoServer builds an Echo instance with the standard middleware stack:
// request logging, panic recovery, request ids.
func NewEchoServer(cfg ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	return e
}

// HealthResponse is the ambient liveness payload served at /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func RegisterHealth(e *echo.Echo, serviceName string) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: serviceName})
	})
}

// RegisterVersion serves the binary's build identity at /version.
func RegisterVersion(e *echo.Echo) {
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, version.Get())
	})
}

// StartServer runs the Echo server with the configured read/write
// timeouts until Shutdown is called.
func StartServer(e *echo.Echo, cfg ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return e.StartServer(s)
}
