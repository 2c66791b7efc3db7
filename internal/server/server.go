// Package server exposes the cache over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/tunecache/internal/admin"
	"github.com/dgnsrekt/tunecache/internal/cache"
	"github.com/dgnsrekt/tunecache/internal/media"
	"github.com/dgnsrekt/tunecache/internal/memory"
	"github.com/dgnsrekt/tunecache/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// IdentityHeader carries the caller identity for admin routes.
const IdentityHeader = "X-Admin-Identity"

const identityKey = "identity"

// Server is the HTTP surface.
type Server struct {
	e       *echo.Echo
	svc     *media.Service
	store   *cache.Store
	admin   *admin.Manager
	monitor *memory.Monitor
	logger  *log.Logger
}

// New creates a server and registers its routes.
func New(svc *media.Service, store *cache.Store, mgr *admin.Manager, monitor *memory.Monitor, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default().WithPrefix("server")
	}
	s := &Server{
		e:       echo.New(),
		svc:     svc,
		store:   store,
		admin:   mgr,
		monitor: monitor,
		logger:  logger,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestID())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.Round(time.Millisecond))
			return nil
		},
	}))
}

func (s *Server) registerRoutes() {
	s.e.GET("/status", s.status)

	tracks := s.e.Group("/tracks")
	tracks.GET("/:id", s.getTrack)
	tracks.GET("/:id/audio", s.getAudio)

	adm := s.e.Group("/cache", extractIdentity())
	adm.DELETE("/:id", s.clearOne)
	adm.POST("/clear", s.clearAll)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- s.e.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func extractIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(identityKey, c.Request().Header.Get(IdentityHeader))
			return next(c)
		}
	}
}

func identity(c echo.Context) string {
	id, _ := c.Get(identityKey).(string)
	return id
}

func parseKey(c echo.Context) (cache.Key, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return cache.Key{}, echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	q, err := cache.ParseQuality(c.QueryParam("quality"))
	if err != nil {
		return cache.Key{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return cache.Key{ItemID: id, Quality: q}, nil
}

func (s *Server) get(c echo.Context) (*cache.Record, error) {
	key, err := parseKey(c)
	if err != nil {
		return nil, err
	}
	rec, err := s.svc.Get(c.Request().Context(), key)
	if err != nil {
		s.logger.Warn("request failed", "key", key, "error", errors.Unwrap(err))
		return nil, echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return rec, nil
}

// getTrack returns the cache record.
// GET /tracks/:id?quality=
func (s *Server) getTrack(c echo.Context) error {
	rec, err := s.get(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// getAudio streams the tagged audio.
// GET /tracks/:id/audio?quality=
func (s *Server) getAudio(c echo.Context) error {
	rec, err := s.get(c)
	if err != nil {
		return err
	}
	if rec.Location.Kind != cache.LocationFile {
		return echo.NewHTTPError(http.StatusConflict, "audio is not stored locally")
	}
	r, err := s.store.OpenAudio(rec)
	if err != nil {
		s.logger.Error("failed to open audio", "key", rec.Key, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "could not retrieve "+rec.Key.String())
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(rec.Size, 10))
	return c.Stream(http.StatusOK, contentType(rec.Format), r)
}

// clearOne removes every cached tier of an item.
// DELETE /cache/:id
func (s *Server) clearOne(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	out, err := s.admin.ClearOne(identity(c), id)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// clearAll runs the two-phase bulk clear.
// POST /cache/clear[?confirm=true]
func (s *Server) clearAll(c echo.Context) error {
	var args string
	if ok, _ := strconv.ParseBool(c.QueryParam("confirm")); ok {
		args = admin.ConfirmArg
	}
	out, err := s.admin.ClearAll(identity(c), args)
	switch {
	case errors.Is(err, admin.ErrConfirmationExpired), errors.Is(err, admin.ErrNoPendingConfirmation):
		return c.JSON(http.StatusConflict, out)
	case err != nil:
		return adminError(err)
	case !out.Executed:
		return c.JSON(http.StatusAccepted, out)
	default:
		return c.JSON(http.StatusOK, out)
	}
}

func adminError(err error) error {
	if errors.Is(err, admin.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusForbidden, "unauthorized")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "admin operation failed")
}

type statusResponse struct {
	Records         int                    `json:"records"`
	Bytes           string                 `json:"bytes"`
	ByFormat        map[storage.Format]int `json:"by_format"`
	Reserved        int                    `json:"reservations"`
	InFlight        int                    `json:"in_flight"`
	MemoryReserved  string                 `json:"memory_reserved"`
	MemoryAvailable string                 `json:"memory_available"`
}

// status reports cache and memory usage.
// GET /status
func (s *Server) status(c echo.Context) error {
	stats, err := s.store.Stats()
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read cache stats")
	}
	return c.JSON(http.StatusOK, statusResponse{
		Records:         stats.Records,
		Bytes:           humanize.IBytes(uint64(stats.Bytes)), //nolint:gosec
		ByFormat:        stats.ByFormat,
		Reserved:        stats.Reserved,
		InFlight:        s.svc.InFlight(),
		MemoryReserved:  humanize.IBytes(s.monitor.Reserved()),
		MemoryAvailable: humanize.IBytes(s.monitor.Available()),
	})
}

func contentType(f storage.Format) string {
	switch f {
	case storage.FormatMP3:
		return "audio/mpeg"
	case storage.FormatFLAC:
		return "audio/flac"
	default:
		return echo.MIMEOctetStream
	}
}
