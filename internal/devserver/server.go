package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/internal/infrastructure/websocket"
	"auction-realtime/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type PlaceBidRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

// Server is the dev stand-in for the auction service: the REST API under
// /api/v1 and the push endpoint at /ws.
type Server struct {
	echo    *echo.Echo
	manager *AuctionManager
	log     logger.Logger
	started time.Time
}

func NewServer(manager *AuctionManager, hub *websocket.ConnectionManager, log logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: manager,
		log:     log,
		started: time.Now(),
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.HEAD, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		MaxAge: 86400,
	}))
	e.Use(s.requestLog)

	api := e.Group("/api/v1")
	api.GET("/auctions", s.ListAuctions)
	api.POST("/auctions", s.CreateAuction)
	api.GET("/auctions/:id", s.GetAuction)
	api.DELETE("/auctions/:id", s.DeleteAuction)
	api.GET("/auctions/:id/bids", s.BidHistory)
	api.POST("/auctions/:id/bid", s.PlaceBid)

	e.GET("/health", s.Health)
	e.GET("/ws", echo.WrapHandler(websocket.NewWebSocketHandler(manager, hub, log.With("component", "ws"))))

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.log.Info("Starting dev server", "address", addr)
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		start := time.Now()
		err := next(c)
		s.log.Debug("Request handled",
			"id", c.Response().Header().Get(echo.HeaderXRequestID),
			"method", req.Method,
			"path", req.URL.Path,
			"status", c.Response().Status,
			"latency", time.Since(start).String(),
			"remote_addr", c.RealIP())
		return err
	}
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "auction-devserver",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) ListAuctions(c echo.Context) error {
	auctions, err := s.manager.ListAuctions(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, auctions)
}

func (s *Server) CreateAuction(c echo.Context) error {
	var req CreateAuctionRequest
	if err := c.Bind(&req); err != nil {
		s.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	auction, err := s.manager.CreateAuction(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, auction)
}

func (s *Server) GetAuction(c echo.Context) error {
	auction, err := s.manager.GetAuction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (s *Server) DeleteAuction(c echo.Context) error {
	if err := s.manager.DeleteAuction(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) BidHistory(c echo.Context) error {
	bids, err := s.manager.BidHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if bids == nil {
		bids = []domain.BidEvent{}
	}
	return c.JSON(http.StatusOK, bids)
}

func (s *Server) PlaceBid(c echo.Context) error {
	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	bid, err := s.manager.PlaceBid(c.Request().Context(), c.Param("id"), req.BidderID, req.Amount)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, bid)
}

func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAuctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBidRejected):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		s.log.Error("Request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
