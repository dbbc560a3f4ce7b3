package server

import (
	"context"

	"github.com/stefke3210-cmd/agrimods/internal/client"
	"github.com/stefke3210-cmd/agrimods/internal/handler"
	appmw "github.com/stefke3210-cmd/agrimods/internal/middleware"
	"github.com/stefke3210-cmd/agrimods/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Server struct {
	echo            *echo.Echo
	checkoutHandler *handler.CheckoutHandler
	userHandler     *handler.UserHandler
	sessions        client.SessionVerifier
}

func NewServer(checkoutService service.CheckoutService, userService service.UserService, sessions client.SessionVerifier) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:            e,
		checkoutHandler: handler.NewCheckoutHandler(checkoutService),
		userHandler:     handler.NewUserHandler(userService),
		sessions:        sessions,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	auth := appmw.Auth(s.sessions)

	checkout := api.Group("/checkout", auth)
	checkout.POST("", s.checkoutHandler.Create)
	checkout.POST("/:orderID/execute", s.checkoutHandler.Execute)

	api.GET("/entitlements", s.userHandler.ListEntitlements, auth)

	// -------- paypal webhooks / callbacks --------
	paypal := api.Group("/paypal")
	paypal.GET("/return", s.checkoutHandler.PaypalReturn)
	paypal.POST("/webhook", s.checkoutHandler.Webhook)
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
