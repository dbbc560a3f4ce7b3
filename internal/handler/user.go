package handler

import (
	"net/http"

	"github.com/stefke3210-cmd/agrimods/internal/middleware"
	"github.com/stefke3210-cmd/agrimods/internal/service"

	"github.com/labstack/echo/v4"
)

type UserHandler struct {
	userService service.UserService
}

func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

func (h *UserHandler) ListEntitlements(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := h.userService.ListEntitlements(ctx, middleware.UserID(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
