package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/stefke3210-cmd/agrimods/internal/client"
	"github.com/stefke3210-cmd/agrimods/internal/dto"
	"github.com/stefke3210-cmd/agrimods/internal/fulfillment"
	"github.com/stefke3210-cmd/agrimods/internal/middleware"
	"github.com/stefke3210-cmd/agrimods/internal/service"

	"github.com/labstack/echo/v4"
)

type CheckoutHandler struct {
	checkoutService service.CheckoutService
}

func NewCheckoutHandler(checkoutService service.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
	}
}

func (h *CheckoutHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	result, err := h.checkoutService.CreateCheckout(ctx, middleware.UserID(c), req.Items)
	if err != nil {
		return mapCheckoutError(err)
	}

	return c.JSON(http.StatusOK, result)
}

func (h *CheckoutHandler) Execute(c echo.Context) error {
	ctx := c.Request().Context()

	orderID := c.Param("orderID")
	if orderID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing order id")
	}

	result, err := h.checkoutService.ExecuteCheckout(ctx, middleware.UserID(c), orderID)
	if err != nil {
		return mapCheckoutError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// PaypalReturn is the buyer's browser return from the approval page. The
// token query param is the provider-side order id.
func (h *CheckoutHandler) PaypalReturn(c echo.Context) error {
	ctx := c.Request().Context()

	token := c.QueryParam("token")
	if token == "" {
		return c.String(http.StatusBadRequest, "missing order token")
	}

	_, err := h.checkoutService.ExecuteByExternalRef(ctx, token)
	if err != nil {
		return mapCheckoutError(err)
	}

	return c.HTML(http.StatusOK, "<html><body><h2>Payment approved</h2><p>Your items are being granted. You can close this page.</p></body></html>")
}

func (h *CheckoutHandler) Webhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	ack, err := h.checkoutService.HandleWebhook(ctx, c.Request().Header, body)
	if err != nil {
		if errors.Is(err, client.ErrInvalidSignature) {
			return c.NoContent(http.StatusBadRequest)
		}
		// Transient: withhold the ack so the provider retries.
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": string(ack)})
}

func mapCheckoutError(err error) error {
	switch {
	case errors.Is(err, fulfillment.ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrNotOrderOwner):
		return echo.NewHTTPError(http.StatusForbidden, "order belongs to another buyer")
	case errors.Is(err, service.ErrItemsNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, "some items not found")
	case errors.Is(err, client.ErrPaymentRejected):
		return echo.NewHTTPError(http.StatusPaymentRequired, "payment rejected")
	case errors.Is(err, client.ErrCheckoutNotApproved):
		return echo.NewHTTPError(http.StatusConflict, "checkout not approved yet")
	case errors.Is(err, client.ErrGatewayUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "payment gateway unavailable, try again")
	case errors.Is(err, fulfillment.ErrOrderStateConflict):
		return echo.NewHTTPError(http.StatusConflict, "order is not payable")
	default:
		return err
	}
}
