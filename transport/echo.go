package transport

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterEcho mounts the service on an echo router.
func RegisterEcho(e *echo.Echo, svc *Service) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/inbound/chat", func(c echo.Context) error {
		var req ChatRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ack, err := svc.Chat(c.Request().Context(), req)
		return respondEcho(c, ack, err)
	})
	e.POST("/inbound/commit", func(c echo.Context) error {
		var req CommitRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ack, err := svc.Commit(c.Request().Context(), req)
		return respondEcho(c, ack, err)
	})
	e.POST("/inbound/reject", func(c echo.Context) error {
		var req RejectRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ack, err := svc.Reject(c.Request().Context(), req)
		return respondEcho(c, ack, err)
	})
}

func respondEcho(c echo.Context, ack Ack, err error) error {
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, ack)
}
