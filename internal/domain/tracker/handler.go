package tracker

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/crvs/deathform/internal/platform/auth"
	"github.com/crvs/deathform/pkg/pagination"
)

// Handler exposes read access to stored cases.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleCertifier, auth.RoleClerk))
	read.GET("/cases", h.ListCases)
	read.GET("/cases/:tei", h.GetCase)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.store.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetCase(c echo.Context) error {
	cs, err := h.store.Get(c.Request().Context(), c.Param("tei"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, cs)
}
