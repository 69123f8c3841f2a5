package deathform

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/tracker"
	"github.com/crvs/deathform/internal/platform/auth"
)

type Handler struct {
	svc *Service
	// computeMW wraps the DORIS computation route only.
	computeMW []echo.MiddlewareFunc
}

func NewHandler(svc *Service, computeMW ...echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, computeMW: computeMW}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every form role
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleCertifier, auth.RoleClerk))
	read.GET("/cases/:tei/form-state", h.GetFormState)

	// Profile endpoints – registrar, clerk
	profile := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleClerk))
	profile.POST("/cases", h.CreateCase)
	profile.PUT("/cases/:tei/attributes/:field", h.EditAttribute)
	profile.PUT("/cases/:tei/enrollment/:field", h.EditEnrollment)

	// Cause of death endpoints – certifier
	cod := api.Group("", auth.RequireRole(auth.RoleCertifier))
	cod.PUT("/cases/:tei/stage/:field", h.EditStageValue)
	cod.POST("/cases/:tei/causes/:slot/codes", h.AddCode)
	cod.PUT("/cases/:tei/causes/:slot/codes", h.RetainCodes)
	cod.PUT("/cases/:tei/causes/:slot/intervals", h.SetIntervals)
	cod.PUT("/cases/:tei/causes/:slot/underlying", h.SetUnderlying)
	cod.PUT("/cases/:tei/causes/:slot/underlying-code", h.SelectUnderlyingCode)
	cod.POST("/cases/:tei/underlying-cause", h.ComputeUnderlying, h.computeMW...)
}

type valueRequest struct {
	Value string `json:"value"`
}

type addCodeRequest struct {
	Code          string `json:"code"`
	FoundationURI string `json:"foundation_uri"`
}

type retainRequest struct {
	Codes []string `json:"codes"`
}

type intervalsRequest struct {
	Intervals map[string]IntervalInput `json:"intervals"`
}

type underlyingRequest struct {
	Checked bool `json:"checked"`
}

type selectCodeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req CreateCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.CreateCase(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetFormState(c echo.Context) error {
	st, err := h.svc.FormState(c.Request().Context(), c.Param("tei"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) EditAttribute(c echo.Context) error {
	var req valueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.EditAttribute(c.Request().Context(), c.Param("tei"), c.Param("field"), req.Value))
}

func (h *Handler) EditEnrollment(c echo.Context) error {
	var req valueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.EditEnrollment(c.Request().Context(), c.Param("tei"), c.Param("field"), req.Value))
}

func (h *Handler) EditStageValue(c echo.Context) error {
	var req valueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.EditStageValue(c.Request().Context(), c.Param("tei"), c.Param("field"), req.Value))
}

func (h *Handler) AddCode(c echo.Context) error {
	slot, err := causeofdeath.ParseSlot(c.Param("slot"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req addCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.AddCode(c.Request().Context(), c.Param("tei"), slot, req.Code, req.FoundationURI))
}

func (h *Handler) RetainCodes(c echo.Context) error {
	slot, err := causeofdeath.ParseSlot(c.Param("slot"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req retainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.RetainCodes(c.Request().Context(), c.Param("tei"), slot, req.Codes))
}

func (h *Handler) SetIntervals(c echo.Context) error {
	slot, err := causeofdeath.ParseSlot(c.Param("slot"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req intervalsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.SetIntervals(c.Request().Context(), c.Param("tei"), slot, req.Intervals))
}

func (h *Handler) SetUnderlying(c echo.Context) error {
	slot, err := causeofdeath.ParseSlot(c.Param("slot"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req underlyingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.SetUnderlying(c.Request().Context(), c.Param("tei"), slot, req.Checked))
}

func (h *Handler) SelectUnderlyingCode(c echo.Context) error {
	slot, err := causeofdeath.ParseSlot(c.Param("slot"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req selectCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c)(h.svc.SelectUnderlyingCode(c.Request().Context(), c.Param("tei"), slot, req.Code))
}

func (h *Handler) ComputeUnderlying(c echo.Context) error {
	return respond(c)(h.svc.ComputeUnderlying(c.Request().Context(), c.Param("tei")))
}

func respond(c echo.Context) func(*Update, error) error {
	return func(u *Update, err error) error {
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, u)
	}
}

// httpError maps rule errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case IsCodingError(err):
		return echo.NewHTTPError(http.StatusBadGateway, "coding service unavailable").SetInternal(err)
	case errors.Is(err, ErrEnrollmentCompleted),
		errors.Is(err, ErrFieldLocked),
		errors.Is(err, ErrManualMode),
		errors.Is(err, ErrManualModeRequired),
		errors.Is(err, ErrUnderlyingLocked),
		errors.Is(err, ErrNotUnderlying):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownField),
		errors.Is(err, ErrManagedField),
		errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrEmptySlot),
		errors.Is(err, ErrNoCauses),
		errors.Is(err, causeofdeath.ErrDuplicateCode),
		errors.Is(err, causeofdeath.ErrEmptyCode),
		errors.Is(err, causeofdeath.ErrUnknownCode),
		errors.Is(err, causeofdeath.ErrInvalidInterval):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// The request logger records the internal error.
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
