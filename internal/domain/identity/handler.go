package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me, auth.RequireAuth())

	// Assignments are managed by hospital staff; doctors may read their own.
	staff := auth.RequireRole(auth.RoleSecretary, auth.RoleHospitalAdmin, auth.RoleSuperAdmin)
	api.GET("/users", h.ListUsers, staff)
	api.POST("/users", h.CreateUser, auth.RequireRole(auth.RoleHospitalAdmin, auth.RoleSuperAdmin))
	api.POST("/patients/:id/doctors", h.LinkDoctor, staff)
	api.DELETE("/patients/:id/doctors/:doctor", h.UnlinkDoctor, staff)

	api.GET("/doctors/:id/patients", h.PatientsOf,
		auth.RequireRole(auth.RoleDoctor, auth.RoleSecretary, auth.RoleHospitalAdmin, auth.RoleSuperAdmin))
}

type LinkRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
}

type CreateUserRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (h *Handler) Me(c echo.Context) error {
	user, _ := auth.UserFromContext(c.Request().Context())
	u, err := h.svc.GetUser(c.Request().Context(), user.ID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) CreateUser(c echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u := &User{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Role:      auth.Role(req.Role),
	}
	if err := h.svc.CreateUser(c.Request().Context(), u); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

// ListUsers answers ?username= with at most one account, otherwise lists the
// accounts of ?role=.
func (h *Handler) ListUsers(c echo.Context) error {
	ctx := c.Request().Context()
	if username := c.QueryParam("username"); username != "" {
		u, err := h.svc.FindByUsername(ctx, username)
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusOK, pagination.NewResponse([]*User{}, 0, pagination.DefaultLimit, 0))
		}
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse([]*User{u}, 1, pagination.DefaultLimit, 0))
	}

	role, err := auth.ParseRole(c.QueryParam("role"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "role or username is required")
	}
	pg := pagination.FromContext(c)
	users, total, err := h.svc.ListUsers(ctx, role, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	if users == nil {
		users = []*User{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(users, total, pg.Limit, pg.Offset))
}

func (h *Handler) LinkDoctor(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DoctorID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id is required")
	}
	link, err := h.svc.LinkDoctor(c.Request().Context(), patientID, req.DoctorID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, link)
}

func (h *Handler) UnlinkDoctor(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	doctorID, err := uuid.Parse(c.Param("doctor"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor id")
	}
	if err := h.svc.UnlinkDoctor(c.Request().Context(), patientID, doctorID); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PatientsOf(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor id")
	}
	user, _ := auth.UserFromContext(c.Request().Context())
	if user.Role == auth.RoleDoctor && user.ID != doctorID {
		return echo.NewHTTPError(http.StatusForbidden, "doctors may only list their own patients")
	}
	links, err := h.svc.PatientsOf(c.Request().Context(), doctorID)
	if err != nil {
		return mapError(err)
	}
	if links == nil {
		links = []*PatientDoctorLink{}
	}
	return c.JSON(http.StatusOK, links)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrWrongRole), errors.Is(err, ErrInvalidUser):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateUser):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
