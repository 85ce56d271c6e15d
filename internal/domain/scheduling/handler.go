package scheduling

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/pkg/apperr"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/centros", h.ListCentros)
	api.GET("/professionals", h.ListProfessionals)
	api.GET("/professionals/:id", h.GetProfessional)
	api.GET("/specialties", h.ListSpecialties)
	api.GET("/availability", h.GetAvailability)

	api.GET("/appointments", h.ListAppointments)
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments", h.CreateAppointment)
	api.PUT("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.CancelAppointment)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// optionalUUID reads an optional UUID query parameter.
func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func (h *Handler) ListCentros(c echo.Context) error {
	centros, err := h.svc.ListCentros(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, centros)
}

func (h *Handler) ListProfessionals(c echo.Context) error {
	centroID, err := optionalUUID(c, "centro_id")
	if err != nil {
		return err
	}
	f := ProfessionalFilter{CentroID: centroID, Specialty: c.QueryParam("specialty")}
	if v := c.QueryParam("include_inactive"); v != "" {
		f.IncludeInactive, _ = strconv.ParseBool(v)
	}
	list, err := h.svc.ListProfessionals(c.Request().Context(), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if list == nil {
		list = []*Professional{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) GetProfessional(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetProfessional(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListSpecialties(c echo.Context) error {
	specs, err := h.svc.Specialties(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	if specs == nil {
		specs = []string{}
	}
	return c.JSON(http.StatusOK, specs)
}

func (h *Handler) GetAvailability(c echo.Context) error {
	profID, err := optionalUUID(c, "professional_id")
	if err != nil {
		return err
	}
	if profID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "professional_id is required")
	}
	centroID, err := optionalUUID(c, "centro_id")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	var cid uuid.UUID
	if centroID != nil {
		cid = *centroID
	}
	sched, err := h.svc.Availability(c.Request().Context(), *profID, cid, date)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sched)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	var f AppointmentFilter
	var err error
	if f.ProfessionalID, err = optionalUUID(c, "professional_id"); err != nil {
		return err
	}
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return err
	}
	if f.CentroID, err = optionalUUID(c, "centro_id"); err != nil {
		return err
	}
	if v := c.QueryParam("date"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return apperr.HTTPError(err)
		}
		f.Date = &d
	}
	f.Status = Status(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	list, total, err := h.svc.SearchAppointments(c.Request().Context(), f, pg)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if list == nil {
		list = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in BookInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Book(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RescheduleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.RescheduleAppointment(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}
