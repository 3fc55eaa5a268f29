package scheduling

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/libelle/agenda/internal/platform/auth"
	"github.com/libelle/agenda/pkg/pagination"
)

type Handler struct {
	svc            *Service
	renewalHorizon int
}

func NewHandler(svc *Service, renewalHorizon int) *Handler {
	return &Handler{svc: svc, renewalHorizon: renewalHorizon}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints
	readGroup := api.Group("", auth.RequireRole("admin", "coordinator", "professional", "reception"))
	readGroup.GET("/blocks", h.ListBlocks)
	readGroup.GET("/blocks/:id", h.GetBlock)
	readGroup.GET("/blocks/:id/assignments", h.ListBlockAssignments)
	readGroup.GET("/grades/patient/:patientId", h.PatientGrade)
	readGroup.GET("/grades/specialty/:specialty", h.SpecialtyGrade)
	readGroup.GET("/renewals", h.ListRenewalCandidates)

	// Write endpoints
	writeGroup := api.Group("", auth.RequireRole("admin", "coordinator", "reception"))
	writeGroup.POST("/blocks", h.OpenBlock)
	writeGroup.POST("/blocks/:id/extend", h.ExtendBlock)
	writeGroup.POST("/blocks/:id/dismiss", h.DismissBlock)
	writeGroup.POST("/assignments/:id/cancel", h.CancelAssignment)
	writeGroup.POST("/renewals/:blockId/decide", h.DecideRenewal)
}

// httpError translates the domain error taxonomy to HTTP statuses. Conflicts
// carry the first conflicting week and the occupying assignment so clients
// can show what is in the way.
func httpError(err error) error {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":                "slot conflict",
			"week":                   ce.Week,
			"resource_kind":          ce.Resource.Kind,
			"resource_id":            ce.Resource.ID,
			"existing_assignment_id": ce.ExistingAssignmentID,
		})
	}
	switch {
	case errors.Is(err, ErrUnknownBlock), errors.Is(err, ErrUnknownAssignment):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotPending),
		errors.Is(err, ErrAlreadyCancelled),
		errors.Is(err, ErrStatusConflict),
		errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidSlotKey),
		errors.Is(err, ErrInvalidDate),
		errors.Is(err, ErrInvalidEffectiveWeek):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type openBlockRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	Slot           SlotKey   `json:"slot"`
	Specialty      string    `json:"specialty"`
	StartWeek      int       `json:"start_week"`
	Weeks          int       `json:"weeks"`
}

type blockResponse struct {
	Block       *Block        `json:"block"`
	Assignments []*Assignment `json:"assignments,omitempty"`
}

func (h *Handler) OpenBlock(c echo.Context) error {
	var req openBlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	block, assignments, err := h.svc.OpenBlock(c.Request().Context(), OpenBlockInput{
		PatientID:      req.PatientID,
		ProfessionalID: req.ProfessionalID,
		Slot:           req.Slot,
		Specialty:      req.Specialty,
		StartWeek:      req.StartWeek,
		Weeks:          req.Weeks,
	})
	if err != nil {
		if IsConflict(err) || isDomainErr(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, blockResponse{Block: block, Assignments: assignments})
}

func (h *Handler) GetBlock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	block, err := h.svc.GetBlock(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, block)
}

func (h *Handler) ListBlocks(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListBlocksByPatient(ctx, id, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	if prid := c.QueryParam("professional_id"); prid != "" {
		id, err := uuid.Parse(prid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid professional_id")
		}
		items, total, err := h.svc.ListBlocksByProfessional(ctx, id, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "patient_id or professional_id is required")
}

func (h *Handler) ListBlockAssignments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListBlockAssignments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type extendRequest struct {
	Weeks int `json:"weeks"`
}

func (h *Handler) ExtendBlock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req extendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	block, assignments, err := h.svc.ExtendBlock(c.Request().Context(), id, req.Weeks)
	if err != nil {
		if IsConflict(err) || isDomainErr(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, blockResponse{Block: block, Assignments: assignments})
}

type dismissRequest struct {
	EffectiveWeek int `json:"effective_week"`
}

func (h *Handler) DismissBlock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req dismissRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	block, err := h.svc.DismissBlock(c.Request().Context(), id, req.EffectiveWeek)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, block)
}

func (h *Handler) CancelAssignment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.CancelAssignment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// weekParam resolves the week query parameter, defaulting to the current
// week of the service clock.
func (h *Handler) weekParam(c echo.Context) (int, error) {
	if raw := c.QueryParam("week"); raw != "" {
		week, err := strconv.Atoi(raw)
		if err != nil || week < 0 {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid week")
		}
		return week, nil
	}
	week, err := h.svc.CurrentWeek()
	if err != nil {
		return 0, httpError(err)
	}
	return week, nil
}

func (h *Handler) PatientGrade(c echo.Context) error {
	id, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	week, err := h.weekParam(c)
	if err != nil {
		return err
	}
	grade, err := h.svc.GradeForPatient(c.Request().Context(), id, week)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, grade)
}

func (h *Handler) SpecialtyGrade(c echo.Context) error {
	specialty := c.Param("specialty")
	if specialty == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specialty is required")
	}
	week, err := h.weekParam(c)
	if err != nil {
		return err
	}
	grade, err := h.svc.GradeForSpecialty(c.Request().Context(), specialty, week)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, grade)
}

func (h *Handler) ListRenewalCandidates(c echo.Context) error {
	week, err := h.weekParam(c)
	if err != nil {
		return err
	}
	horizon := h.renewalHorizon
	if raw := c.QueryParam("horizon"); raw != "" {
		horizon, err = strconv.Atoi(raw)
		if err != nil || horizon < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid horizon")
		}
	}
	blocks, err := h.svc.FindRenewalCandidates(c.Request().Context(), week, horizon)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, blocks)
}

func (h *Handler) DecideRenewal(c echo.Context) error {
	id, err := uuid.Parse(c.Param("blockId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid block id")
	}
	var d RenewalDecision
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	block, err := h.svc.DecideRenewal(c.Request().Context(), id, d)
	if err != nil {
		if IsConflict(err) || isDomainErr(err) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, block)
}

// isDomainErr reports whether err belongs to the scheduling error taxonomy,
// as opposed to a plain validation message.
func isDomainErr(err error) bool {
	for _, sentinel := range []error{
		ErrInvalidSlotKey, ErrInvalidDate, ErrInvalidEffectiveWeek,
		ErrAlreadyCancelled, ErrNotPending, ErrUnknownBlock,
		ErrUnknownAssignment, ErrInvalidTransition, ErrStatusConflict,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
