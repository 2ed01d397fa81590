package referral

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referral/internal/platform/auth"
	"github.com/ehr/referral/internal/platform/fhir"
	"github.com/ehr/referral/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Read endpoints – admin, coordinator, clinician, viewer
	readGroup := api.Group("", auth.RequireRole("admin", "coordinator", "clinician", "viewer"))
	readGroup.GET("/referrals", h.ListReferrals)
	readGroup.GET("/referrals/:id", h.GetReferral)
	readGroup.GET("/referrals/:id/status", h.GetStatus)
	readGroup.GET("/referrals/:id/timeline", h.GetTimeline)
	readGroup.GET("/referrals/:id/history", h.GetHistory)
	readGroup.GET("/referral-statuses", h.ListStatuses)
	readGroup.GET("/referral-transitions", h.ListTransitions)

	// Write endpoints – admin, coordinator, clinician
	writeGroup := api.Group("", auth.RequireRole("admin", "coordinator", "clinician"))
	writeGroup.POST("/referrals", h.CreateReferral)
	writeGroup.POST("/referrals/:id/accept", h.Accept)
	writeGroup.POST("/referrals/:id/decline", h.Decline)
	writeGroup.POST("/referrals/:id/advance", h.Advance)
	writeGroup.POST("/referrals/:id/arrive", h.Arrive)
	writeGroup.POST("/referrals/:id/admit", h.Admit)
	writeGroup.POST("/referrals/:id/discharge", h.Discharge)
	writeGroup.POST("/referrals/:id/reroute", h.Reroute)
	writeGroup.POST("/referrals/:id/deactivate", h.Deactivate)

	// FHIR read endpoints
	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "coordinator", "clinician", "viewer"))
	fhirRead.GET("/Task", h.SearchTasksFHIR)
	fhirRead.GET("/Task/:id", h.GetTaskFHIR)
}

type acceptRequest struct {
	Actor string `json:"actor"`
}

type declineRequest struct {
	Reason             string  `json:"reason"`
	RedirectSuggestion *string `json:"redirect_suggestion"`
}

type advanceRequest struct {
	Status string `json:"status"`
}

type dischargeRequest struct {
	Note string `json:"note"`
}

type rerouteRequest struct {
	DestinationParty string `json:"destination_party"`
}

type statusResponse struct {
	CaseID uuid.UUID `json:"case_id"`
	Status *StatusID `json:"status"`
	Name   string    `json:"name,omitempty"`
}

type timelineResponse struct {
	CaseID          uuid.UUID `json:"case_id"`
	OriginParty     string    `json:"origin_party"`
	CurrentLocation string    `json:"current_location"`
	Steps           []Step    `json:"steps"`
}

// -- Operational Handlers --

func (h *Handler) CreateReferral(c echo.Context) error {
	var in CreateCaseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rc, err := h.svc.CreateCase(actorContext(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rc)
}

func (h *Handler) GetReferral(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rc, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

func (h *Handler) ListReferrals(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		IncludeInactive:  c.QueryParam("include_inactive") == "true",
		OriginParty:      c.QueryParam("origin_party"),
		DestinationParty: c.QueryParam("destination_party"),
	}
	cases, total, err := h.svc.ListCases(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(cases, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.svc.GetCurrentStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := statusResponse{CaseID: id, Status: st}
	if st != nil {
		if s, err := h.svc.Catalog().Resolve(*st); err == nil {
			resp.Name = s.Name
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rc, err := h.svc.GetCase(ctx, id)
	if err != nil {
		return httpError(err)
	}
	steps, err := h.svc.GetTimeline(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, timelineResponse{
		CaseID:          id,
		OriginParty:     rc.OriginParty,
		CurrentLocation: CurrentLocation(steps, rc.OriginParty),
		Steps:           steps,
	})
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ListStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Catalog().All())
}

// ListTransitions returns the state machine edges so clients can offer
// only the actions a case's current status allows.
func (h *Handler) ListTransitions(c echo.Context) error {
	return c.JSON(http.StatusOK, Transitions())
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Actor == "" {
		req.Actor = auth.UserIDFromContext(c.Request().Context())
	}
	return h.respond(c, id, h.svc.Accept(actorContext(c), id, req.Actor))
}

func (h *Handler) Decline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req declineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, id, h.svc.Decline(actorContext(c), id, req.Reason, req.RedirectSuggestion))
}

func (h *Handler) Advance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := h.svc.Catalog().Normalize(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, id, h.svc.Advance(actorContext(c), id, target))
}

func (h *Handler) Arrive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return h.respond(c, id, h.svc.Arrive(actorContext(c), id))
}

func (h *Handler) Admit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return h.respond(c, id, h.svc.Admit(actorContext(c), id))
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req dischargeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, id, h.svc.Discharge(actorContext(c), id, req.Note))
}

func (h *Handler) Reroute(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req rerouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.respond(c, id, h.svc.Reroute(actorContext(c), id, req.DestinationParty))
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return h.respond(c, id, h.svc.Deactivate(actorContext(c), id))
}

// respond returns the case after a successful operation so callers see the
// denormalized fields the operation may have changed.
func (h *Handler) respond(c echo.Context, id uuid.UUID, opErr error) error {
	if opErr != nil {
		return httpError(opErr)
	}
	rc, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

// -- FHIR Endpoints --

func (h *Handler) GetTaskFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.OutcomeForStatus(http.StatusBadRequest, "invalid id"))
	}
	ctx := c.Request().Context()
	rc, err := h.svc.GetCase(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Task", c.Param("id")))
		}
		return fhirError(c, err)
	}
	st, err := h.svc.GetCurrentStatus(ctx, id)
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, rc.ToFHIR(st))
}

// SearchTasksFHIR lists active referrals as a Task searchset. requester and
// owner filter on origin and current destination.
func (h *Handler) SearchTasksFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		OriginParty:      c.QueryParam("requester"),
		DestinationParty: c.QueryParam("owner"),
	}
	ctx := c.Request().Context()
	cases, total, err := h.svc.ListCases(ctx, filter, pg.Limit, pg.Offset)
	if err != nil {
		return fhirError(c, err)
	}

	tasks := make([]map[string]interface{}, 0, len(cases))
	for _, rc := range cases {
		st, err := h.svc.GetCurrentStatus(ctx, rc.ID)
		if err != nil {
			return fhirError(c, err)
		}
		tasks = append(tasks, rc.ToFHIR(st))
	}

	var links []fhir.BundleLink
	for _, l := range pg.FHIRLinks(c.Request().URL.Path, c.QueryParams(), total) {
		links = append(links, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	bundle, err := fhir.NewSearchBundle("Task", tasks, total, links)
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

func fhirError(c echo.Context, err error) error {
	code := statusCode(err)
	return c.JSON(code, fhir.OutcomeForStatus(code, err.Error()))
}

// actorContext attaches the authenticated user and their party to the
// request context so ledger entries record who acted.
func actorContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	return WithActor(ctx, Actor{
		ID:    auth.UserIDFromContext(ctx),
		Party: auth.PartyFromContext(ctx),
	})
}

// statusCode maps engine errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	return echo.NewHTTPError(statusCode(err), err.Error())
}
