package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/garyvish82-droid/hoodcup/internal/domain/identity"
	"github.com/garyvish82-droid/hoodcup/internal/middleware"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/errorhandler"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/response"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/validator"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler exposes the ledger over HTTP
type Handler struct {
	service         *Service
	roster          *Roster
	lookupMinDigits int
}

// NewHandler creates ledger handler
func NewHandler(service *Service, roster *Roster, lookupMinDigits int) *Handler {
	if lookupMinDigits <= 0 {
		lookupMinDigits = 9
	}
	return &Handler{service: service, roster: roster, lookupMinDigits: lookupMinDigits}
}

// StaffRoutes mounts the staff terminal endpoints under /customers
func (h *Handler) StaffRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireStaff())
	r.Get("/", h.List)
	r.Post("/", h.Enroll)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/purchases", h.RecordPurchase)
	r.Post("/{id}/redemptions", h.RedeemReward)
	return r
}

// MeRoutes mounts the customer self-service endpoints under /me
func (h *Handler) MeRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireCustomer())
	r.Get("/", h.Me)
	r.Post("/link", h.Link)
	return r
}

// Lookup handles POST /lookup
// @Summary Look up a loyalty card by phone
// @Tags Loyalty
// @Accept json
// @Produce json
// @Param request body PhoneRequest true "Phone number"
// @Success 200 {object} response.Response{data=PublicCard}
// @Failure 400,404,409,422,429,503 {object} response.Response
// @Router /lookup [post]
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req PhoneRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	if len(identity.Normalize(req.Phone)) < h.lookupMinDigits {
		response.ValidationError(w, map[string]string{
			"phone": fmt.Sprintf("Enter at least %d digits", h.lookupMinDigits),
		})
		return
	}

	c, err := h.service.FindByPhone(r.Context(), req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, PublicCardOf(*c))
}

// List handles GET /customers
// @Summary List or search customers
// @Tags Loyalty
// @Produce json
// @Security BearerAuth
// @Param q query string false "Name or phone fragment"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Response{data=[]Card}
// @Failure 401,403 {object} response.Response
// @Router /customers [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseIntParam(query.Get("limit"), defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := parseIntParam(query.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	customers, total := h.roster.Search(query.Get("q"), limit, offset)

	response.WithMeta(w, CardsOf(customers), response.Meta{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasNext: offset+len(customers) < total,
	})
}

// Enroll handles POST /customers
// @Summary Enroll a customer
// @Tags Loyalty
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body EnrollRequest true "Customer"
// @Success 201 {object} response.Response{data=Card}
// @Failure 400,409,422,503 {object} response.Response
// @Router /customers [post]
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	c, err := h.service.Enroll(r.Context(), req.Name, req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.Created(w, CardOf(*c))
}

// Get handles GET /customers/{id}
// @Summary Get a customer card
// @Tags Loyalty
// @Produce json
// @Security BearerAuth
// @Param id path string true "Customer ID"
// @Success 200 {object} response.Response{data=Card}
// @Failure 400,404,503 {object} response.Response
// @Router /customers/{id} [get]
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, CardOf(*c))
}

// RecordPurchase handles POST /customers/{id}/purchases
// @Summary Record a purchase (+1 point)
// @Tags Loyalty
// @Produce json
// @Security BearerAuth
// @Param id path string true "Customer ID"
// @Success 200 {object} response.Response{data=Card}
// @Failure 400,404,503 {object} response.Response
// @Router /customers/{id}/purchases [post]
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	c, err := h.service.RecordPurchase(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, CardOf(*c))
}

// RedeemReward handles POST /customers/{id}/redemptions
// @Summary Redeem a free reward
// @Tags Loyalty
// @Produce json
// @Security BearerAuth
// @Param id path string true "Customer ID"
// @Success 200 {object} response.Response{data=Card}
// @Failure 400,404,409,503 {object} response.Response
// @Router /customers/{id}/redemptions [post]
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	id, ok := customerID(w, r)
	if !ok {
		return
	}

	c, err := h.service.RedeemReward(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, CardOf(*c))
}

// Me handles GET /me
// @Summary Get my loyalty card
// @Tags Loyalty
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=Card}
// @Failure 401,404,503 {object} response.Response
// @Router /me [get]
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	c, err := h.service.FindByIdentity(r.Context(), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, CardOf(*c))
}

// Link handles POST /me/link
// @Summary Link my account to the card enrolled with my phone
// @Tags Loyalty
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body PhoneRequest true "Phone number"
// @Success 200 {object} response.Response{data=Card}
// @Failure 400,401,404,409,422,503 {object} response.Response
// @Router /me/link [post]
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req PhoneRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if err := validator.ValidateVar(req.Phone, "required,phone"); err != nil {
		response.ValidationError(w, map[string]string{"phone": "Invalid phone number"})
		return
	}

	c, err := h.service.LinkByPhone(r.Context(), principal, req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response.OK(w, CardOf(*c))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "Customer not found")
	case errors.Is(err, ErrPreconditionFailed):
		response.Conflict(w, "NOT_ENOUGH_POINTS", fmt.Sprintf("At least %d points are needed to redeem", RewardThreshold))
	case errors.Is(err, ErrAmbiguousMatch):
		response.Conflict(w, "AMBIGUOUS_PHONE", "Phone number matches more than one customer")
	case errors.Is(err, ErrPhoneTaken):
		response.Conflict(w, "PHONE_TAKEN", "Phone number is already enrolled")
	case errors.Is(err, ErrAlreadyLinked):
		response.Conflict(w, "ALREADY_LINKED", "This card is already linked to an account")
	case errors.Is(err, ErrIdentityInUse):
		response.Conflict(w, "IDENTITY_IN_USE", "Your account is already linked to another card")
	case errors.Is(err, ErrInvalidInput):
		response.BadRequest(w, "Invalid input")
	case errors.Is(err, ErrStoreUnavailable):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Loyalty records are temporarily unavailable", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}

func customerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid customer ID")
		return uuid.Nil, false
	}
	return id, true
}

func parseIntParam(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return v
}
