package reminders

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/normalize"
	"github.com/bissquit/followup/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrReminderNotFound, Status: http.StatusNotFound, Message: "reminder not found"},
	{Error: ErrContactNotFound, Status: http.StatusNotFound, Message: "contact not found"},
	{Error: ErrReminderNotActive, Status: http.StatusConflict, Message: "reminder is no longer active"},
	{Error: ErrInvalidSignal, Status: http.StatusBadRequest},
	{Error: ErrStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "reminder store unavailable"},
}

// Handler handles HTTP requests for the reminders module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new reminders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterReadRoutes registers read-only routes.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/reminders", h.ListReminders)
	r.Get("/reminders/{id}", h.GetReminder)
	r.Get("/contacts/{email}", h.GetContact)
	r.Get("/stats", h.GetStats)
}

// RegisterOperatorRoutes registers routes that change state.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/signals/emails", h.IngestEmails)
	r.Post("/signals/meetings", h.IngestMeetings)
	r.Post("/runs/enrich", h.RunEnrich)
	r.Post("/runs/dispatch", h.RunDispatch)
	r.Post("/reminders/{id}/resolve", h.ResolveReminder)
}

// IngestEmailsRequest represents request body for email ingestion.
type IngestEmailsRequest struct {
	Emails []normalize.RawEmail `json:"emails" validate:"required,min=1,max=1000,dive"`
}

// IngestMeetingsRequest represents request body for meeting ingestion.
type IngestMeetingsRequest struct {
	Meetings []normalize.RawMeeting `json:"meetings" validate:"required,min=1,max=1000,dive"`
}

// ListRemindersQuery represents query parameters of the reminders listing.
type ListRemindersQuery struct {
	Status  string `validate:"omitempty,oneof=queued sending sent failed abandoned resolved"`
	Contact string `validate:"omitempty,email"`
	Limit   int    `validate:"gte=0,lte=100"`
}

// IngestEmails handles POST /signals/emails.
func (h *Handler) IngestEmails(w http.ResponseWriter, r *http.Request) {
	var req IngestEmailsRequest
	if err := decode(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.IngestEmails(r.Context(), req.Emails)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, result)
}

// IngestMeetings handles POST /signals/meetings.
func (h *Handler) IngestMeetings(w http.ResponseWriter, r *http.Request) {
	var req IngestMeetingsRequest
	if err := decode(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.IngestMeetings(r.Context(), req.Meetings)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, result)
}

// RunEnrich handles POST /runs/enrich.
func (h *Handler) RunEnrich(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunEnrich(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// RunDispatch handles POST /runs/dispatch.
func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunDispatch(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// ListReminders handles GET /reminders.
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	q := ListRemindersQuery{
		Status:  r.URL.Query().Get("status"),
		Contact: r.URL.Query().Get("contact"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	if err := h.validator.Struct(q); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	items, err := h.service.ListReminders(r.Context(), ListFilter{
		Status:       domain.ReminderStatus(q.Status),
		ContactEmail: q.Contact,
		Limit:        q.Limit,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if items == nil {
		items = []*domain.Reminder{}
	}
	httputil.Success(w, http.StatusOK, items)
}

// GetReminder handles GET /reminders/{id}.
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.service.GetReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, reminder)
}

// ResolveReminder handles POST /reminders/{id}/resolve.
func (h *Handler) ResolveReminder(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.service.ResolveReminder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, reminder)
}

// GetContact handles GET /contacts/{email}.
func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := h.service.GetContact(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, contact)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

const maxBodyBytes = 4 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
