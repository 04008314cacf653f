package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.broadcastengine.dev/internal/broadcast"
	"go.broadcastengine.dev/internal/platform/common"
)

// CampaignHandler serves the admin HTTP surface's /campaigns routes
// (spec §6), delegating all validation and state transitions to
// broadcast.AdminService.
type CampaignHandler struct {
	admin *broadcast.AdminService
}

// NewCampaignHandler creates a CampaignHandler.
func NewCampaignHandler(admin *broadcast.AdminService) *CampaignHandler {
	return &CampaignHandler{admin: admin}
}

// Routes returns the router for campaign endpoints.
func (h *CampaignHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/queue", h.Queue)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/cancel", h.Cancel)
	r.Get("/{id}/messages", h.ListMessages)

	return r
}

// campaignDTO is the wire representation of a Campaign.
type campaignDTO struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	Status                string     `json:"status"`
	AudienceType          string     `json:"audience_type"`
	AudienceParams        string     `json:"audience_params,omitempty"`
	Text                  string     `json:"text"`
	ParseMode             string     `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool       `json:"disable_web_page_preview"`
	ReplyMarkup           string     `json:"reply_markup,omitempty"`
	PhotoFileID           string     `json:"photo_file_id,omitempty"`
	PhotoURL              string     `json:"photo_url,omitempty"`
	ScheduledAt           *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	OutboxCreatedAt       *time.Time `json:"outbox_created_at,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	TotalRecipients       int64      `json:"total_recipients"`
	SentCount             int64      `json:"sent_count"`
	FailedCount           int64      `json:"failed_count"`
	LastError             string     `json:"last_error,omitempty"`
}

func toCampaignDTO(c *broadcast.Campaign) campaignDTO {
	return campaignDTO{
		ID:                    c.ID,
		Name:                  c.Name,
		Status:                c.Status.String(),
		AudienceType:          c.AudienceType,
		AudienceParams:        c.AudienceParams,
		Text:                  c.Text,
		ParseMode:             c.ParseMode,
		DisableWebPagePreview: c.DisableWebPagePreview,
		ReplyMarkup:           c.ReplyMarkup,
		PhotoFileID:           c.PhotoFileID,
		PhotoURL:              c.PhotoURL,
		ScheduledAt:           c.ScheduledAt,
		CreatedAt:             c.CreatedAt,
		OutboxCreatedAt:       c.OutboxCreatedAt,
		StartedAt:             c.StartedAt,
		FinishedAt:            c.FinishedAt,
		TotalRecipients:       c.TotalRecipients,
		SentCount:             c.SentCount,
		FailedCount:           c.FailedCount,
		LastError:             c.LastError,
	}
}

func toCampaignDTOs(cs []*broadcast.Campaign) []campaignDTO {
	out := make([]campaignDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, toCampaignDTO(c))
	}
	return out
}

// messageDTO is the wire representation of an OutboxMessage.
type messageDTO struct {
	ID          int64      `json:"id"`
	CampaignID  int64      `json:"campaign_id"`
	ChatID      int64      `json:"chat_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

func toMessageDTOs(ms []*broadcast.OutboxMessage) []messageDTO {
	out := make([]messageDTO, 0, len(ms))
	for _, m := range ms {
		out = append(out, messageDTO{
			ID:          m.ID,
			CampaignID:  m.CampaignID,
			ChatID:      m.ChatID,
			Status:      m.Status.String(),
			Attempts:    m.Attempts,
			NextRetryAt: m.NextRetryAt,
			LockedUntil: m.LockedUntil,
			LastError:   m.LastError,
			CreatedAt:   m.CreatedAt,
			SentAt:      m.SentAt,
		})
	}
	return out
}

// createCampaignRequest is the wire payload for POST /campaigns.
type createCampaignRequest struct {
	Name                  string     `json:"name"`
	AudienceType          string     `json:"audience_type"`
	AudienceParams        string     `json:"audience_params,omitempty"`
	Text                  string     `json:"text"`
	ParseMode             string     `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool       `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           string     `json:"reply_markup,omitempty"`
	PhotoFileID           string     `json:"photo_file_id,omitempty"`
	PhotoURL              string     `json:"photo_url,omitempty"`
	ScheduledAt           *time.Time `json:"scheduled_at,omitempty"`
}

// updateCampaignRequest is the wire payload for PATCH /campaigns/{id}.
// A field absent from the JSON body is left unchanged; Go's decoder
// leaves the corresponding pointer nil in that case.
type updateCampaignRequest struct {
	Name                  *string    `json:"name"`
	Text                  *string    `json:"text"`
	ParseMode             *string    `json:"parse_mode"`
	DisableWebPagePreview *bool      `json:"disable_web_page_preview"`
	ReplyMarkup           *string    `json:"reply_markup"`
	PhotoFileID           *string    `json:"photo_file_id"`
	PhotoURL              *string    `json:"photo_url"`
	ScheduledAt           *time.Time `json:"scheduled_at"`
}

// List handles GET /campaigns?limit=N.
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	result := h.admin.ListCampaigns(r.Context(), limit)
	writeCampaignsResult(w, result)
}

// Create handles POST /campaigns.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	result := h.admin.CreateCampaign(r.Context(), broadcast.CreateCampaignRequest{
		Name:                  req.Name,
		AudienceType:          req.AudienceType,
		AudienceParams:        req.AudienceParams,
		Text:                  req.Text,
		ParseMode:             req.ParseMode,
		DisableWebPagePreview: req.DisableWebPagePreview,
		ReplyMarkup:           req.ReplyMarkup,
		PhotoFileID:           req.PhotoFileID,
		PhotoURL:              req.PhotoURL,
		ScheduledAt:           req.ScheduledAt,
	})
	writeCampaignResult(w, result, http.StatusCreated)
}

// Get handles GET /campaigns/{id}.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	result := h.admin.GetCampaign(r.Context(), id)
	writeCampaignResult(w, result, http.StatusOK)
}

// Update handles PATCH /campaigns/{id}.
func (h *CampaignHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req updateCampaignRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	result := h.admin.UpdateCampaign(r.Context(), id, broadcast.UpdateCampaignRequest{
		Name:                  req.Name,
		Text:                  req.Text,
		ParseMode:             req.ParseMode,
		DisableWebPagePreview: req.DisableWebPagePreview,
		ReplyMarkup:           req.ReplyMarkup,
		PhotoFileID:           req.PhotoFileID,
		PhotoURL:              req.PhotoURL,
		ScheduledAt:           req.ScheduledAt,
	})
	writeCampaignResult(w, result, http.StatusOK)
}

// Queue handles POST /campaigns/{id}/queue.
func (h *CampaignHandler) Queue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	writeCampaignResult(w, h.admin.Queue(r.Context(), id), http.StatusOK)
}

// Pause handles POST /campaigns/{id}/pause.
func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	writeCampaignResult(w, h.admin.Pause(r.Context(), id), http.StatusOK)
}

// Resume handles POST /campaigns/{id}/resume.
func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	writeCampaignResult(w, h.admin.Resume(r.Context(), id), http.StatusOK)
}

// Cancel handles POST /campaigns/{id}/cancel.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	writeCampaignResult(w, h.admin.Cancel(r.Context(), id), http.StatusOK)
}

// ListMessages handles GET /campaigns/{id}/messages?limit=N.
func (h *CampaignHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r, 100)
	result := h.admin.ListMessages(r.Context(), id, limit)
	if result.IsFailure() {
		WriteUseCaseError(w, result.Error())
		return
	}
	WriteJSON(w, http.StatusOK, toMessageDTOs(result.Value()))
}

func writeCampaignResult(w http.ResponseWriter, result common.Result[*broadcast.Campaign], successStatus int) {
	if result.IsFailure() {
		WriteUseCaseError(w, result.Error())
		return
	}
	WriteJSON(w, successStatus, toCampaignDTO(result.Value()))
}

func writeCampaignsResult(w http.ResponseWriter, result common.Result[[]*broadcast.Campaign]) {
	if result.IsFailure() {
		WriteUseCaseError(w, result.Error())
		return
	}
	WriteJSON(w, http.StatusOK, toCampaignDTOs(result.Value()))
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
