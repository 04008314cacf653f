package broadcast

import (
	"context"
	"time"
	"unicode/utf8"

	"go.broadcastengine.dev/internal/platform/common"
)

// AdminService is the Admin Command Surface (spec §4.H): validates and
// applies lifecycle transitions and content edits on behalf of an
// operator, delegating every state change to the Campaign Store's
// Transition/UpdateCampaign methods rather than mutating campaigns
// directly. Every method returns a common.Result so the HTTP layer can
// map ErrorKind to a status code without re-deriving it (teacher's
// CreateApplicationUseCase.Execute / WriteUseCaseResult pattern, with the
// UnitOfWork/domain-event machinery dropped — see DESIGN.md).
type AdminService struct {
	repo Repository
	now  func() time.Time
}

// NewAdminService creates an AdminService backed by the Campaign Store.
func NewAdminService(repo Repository) *AdminService {
	return &AdminService{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// CreateCampaignRequest is the validated payload for CreateCampaign.
type CreateCampaignRequest struct {
	Name                  string
	AudienceType          string
	AudienceParams        string
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           string
	PhotoFileID           string
	PhotoURL              string
	ScheduledAt           *time.Time
}

// UpdateCampaignRequest is a partial content update; nil fields are left
// unchanged.
type UpdateCampaignRequest struct {
	Name                  *string
	Text                  *string
	ParseMode             *string
	DisableWebPagePreview *bool
	ReplyMarkup           *string
	PhotoFileID           *string
	PhotoURL              *string
	ScheduledAt           *time.Time
}

// ListCampaigns returns up to limit campaigns, most recent first.
func (s *AdminService) ListCampaigns(ctx context.Context, limit int) common.Result[[]*Campaign] {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	campaigns, err := s.repo.ListCampaigns(ctx, limit)
	if err != nil {
		return common.Failure[[]*Campaign](toInternalError(err))
	}
	return common.Success(campaigns)
}

// CreateCampaign validates and inserts a new draft campaign.
func (s *AdminService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) common.Result[*Campaign] {
	if req.Name == "" || utf8.RuneCountInString(req.Name) > 120 {
		return common.Failure[*Campaign](common.ValidationError("name must be 1..120 characters", common.ErrCodeInvalidFormat))
	}
	if req.AudienceType == "" {
		return common.Failure[*Campaign](common.ValidationError("audience_type is required", common.ErrCodeRequired))
	}
	if req.Text == "" {
		return common.Failure[*Campaign](common.ValidationError("text is required", common.ErrCodeRequired))
	}
	if req.PhotoFileID != "" && req.PhotoURL != "" {
		return common.Failure[*Campaign](common.ValidationError("photo_file_id and photo_url are mutually exclusive", common.ErrCodeInvalidValue))
	}

	c, err := s.repo.CreateCampaign(ctx, CampaignFields{
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
	if err != nil {
		return common.Failure[*Campaign](asUseCaseError(err))
	}
	return common.Success(c)
}

// UpdateCampaign applies a partial content update to an existing campaign.
func (s *AdminService) UpdateCampaign(ctx context.Context, id int64, req UpdateCampaignRequest) common.Result[*Campaign] {
	if req.PhotoFileID != nil && req.PhotoURL != nil && *req.PhotoFileID != "" && *req.PhotoURL != "" {
		return common.Failure[*Campaign](common.ValidationError("photo_file_id and photo_url are mutually exclusive", common.ErrCodeInvalidValue))
	}
	c, err := s.repo.UpdateCampaign(ctx, id, CampaignChanges{
		Name:                  req.Name,
		Text:                  req.Text,
		ParseMode:             req.ParseMode,
		DisableWebPagePreview: req.DisableWebPagePreview,
		ReplyMarkup:           req.ReplyMarkup,
		PhotoFileID:           req.PhotoFileID,
		PhotoURL:              req.PhotoURL,
		ScheduledAt:           req.ScheduledAt,
	})
	if err != nil {
		return common.Failure[*Campaign](asUseCaseError(err))
	}
	return common.Success(c)
}

// Queue transitions a draft campaign to queued.
func (s *AdminService) Queue(ctx context.Context, id int64) common.Result[*Campaign] {
	return s.transition(ctx, id, CampaignQueued)
}

// Pause transitions a queued or running campaign to paused.
func (s *AdminService) Pause(ctx context.Context, id int64) common.Result[*Campaign] {
	return s.transition(ctx, id, CampaignPaused)
}

// Resume transitions a paused campaign back to running.
func (s *AdminService) Resume(ctx context.Context, id int64) common.Result[*Campaign] {
	return s.transition(ctx, id, CampaignRunning)
}

// Cancel transitions any non-terminal campaign to cancelled.
func (s *AdminService) Cancel(ctx context.Context, id int64) common.Result[*Campaign] {
	return s.transition(ctx, id, CampaignCancelled)
}

func (s *AdminService) transition(ctx context.Context, id int64, target CampaignStatus) common.Result[*Campaign] {
	c, err := s.repo.Transition(ctx, id, target, s.now())
	if err != nil {
		return common.Failure[*Campaign](asUseCaseError(err))
	}
	return common.Success(c)
}

// ListMessages returns up to limit outbox rows for a campaign, failing
// with not-found if the campaign itself does not exist.
func (s *AdminService) ListMessages(ctx context.Context, campaignID int64, limit int) common.Result[[]*OutboxMessage] {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if _, err := s.repo.GetCampaign(ctx, campaignID); err != nil {
		return common.Failure[[]*OutboxMessage](asUseCaseError(err))
	}
	msgs, err := s.repo.ListMessages(ctx, campaignID, limit)
	if err != nil {
		return common.Failure[[]*OutboxMessage](toInternalError(err))
	}
	return common.Success(msgs)
}

// GetCampaign fetches a single campaign by id.
func (s *AdminService) GetCampaign(ctx context.Context, id int64) common.Result[*Campaign] {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return common.Failure[*Campaign](asUseCaseError(err))
	}
	return common.Success(c)
}

// asUseCaseError passes a *common.UseCaseError through unchanged (the
// Repository already classifies validation/not-found/conflict errors) and
// wraps anything else as internal, so a raw driver error never leaks to
// the HTTP layer as a 500 with no kind.
func asUseCaseError(err error) *common.UseCaseError {
	if uce, ok := err.(*common.UseCaseError); ok {
		return uce
	}
	return toInternalError(err)
}

func toInternalError(err error) *common.UseCaseError {
	return common.InternalError(err.Error(), "INTERNAL")
}
