package broadcast

import (
	"context"
	"time"

	"go.broadcastengine.dev/internal/common/repository"
)

// instrumentedRepository wraps a Repository so every store call is timed,
// counted, and slow-query logged the way the rest of the platform's
// database calls are (internal/common/repository.Instrument), without
// duplicating that bookkeeping into every PostgresRepository method body.
type instrumentedRepository struct {
	inner Repository
}

// Instrument wraps repo so its calls are observed through the shared
// repository metrics/logging helper (spec §4.M).
func Instrument(repo Repository) Repository {
	return &instrumentedRepository{inner: repo}
}

const campaignsCollection = "campaigns"

func (r *instrumentedRepository) CreateCampaign(ctx context.Context, f CampaignFields) (*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "CreateCampaign", func() (*Campaign, error) {
		return r.inner.CreateCampaign(ctx, f)
	})
}

func (r *instrumentedRepository) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "GetCampaign", func() (*Campaign, error) {
		return r.inner.GetCampaign(ctx, id)
	})
}

func (r *instrumentedRepository) ListCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "ListCampaigns", func() ([]*Campaign, error) {
		return r.inner.ListCampaigns(ctx, limit)
	})
}

func (r *instrumentedRepository) UpdateCampaign(ctx context.Context, id int64, changes CampaignChanges) (*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "UpdateCampaign", func() (*Campaign, error) {
		return r.inner.UpdateCampaign(ctx, id, changes)
	})
}

func (r *instrumentedRepository) Transition(ctx context.Context, id int64, target CampaignStatus, now time.Time) (*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "Transition", func() (*Campaign, error) {
		return r.inner.Transition(ctx, id, target, now)
	})
}

func (r *instrumentedRepository) FailCampaign(ctx context.Context, id int64, reason string, now time.Time) error {
	return repository.InstrumentVoid(ctx, campaignsCollection, "FailCampaign", func() error {
		return r.inner.FailCampaign(ctx, id, reason, now)
	})
}

func (r *instrumentedRepository) BuildOutboxAllUsers(ctx context.Context, campaignID int64) (int64, error) {
	return repository.Instrument(ctx, "outbox_messages", "BuildOutboxAllUsers", func() (int64, error) {
		return r.inner.BuildOutboxAllUsers(ctx, campaignID)
	})
}

func (r *instrumentedRepository) MarkOutboxCreated(ctx context.Context, campaignID int64, now time.Time, totalRecipients int64) error {
	return repository.InstrumentVoid(ctx, campaignsCollection, "MarkOutboxCreated", func() error {
		return r.inner.MarkOutboxCreated(ctx, campaignID, now, totalRecipients)
	})
}

func (r *instrumentedRepository) LiftDueCampaigns(ctx context.Context, limit int, now time.Time) ([]*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "LiftDueCampaigns", func() ([]*Campaign, error) {
		return r.inner.LiftDueCampaigns(ctx, limit, now)
	})
}

func (r *instrumentedRepository) StartCampaign(ctx context.Context, campaignID int64, now time.Time) error {
	return repository.InstrumentVoid(ctx, campaignsCollection, "StartCampaign", func() error {
		return r.inner.StartCampaign(ctx, campaignID, now)
	})
}

func (r *instrumentedRepository) RunningCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	return repository.Instrument(ctx, campaignsCollection, "RunningCampaigns", func() ([]*Campaign, error) {
		return r.inner.RunningCampaigns(ctx, limit)
	})
}

func (r *instrumentedRepository) ClaimBatch(ctx context.Context, campaignID int64, batchSize int, leaseDuration time.Duration, now time.Time) ([]ClaimedMessage, error) {
	return repository.Instrument(ctx, "outbox_messages", "ClaimBatch", func() ([]ClaimedMessage, error) {
		return r.inner.ClaimBatch(ctx, campaignID, batchSize, leaseDuration, now)
	})
}

func (r *instrumentedRepository) MarkSent(ctx context.Context, messageID, campaignID int64, now time.Time) error {
	return repository.InstrumentVoid(ctx, "outbox_messages", "MarkSent", func() error {
		return r.inner.MarkSent(ctx, messageID, campaignID, now)
	})
}

func (r *instrumentedRepository) MarkFailed(ctx context.Context, messageID, campaignID int64, reason string) error {
	return repository.InstrumentVoid(ctx, "outbox_messages", "MarkFailed", func() error {
		return r.inner.MarkFailed(ctx, messageID, campaignID, reason)
	})
}

func (r *instrumentedRepository) ScheduleRetry(ctx context.Context, messageID int64, reason string, delay time.Duration, now time.Time) error {
	return repository.InstrumentVoid(ctx, "outbox_messages", "ScheduleRetry", func() error {
		return r.inner.ScheduleRetry(ctx, messageID, reason, delay, now)
	})
}

func (r *instrumentedRepository) CompleteIfDrained(ctx context.Context, campaignID int64, now time.Time) (bool, error) {
	return repository.Instrument(ctx, campaignsCollection, "CompleteIfDrained", func() (bool, error) {
		return r.inner.CompleteIfDrained(ctx, campaignID, now)
	})
}

func (r *instrumentedRepository) ListMessages(ctx context.Context, campaignID int64, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, "outbox_messages", "ListMessages", func() ([]*OutboxMessage, error) {
		return r.inner.ListMessages(ctx, campaignID, limit)
	})
}

func (r *instrumentedRepository) PendingMessageCount(ctx context.Context) (int64, error) {
	return repository.Instrument(ctx, "outbox_messages", "PendingMessageCount", func() (int64, error) {
		return r.inner.PendingMessageCount(ctx)
	})
}

func (r *instrumentedRepository) ActiveCampaignCount(ctx context.Context) (int64, error) {
	return repository.Instrument(ctx, campaignsCollection, "ActiveCampaignCount", func() (int64, error) {
		return r.inner.ActiveCampaignCount(ctx)
	})
}

func (r *instrumentedRepository) CreateSchema(ctx context.Context) error {
	return r.inner.CreateSchema(ctx)
}

func (r *instrumentedRepository) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}
