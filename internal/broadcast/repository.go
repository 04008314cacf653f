package broadcast

import (
	"context"
	"time"
)

// CampaignFields are the attributes accepted by CreateCampaign. Fields
// left zero-valued use their spec-defined defaults.
type CampaignFields struct {
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

// CampaignChanges is a partial update to a campaign's fields. A nil
// pointer means "leave unchanged".
type CampaignChanges struct {
	Name                  *string
	Text                  *string
	ParseMode             *string
	DisableWebPagePreview *bool
	ReplyMarkup           *string
	PhotoFileID           *string
	PhotoURL              *string
	ScheduledAt           *time.Time
}

// ClaimedMessage is one row returned by ClaimBatch: enough to attempt a
// send without a further round trip to re-read the row.
type ClaimedMessage struct {
	MessageID int64
	ChatID    int64
	Attempts  int
}

// Repository is the Campaign Store (spec §4.C): the transactional
// system of record for campaigns and their outbox rows. Every write
// method must remain correct under concurrent scheduler ticks racing
// during a lock handover window.
type Repository interface {
	// CreateCampaign inserts a new campaign with status=draft. Returns
	// a validation error if reply_markup is a non-empty string that
	// does not parse as a JSON object.
	CreateCampaign(ctx context.Context, fields CampaignFields) (*Campaign, error)

	// GetCampaign fetches a single campaign by id.
	GetCampaign(ctx context.Context, id int64) (*Campaign, error)

	// ListCampaigns returns up to limit campaigns, most recent first.
	ListCampaigns(ctx context.Context, limit int) ([]*Campaign, error)

	// UpdateCampaign applies changes, rejecting edits the current
	// status forbids (draft/queued: fully editable; paused: content
	// fields only; running/completed/cancelled/failed: no edits).
	UpdateCampaign(ctx context.Context, id int64, changes CampaignChanges) (*Campaign, error)

	// Transition performs one of the named admin transitions (§4.H)
	// atomically, failing with a conflict if the edge is not permitted
	// from the campaign's current status.
	Transition(ctx context.Context, id int64, target CampaignStatus, now time.Time) (*Campaign, error)

	// FailCampaign moves a campaign directly to failed with a reason,
	// used by the lift phase for configuration errors (unsupported
	// audience type, malformed reply_markup) rather than an admin edge.
	FailCampaign(ctx context.Context, id int64, reason string, now time.Time) error

	// BuildOutboxAllUsers materializes one outbox row per member of the
	// resolved audience, ignoring conflicts on (campaign_id, chat_id)
	// so re-materialization is a no-op. Returns the number of distinct
	// recipients the campaign now has outbox rows for.
	BuildOutboxAllUsers(ctx context.Context, campaignID int64) (int64, error)

	// MarkOutboxCreated records that materialization has happened for
	// this campaign, so later ticks skip it, and sets total_recipients.
	MarkOutboxCreated(ctx context.Context, campaignID int64, now time.Time, totalRecipients int64) error

	// LiftDueCampaigns selects up to limit queued campaigns whose
	// scheduled_at is null or due, with skip-locked acquisition so
	// concurrent lifters never double-lift the same row.
	LiftDueCampaigns(ctx context.Context, limit int, now time.Time) ([]*Campaign, error)

	// StartCampaign transitions a lifted campaign to running and sets
	// started_at if unset.
	StartCampaign(ctx context.Context, campaignID int64, now time.Time) error

	// RunningCampaigns returns up to limit campaigns currently running,
	// for the dispatch and drain-check phases.
	RunningCampaigns(ctx context.Context, limit int) ([]*Campaign, error)

	// ClaimBatch atomically selects up to batchSize claimable rows for
	// a campaign (status pending/retry, or an expired sending lease)
	// whose next_retry_at/locked_until is null or due, ordered by id
	// ascending, using a skip-locked acquisition that never blocks on
	// other writers. Each claimed row has attempts incremented,
	// status set to sending, locked_until extended by leaseDuration,
	// and next_retry_at/last_error cleared.
	ClaimBatch(ctx context.Context, campaignID int64, batchSize int, leaseDuration time.Duration, now time.Time) ([]ClaimedMessage, error)

	// MarkSent records a successful send: status=sent, sent_at=now,
	// next_retry_at/locked_until cleared, campaign sent_count += 1.
	MarkSent(ctx context.Context, messageID, campaignID int64, now time.Time) error

	// MarkFailed records a permanent failure: status=failed, the
	// truncated reason stored, campaign failed_count += 1.
	MarkFailed(ctx context.Context, messageID, campaignID int64, reason string) error

	// ScheduleRetry records a retryable failure: status=retry,
	// next_retry_at=now+delay, locked_until cleared, reason stored.
	ScheduleRetry(ctx context.Context, messageID int64, reason string, delay time.Duration, now time.Time) error

	// CompleteIfDrained conditionally transitions a running campaign to
	// completed when no outbox row remains pending, retrying, or in
	// flight. Returns true if the transition happened.
	CompleteIfDrained(ctx context.Context, campaignID int64, now time.Time) (bool, error)

	// ListMessages returns up to limit outbox rows for a campaign,
	// ordered by id ascending.
	ListMessages(ctx context.Context, campaignID int64, limit int) ([]*OutboxMessage, error)

	// PendingMessageCount returns the number of outbox rows across all
	// campaigns still awaiting delivery (pending, retry, or sending),
	// for the pending_messages gauge.
	PendingMessageCount(ctx context.Context) (int64, error)

	// ActiveCampaignCount returns the number of campaigns currently
	// running, for the active_campaigns gauge.
	ActiveCampaignCount(ctx context.Context) (int64, error)

	// CreateSchema creates the campaigns/outbox tables if absent.
	CreateSchema(ctx context.Context) error

	// Ping verifies the store is reachable, for readiness checks.
	Ping(ctx context.Context) error
}
