// Package broadcast implements the durable, transactional fan-out pipeline
// that delivers a campaign's text or photo message to its resolved
// audience. It is a transactional-outbox engine specialized to a single
// provider (Telegram) rather than a general event-publishing outbox:
//
//  1. An admin queues a campaign; the scheduler lifts it and materializes
//     one outbox row per resolved recipient (`build_outbox_all_users`).
//  2. The scheduler claims due rows with `FOR UPDATE SKIP LOCKED`, sends
//     each through the API gateway, and classifies the response into
//     success, retry-with-backoff, or permanent failure.
//  3. A campaign completes once no row remains pending, retrying, or
//     in flight; pause/resume/cancel are explicit admin transitions.
//
// Crash recovery: a row left `sending` past its lease (`locked_until`)
// is re-claimed by the next tick, giving at-least-once delivery at the
// API level.
package broadcast

import "time"

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignQueued    CampaignStatus = "queued"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// String returns the status's wire/storage representation.
func (s CampaignStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state; no
// further transitions are permitted out of it.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignFailed
}

// IsEditable reports whether content fields (text, parse mode, photo
// reference, reply markup) may still be changed in this status. Running,
// completed, cancelled and failed campaigns never accept content edits.
func (s CampaignStatus) IsEditable() bool {
	return s == CampaignDraft || s == CampaignQueued || s == CampaignPaused
}

// IsFullyEditable reports whether every field, not just content, may
// still change (only true for draft and queued campaigns).
func (s CampaignStatus) IsFullyEditable() bool {
	return s == CampaignDraft || s == CampaignQueued
}

// campaignTransitions is the campaign state machine's adjacency table.
var campaignTransitions = map[CampaignStatus]map[CampaignStatus]bool{
	CampaignDraft:   {CampaignQueued: true, CampaignCancelled: true},
	CampaignQueued:  {CampaignRunning: true, CampaignPaused: true, CampaignCancelled: true},
	CampaignRunning: {CampaignPaused: true, CampaignCompleted: true, CampaignCancelled: true, CampaignFailed: true},
	CampaignPaused:  {CampaignRunning: true, CampaignCancelled: true},
}

// CanTransition reports whether moving from s to target is a permitted
// edge of the campaign state machine (spec §4.G).
func (s CampaignStatus) CanTransition(target CampaignStatus) bool {
	edges, ok := campaignTransitions[s]
	if !ok {
		return false
	}
	return edges[target]
}

// Campaign is a broadcast job: a message, an audience selector, and the
// bookkeeping that tracks its delivery.
type Campaign struct {
	ID     int64
	Name   string
	Status CampaignStatus

	// Set at creation. AudienceType and AudienceParams never change
	// afterwards; the content fields can be edited through UpdateCampaign
	// while the status allows it (see IsEditable).
	AudienceType           string
	AudienceParams         string // opaque JSON
	Text                   string
	ParseMode              string
	DisableWebPagePreview  bool
	ReplyMarkup            string // opaque JSON object, optional
	PhotoFileID            string
	PhotoURL               string

	// Mutable bookkeeping.
	ScheduledAt     *time.Time
	CreatedAt       time.Time
	OutboxCreatedAt *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	TotalRecipients int64
	SentCount       int64
	FailedCount     int64
	LastError       string
}

// HasPhoto reports whether the campaign carries a photo reference, in
// which case send_photo is used in place of send_text (spec §4.E).
func (c *Campaign) HasPhoto() bool {
	return c.PhotoFileID != "" || c.PhotoURL != ""
}

// PhotoRef returns the reference to pass to send_photo: the file id if
// present, else the URL.
func (c *Campaign) PhotoRef() string {
	if c.PhotoFileID != "" {
		return c.PhotoFileID
	}
	return c.PhotoURL
}

// MaxLastErrorLen is the storage cap on Campaign.LastError and
// OutboxMessage.LastError.
const MaxLastErrorLen = 2000

// TruncateError truncates an error message to the storage cap, matching
// the campaign's and outbox row's last_error column width.
func TruncateError(msg string) string {
	if len(msg) <= MaxLastErrorLen {
		return msg
	}
	return msg[:MaxLastErrorLen]
}

// MessageStatus is the delivery state of a single outbox row.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageRetry   MessageStatus = "retry"
	MessageFailed  MessageStatus = "failed"
)

// String returns the status's wire/storage representation.
func (s MessageStatus) String() string {
	return string(s)
}

// IsTerminal returns true for sent and failed, the two terminal states
// of the outbox row state machine.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageSent || s == MessageFailed
}

// IsClaimable reports whether a row in this status is a candidate for
// claim_batch (pending, retry, or an expired sending lease — the caller
// still must check locked_until/next_retry_at against now).
func (s MessageStatus) IsClaimable() bool {
	return s == MessagePending || s == MessageRetry || s == MessageSending
}

// OutboxMessage is one recipient's pending, in-flight, or completed
// delivery attempt for a campaign.
type OutboxMessage struct {
	ID           int64
	CampaignID   int64
	ChatID       int64
	Status       MessageStatus
	Attempts     int
	NextRetryAt  *time.Time
	LockedUntil  *time.Time
	LastError    string
	CreatedAt    time.Time
	SentAt       *time.Time
}

// IsLeaseHeld reports whether the row's sending lease is still valid at
// the given instant.
func (m *OutboxMessage) IsLeaseHeld(now time.Time) bool {
	return m.Status == MessageSending && m.LockedUntil != nil && m.LockedUntil.After(now)
}

// AudienceUser is a durable record of a distinct Telegram chat known to
// the system, backing the all_users audience resolver. IsBlocked is set
// when the gateway has observed a permanent "bot was blocked"/"chat not
// found"/"user is deactivated" failure for this chat, so future
// campaigns stop re-materializing outbox rows for it (SPEC_FULL §4.N).
type AudienceUser struct {
	ChatID      int64
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	IsBlocked   bool
}

// WorkerLease describes the transient, process-wide lock record a
// scheduler replica holds while actively ticking (spec §3, §4.B). It is
// never persisted in the Campaign Store; it lives only in the lock
// manager's backing store.
type WorkerLease struct {
	Token     string
	AcquiredAt time.Time
	TTL       time.Duration
}
