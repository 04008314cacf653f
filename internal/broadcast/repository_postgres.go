package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.broadcastengine.dev/internal/platform/common"
)

// DefaultLeaseDuration is the fixed sending lease window (spec §4.C).
const DefaultLeaseDuration = 120 * time.Second

// PostgresRepository implements Repository against Postgres, using
// FOR UPDATE SKIP LOCKED to claim outbox rows without blocking
// concurrent schedulers during the lock handover window.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new Postgres-backed campaign store.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateSchema creates the campaigns, outbox_messages, and
// audience_users tables if they don't already exist.
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(120) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			audience_type VARCHAR(50) NOT NULL,
			audience_params TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			parse_mode VARCHAR(20) NOT NULL DEFAULT '',
			disable_web_page_preview BOOLEAN NOT NULL DEFAULT FALSE,
			reply_markup TEXT NOT NULL DEFAULT '',
			photo_file_id TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			outbox_created_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			total_recipients BIGINT NOT NULL DEFAULT 0,
			sent_count BIGINT NOT NULL DEFAULT 0,
			failed_count BIGINT NOT NULL DEFAULT 0,
			last_error VARCHAR(2000) NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_queued ON campaigns(status, scheduled_at) WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_running ON campaigns(status) WHERE status = 'running'`,
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id BIGSERIAL PRIMARY KEY,
			campaign_id BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			chat_id BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			locked_until TIMESTAMPTZ,
			last_error VARCHAR(2000) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ,
			UNIQUE (campaign_id, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claimable ON outbox_messages(campaign_id, status, id)`,
		`CREATE TABLE IF NOT EXISTS audience_users (
			chat_id BIGINT PRIMARY KEY,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audience_active ON audience_users(is_blocked) WHERE is_blocked = FALSE`,
	}

	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the pool can reach Postgres.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isValidJSONObject(s string) bool {
	if s == "" {
		return true
	}
	var v map[string]interface{}
	return json.Unmarshal([]byte(s), &v) == nil
}

// CreateCampaign inserts a new draft campaign.
func (r *PostgresRepository) CreateCampaign(ctx context.Context, f CampaignFields) (*Campaign, error) {
	if !isValidJSONObject(f.ReplyMarkup) {
		return nil, common.ValidationError("reply_markup must be a JSON object", common.ErrCodeInvalidFormat)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (name, audience_type, audience_params, text, parse_mode,
			disable_web_page_preview, reply_markup, photo_file_id, photo_url, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, f.Name, f.AudienceType, f.AudienceParams, f.Text, f.ParseMode,
		f.DisableWebPagePreview, f.ReplyMarkup, f.PhotoFileID, f.PhotoURL, f.ScheduledAt)

	c := &Campaign{
		Name:                  f.Name,
		Status:                CampaignDraft,
		AudienceType:          f.AudienceType,
		AudienceParams:        f.AudienceParams,
		Text:                  f.Text,
		ParseMode:             f.ParseMode,
		DisableWebPagePreview: f.DisableWebPagePreview,
		ReplyMarkup:           f.ReplyMarkup,
		PhotoFileID:           f.PhotoFileID,
		PhotoURL:              f.PhotoURL,
		ScheduledAt:           f.ScheduledAt,
	}
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

const campaignColumns = `id, name, status, audience_type, audience_params, text, parse_mode,
	disable_web_page_preview, reply_markup, photo_file_id, photo_url, scheduled_at,
	created_at, outbox_created_at, started_at, finished_at, total_recipients,
	sent_count, failed_count, last_error`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	c := &Campaign{}
	err := row.Scan(&c.ID, &c.Name, &c.Status, &c.AudienceType, &c.AudienceParams, &c.Text, &c.ParseMode,
		&c.DisableWebPagePreview, &c.ReplyMarkup, &c.PhotoFileID, &c.PhotoURL, &c.ScheduledAt,
		&c.CreatedAt, &c.OutboxCreatedAt, &c.StartedAt, &c.FinishedAt, &c.TotalRecipients,
		&c.SentCount, &c.FailedCount, &c.LastError)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCampaign fetches a single campaign by id.
func (r *PostgresRepository) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns up to limit campaigns, most recent first.
func (r *PostgresRepository) ListCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaign applies a partial content update, rejecting edits the
// current status forbids.
func (r *PostgresRepository) UpdateCampaign(ctx context.Context, id int64, ch CampaignChanges) (*Campaign, error) {
	c, err := r.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.IsEditable() {
		return nil, common.BusinessRuleError("campaign is not editable in its current status", common.ErrCodeInvalidState)
	}
	if !c.Status.IsFullyEditable() && (ch.ScheduledAt != nil) {
		return nil, common.BusinessRuleError("scheduling cannot change once the campaign has left draft/queued", common.ErrCodeInvalidState)
	}
	if ch.ReplyMarkup != nil && !isValidJSONObject(*ch.ReplyMarkup) {
		return nil, common.ValidationError("reply_markup must be a JSON object", common.ErrCodeInvalidFormat)
	}

	if ch.Name != nil {
		c.Name = *ch.Name
	}
	if ch.Text != nil {
		c.Text = *ch.Text
	}
	if ch.ParseMode != nil {
		c.ParseMode = *ch.ParseMode
	}
	if ch.DisableWebPagePreview != nil {
		c.DisableWebPagePreview = *ch.DisableWebPagePreview
	}
	if ch.ReplyMarkup != nil {
		c.ReplyMarkup = *ch.ReplyMarkup
	}
	if ch.PhotoFileID != nil {
		c.PhotoFileID = *ch.PhotoFileID
	}
	if ch.PhotoURL != nil {
		c.PhotoURL = *ch.PhotoURL
	}
	if ch.ScheduledAt != nil {
		c.ScheduledAt = ch.ScheduledAt
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE campaigns SET name=$2, text=$3, parse_mode=$4, disable_web_page_preview=$5,
			reply_markup=$6, photo_file_id=$7, photo_url=$8, scheduled_at=$9
		WHERE id=$1
	`, c.ID, c.Name, c.Text, c.ParseMode, c.DisableWebPagePreview, c.ReplyMarkup, c.PhotoFileID, c.PhotoURL, c.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return c, nil
}

// Transition performs an admin-driven status change, failing with a
// conflict if the edge is not permitted.
func (r *PostgresRepository) Transition(ctx context.Context, id int64, target CampaignStatus, now time.Time) (*Campaign, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("transition: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("transition: select: %w", err)
	}

	if !c.Status.CanTransition(target) {
		return nil, common.ConcurrencyError(fmt.Sprintf("cannot transition from %s to %s", c.Status, target), common.ErrCodeInvalidState)
	}

	var finishedAt *time.Time
	if target.IsTerminal() {
		finishedAt = &now
	}

	_, err = tx.Exec(ctx, `UPDATE campaigns SET status=$2, finished_at=COALESCE($3, finished_at) WHERE id=$1`, id, target, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("transition: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("transition: commit: %w", err)
	}

	c.Status = target
	if finishedAt != nil {
		c.FinishedAt = finishedAt
	}
	return c, nil
}

// FailCampaign moves a campaign directly to failed for a configuration
// error discovered during the lift phase.
func (r *PostgresRepository) FailCampaign(ctx context.Context, id int64, reason string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET status='failed', finished_at=$2, last_error=$3
		WHERE id = $1
	`, id, now, TruncateError(reason))
	if err != nil {
		return fmt.Errorf("fail campaign: %w", err)
	}
	return nil
}

// BuildOutboxAllUsers materializes one outbox row per non-blocked
// audience user, ignoring conflicts on (campaign_id, chat_id).
func (r *PostgresRepository) BuildOutboxAllUsers(ctx context.Context, campaignID int64) (int64, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_messages (campaign_id, chat_id)
		SELECT $1, chat_id FROM audience_users WHERE is_blocked = FALSE
		ON CONFLICT (campaign_id, chat_id) DO NOTHING
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("build outbox: %w", err)
	}

	var count int64
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE campaign_id = $1`, campaignID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return count, nil
}

// MarkOutboxCreated records that materialization happened and sets the
// campaign's total_recipients.
func (r *PostgresRepository) MarkOutboxCreated(ctx context.Context, campaignID int64, now time.Time, totalRecipients int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET outbox_created_at = $2, total_recipients = $3
		WHERE id = $1
	`, campaignID, now, totalRecipients)
	if err != nil {
		return fmt.Errorf("mark outbox created: %w", err)
	}
	return nil
}

// LiftDueCampaigns selects up to limit queued campaigns whose
// scheduled_at is null or due, using skip-locked acquisition.
func (r *PostgresRepository) LiftDueCampaigns(ctx context.Context, limit int, now time.Time) ([]*Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'queued' AND (scheduled_at IS NULL OR scheduled_at <= $2)
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, now)
	if err != nil {
		return nil, fmt.Errorf("lift due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StartCampaign transitions a lifted campaign to running.
func (r *PostgresRepository) StartCampaign(ctx context.Context, campaignID int64, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = 'running', started_at = COALESCE(started_at, $2)
		WHERE id = $1
	`, campaignID, now)
	if err != nil {
		return fmt.Errorf("start campaign: %w", err)
	}
	return nil
}

// RunningCampaigns returns up to limit running campaigns.
func (r *PostgresRepository) RunningCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE status = 'running' ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("running campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimBatch atomically selects and leases up to batchSize claimable
// rows for a campaign, using FOR UPDATE SKIP LOCKED so concurrent
// schedulers never block on each other (spec §4.C).
func (r *PostgresRepository) ClaimBatch(ctx context.Context, campaignID int64, batchSize int, leaseDuration time.Duration, now time.Time) ([]ClaimedMessage, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, chat_id, attempts
		FROM outbox_messages
		WHERE campaign_id = $1
		  AND status IN ('pending', 'retry', 'sending')
		  AND (locked_until IS NULL OR locked_until <= $3)
		  AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, campaignID, batchSize, now)
	if err != nil {
		return nil, fmt.Errorf("claim batch: select: %w", err)
	}

	var claimed []ClaimedMessage
	for rows.Next() {
		var m ClaimedMessage
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim batch: scan: %w", err)
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	lockedUntil := now.Add(leaseDuration)
	ids := make([]int64, len(claimed))
	for i := range claimed {
		claimed[i].Attempts++
		ids[i] = claimed[i].MessageID
	}

	_, err = tx.Exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, status = 'sending', locked_until = $2,
		    next_retry_at = NULL, last_error = ''
		WHERE id = ANY($1)
	`, ids, lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("claim batch: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim batch: commit: %w", err)
	}
	return claimed, nil
}

// MarkSent records a successful send in one transaction spanning both
// the outbox row and the campaign's counter.
func (r *PostgresRepository) MarkSent(ctx context.Context, messageID, campaignID int64, now time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mark sent: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', sent_at = $2, next_retry_at = NULL, locked_until = NULL
		WHERE id = $1
	`, messageID, now)
	if err != nil {
		return fmt.Errorf("mark sent: outbox: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("mark sent: campaign: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkFailed records a permanent failure.
func (r *PostgresRepository) MarkFailed(ctx context.Context, messageID, campaignID int64, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mark failed: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', last_error = $2, next_retry_at = NULL, locked_until = NULL
		WHERE id = $1
	`, messageID, TruncateError(reason))
	if err != nil {
		return fmt.Errorf("mark failed: outbox: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("mark failed: campaign: %w", err)
	}

	return tx.Commit(ctx)
}

// ScheduleRetry records a retryable failure with a backoff delay.
func (r *PostgresRepository) ScheduleRetry(ctx context.Context, messageID int64, reason string, delay time.Duration, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'retry', next_retry_at = $2, locked_until = NULL, last_error = $3
		WHERE id = $1
	`, messageID, now.Add(delay), TruncateError(reason))
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// CompleteIfDrained conditionally completes a running campaign when no
// outbox row remains pending, retrying, or in flight.
func (r *PostgresRepository) CompleteIfDrained(ctx context.Context, campaignID int64, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = 'completed', finished_at = $2
		WHERE id = $1
		  AND status = 'running'
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox_messages
		      WHERE campaign_id = $1 AND status IN ('pending', 'retry', 'sending')
		  )
	`, campaignID, now)
	if err != nil {
		return false, fmt.Errorf("complete if drained: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMessages returns up to limit outbox rows for a campaign.
func (r *PostgresRepository) ListMessages(ctx context.Context, campaignID int64, limit int) ([]*OutboxMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, campaign_id, chat_id, status, attempts, next_retry_at, locked_until, last_error, created_at, sent_at
		FROM outbox_messages
		WHERE campaign_id = $1
		ORDER BY id ASC
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		err := rows.Scan(&m.ID, &m.CampaignID, &m.ChatID, &m.Status, &m.Attempts,
			&m.NextRetryAt, &m.LockedUntil, &m.LastError, &m.CreatedAt, &m.SentAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PendingMessageCount returns the number of outbox rows across all
// campaigns still awaiting delivery.
func (r *PostgresRepository) PendingMessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_messages WHERE status IN ('pending', 'retry', 'sending')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending message count: %w", err)
	}
	return count, nil
}

// ActiveCampaignCount returns the number of campaigns currently running.
func (r *PostgresRepository) ActiveCampaignCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM campaigns WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("active campaign count: %w", err)
	}
	return count, nil
}
