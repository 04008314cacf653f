package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.broadcastengine.dev/internal/platform/common"
)

// mockRepository is an in-memory Repository used by the broadcast
// package's own tests. It implements just enough of the Campaign
// Store's semantics (state-machine edges, skip-locked-style claiming,
// conflict-ignore materialization) to drive the scheduler and admin
// surface without a real database.
type mockRepository struct {
	mu         sync.Mutex
	nextCampID int64
	nextMsgID  int64
	campaigns  map[int64]*Campaign
	messages   map[int64]*OutboxMessage
	audience   map[int64]*AudienceUser
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		campaigns: make(map[int64]*Campaign),
		messages:  make(map[int64]*OutboxMessage),
		audience:  make(map[int64]*AudienceUser),
	}
}

func (r *mockRepository) addAudienceUser(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audience[chatID] = &AudienceUser{ChatID: chatID, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
}

func (r *mockRepository) CreateSchema(ctx context.Context) error { return nil }
func (r *mockRepository) Ping(ctx context.Context) error         { return nil }

func (r *mockRepository) CreateCampaign(ctx context.Context, f CampaignFields) (*Campaign, error) {
	if !isValidJSONObject(f.ReplyMarkup) {
		return nil, common.ValidationError("reply_markup must be a JSON object", common.ErrCodeInvalidFormat)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCampID++
	c := &Campaign{
		ID:                    r.nextCampID,
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
		CreatedAt:             time.Now().UTC(),
	}
	r.campaigns[c.ID] = c
	return cloneCampaign(c), nil
}

func (r *mockRepository) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	return cloneCampaign(c), nil
}

func (r *mockRepository) ListCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id := range r.campaigns {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(int64Slice(ids)))
	var out []*Campaign
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		out = append(out, cloneCampaign(r.campaigns[id]))
	}
	return out, nil
}

func (r *mockRepository) UpdateCampaign(ctx context.Context, id int64, ch CampaignChanges) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	if !c.Status.IsEditable() {
		return nil, common.BusinessRuleError("campaign is not editable in its current status", common.ErrCodeInvalidState)
	}
	if !c.Status.IsFullyEditable() && ch.ScheduledAt != nil {
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
	return cloneCampaign(c), nil
}

func (r *mockRepository) Transition(ctx context.Context, id int64, target CampaignStatus, now time.Time) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	if !c.Status.CanTransition(target) {
		return nil, common.ConcurrencyError("transition not permitted", common.ErrCodeInvalidState)
	}
	c.Status = target
	if target.IsTerminal() {
		c.FinishedAt = &now
	}
	return cloneCampaign(c), nil
}

func (r *mockRepository) FailCampaign(ctx context.Context, id int64, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	c.Status = CampaignFailed
	c.FinishedAt = &now
	c.LastError = TruncateError(reason)
	return nil
}

func (r *mockRepository) BuildOutboxAllUsers(ctx context.Context, campaignID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := map[int64]bool{}
	for _, m := range r.messages {
		if m.CampaignID == campaignID {
			existing[m.ChatID] = true
		}
	}
	for chatID, u := range r.audience {
		if u.IsBlocked || existing[chatID] {
			continue
		}
		r.nextMsgID++
		r.messages[r.nextMsgID] = &OutboxMessage{
			ID:         r.nextMsgID,
			CampaignID: campaignID,
			ChatID:     chatID,
			Status:     MessagePending,
			CreatedAt:  time.Now().UTC(),
		}
	}
	var count int64
	for _, m := range r.messages {
		if m.CampaignID == campaignID {
			count++
		}
	}
	return count, nil
}

func (r *mockRepository) MarkOutboxCreated(ctx context.Context, campaignID int64, now time.Time, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	c.OutboxCreatedAt = &now
	c.TotalRecipients = total
	return nil
}

func (r *mockRepository) LiftDueCampaigns(ctx context.Context, limit int, now time.Time) ([]*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Campaign
	var ids []int64
	for id := range r.campaigns {
		ids = append(ids, id)
	}
	sort.Sort(int64Slice(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		c := r.campaigns[id]
		if c.Status != CampaignQueued {
			continue
		}
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	return out, nil
}

func (r *mockRepository) StartCampaign(ctx context.Context, campaignID int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	c.Status = CampaignRunning
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	return nil
}

func (r *mockRepository) RunningCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Campaign
	var ids []int64
	for id := range r.campaigns {
		ids = append(ids, id)
	}
	sort.Sort(int64Slice(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if r.campaigns[id].Status == CampaignRunning {
			out = append(out, cloneCampaign(r.campaigns[id]))
		}
	}
	return out, nil
}

func (r *mockRepository) ClaimBatch(ctx context.Context, campaignID int64, batchSize int, leaseDuration time.Duration, now time.Time) ([]ClaimedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, m := range r.messages {
		if m.CampaignID != campaignID {
			continue
		}
		if !m.Status.IsClaimable() {
			continue
		}
		if m.LockedUntil != nil && m.LockedUntil.After(now) {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(int64Slice(ids))

	var claimed []ClaimedMessage
	lockedUntil := now.Add(leaseDuration)
	for _, id := range ids {
		if len(claimed) >= batchSize {
			break
		}
		m := r.messages[id]
		m.Attempts++
		m.Status = MessageSending
		m.LockedUntil = &lockedUntil
		m.NextRetryAt = nil
		m.LastError = ""
		claimed = append(claimed, ClaimedMessage{MessageID: m.ID, ChatID: m.ChatID, Attempts: m.Attempts})
	}
	return claimed, nil
}

func (r *mockRepository) MarkSent(ctx context.Context, messageID, campaignID int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return common.NotFoundError("message not found", common.ErrCodeCampaignNotFound)
	}
	m.Status = MessageSent
	m.SentAt = &now
	m.NextRetryAt = nil
	m.LockedUntil = nil
	if c, ok := r.campaigns[campaignID]; ok {
		c.SentCount++
	}
	return nil
}

func (r *mockRepository) MarkFailed(ctx context.Context, messageID, campaignID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return common.NotFoundError("message not found", common.ErrCodeCampaignNotFound)
	}
	m.Status = MessageFailed
	m.LastError = TruncateError(reason)
	m.NextRetryAt = nil
	m.LockedUntil = nil
	if c, ok := r.campaigns[campaignID]; ok {
		c.FailedCount++
	}
	return nil
}

func (r *mockRepository) ScheduleRetry(ctx context.Context, messageID int64, reason string, delay time.Duration, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return common.NotFoundError("message not found", common.ErrCodeCampaignNotFound)
	}
	next := now.Add(delay)
	m.Status = MessageRetry
	m.NextRetryAt = &next
	m.LockedUntil = nil
	m.LastError = TruncateError(reason)
	return nil
}

func (r *mockRepository) CompleteIfDrained(ctx context.Context, campaignID int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return false, common.NotFoundError("campaign not found", common.ErrCodeCampaignNotFound)
	}
	if c.Status != CampaignRunning {
		return false, nil
	}
	for _, m := range r.messages {
		if m.CampaignID != campaignID {
			continue
		}
		if m.Status == MessagePending || m.Status == MessageRetry || m.Status == MessageSending {
			return false, nil
		}
	}
	c.Status = CampaignCompleted
	c.FinishedAt = &now
	return true, nil
}

func (r *mockRepository) ListMessages(ctx context.Context, campaignID int64, limit int) ([]*OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, m := range r.messages {
		if m.CampaignID == campaignID {
			ids = append(ids, id)
		}
	}
	sort.Sort(int64Slice(ids))
	var out []*OutboxMessage
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		m := *r.messages[id]
		out = append(out, &m)
	}
	return out, nil
}

func (r *mockRepository) PendingMessageCount(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, m := range r.messages {
		if m.Status == MessagePending || m.Status == MessageRetry || m.Status == MessageSending {
			count++
		}
	}
	return count, nil
}

func (r *mockRepository) ActiveCampaignCount(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, c := range r.campaigns {
		if c.Status == CampaignRunning {
			count++
		}
	}
	return count, nil
}

func cloneCampaign(c *Campaign) *Campaign {
	cp := *c
	return &cp
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
