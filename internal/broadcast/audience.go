package broadcast

import (
	"context"
	"fmt"
)

// AllUsersAudience is the only audience variant this engine resolves
// (spec §4.D). Any other audience_type is a configuration error caught
// at lift time.
const AllUsersAudience = "all_users"

// AudienceResolver materializes a campaign's recipient set into outbox
// rows. Resolution happens exactly once per campaign: once
// outbox_created_at is set, later ticks skip it.
type AudienceResolver struct {
	repo Repository
}

// NewAudienceResolver creates a resolver backed by the Campaign Store.
func NewAudienceResolver(repo Repository) *AudienceResolver {
	return &AudienceResolver{repo: repo}
}

// IsSupported reports whether audienceType is a resolvable variant.
func (a *AudienceResolver) IsSupported(audienceType string) bool {
	return audienceType == AllUsersAudience
}

// Resolve materializes the campaign's audience into outbox rows and
// returns the resulting recipient count. The caller is responsible for
// checking IsSupported first and for not calling Resolve twice for a
// campaign whose outbox_created_at is already set.
func (a *AudienceResolver) Resolve(ctx context.Context, campaignID int64) (int64, error) {
	count, err := a.repo.BuildOutboxAllUsers(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("resolve audience: %w", err)
	}
	return count, nil
}

// AudienceStore is the durable side of the supplemented AudienceUser
// entity (SPEC_FULL §4.N): the set of distinct chat ids the all_users
// resolver draws from, and the feedback loop that retires chats the
// Failure Classifier has observed as permanently blocked.
type AudienceStore interface {
	// Upsert records that a chat id is known to the system, updating
	// last_seen_at if it already exists.
	Upsert(ctx context.Context, chatID int64) error

	// MarkBlocked flags a chat id as permanently unreachable, so
	// future all_users resolutions no longer include it.
	MarkBlocked(ctx context.Context, chatID int64) error

	// Count returns the number of non-blocked known chat ids.
	Count(ctx context.Context) (int64, error)
}
