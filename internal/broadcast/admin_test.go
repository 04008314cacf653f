package broadcast

import (
	"context"
	"testing"
)

func TestAdminService_CreateCampaignValidatesRequiredFields(t *testing.T) {
	admin := NewAdminService(newMockRepository())

	result := admin.CreateCampaign(context.Background(), CreateCampaignRequest{})
	if result.IsSuccess() {
		t.Fatalf("expected validation failure for empty request")
	}
	if result.Error().Kind.String() != "VALIDATION" {
		t.Fatalf("expected VALIDATION kind, got %s", result.Error().Kind.String())
	}
}

func TestAdminService_CreateCampaignRejectsBothPhotoFields(t *testing.T) {
	admin := NewAdminService(newMockRepository())

	result := admin.CreateCampaign(context.Background(), CreateCampaignRequest{
		Name:         "launch",
		AudienceType: AllUsersAudience,
		Text:         "hello",
		PhotoFileID:  "file123",
		PhotoURL:     "https://example.com/a.png",
	})
	if result.IsSuccess() {
		t.Fatalf("expected failure when both photo fields are set")
	}
}

func TestAdminService_CreateThenQueueThenCancel(t *testing.T) {
	admin := NewAdminService(newMockRepository())
	ctx := context.Background()

	created := admin.CreateCampaign(ctx, CreateCampaignRequest{
		Name:         "launch",
		AudienceType: AllUsersAudience,
		Text:         "hello",
	})
	if created.IsFailure() {
		t.Fatalf("create failed: %v", created.Error())
	}
	c := created.Value()
	if c.Status != CampaignDraft {
		t.Fatalf("expected draft status, got %q", c.Status)
	}

	queued := admin.Queue(ctx, c.ID)
	if queued.IsFailure() {
		t.Fatalf("queue failed: %v", queued.Error())
	}
	if queued.Value().Status != CampaignQueued {
		t.Fatalf("expected queued status, got %q", queued.Value().Status)
	}

	cancelled := admin.Cancel(ctx, c.ID)
	if cancelled.IsFailure() {
		t.Fatalf("cancel failed: %v", cancelled.Error())
	}
	if cancelled.Value().Status != CampaignCancelled {
		t.Fatalf("expected cancelled status, got %q", cancelled.Value().Status)
	}
}

func TestAdminService_QueueTwiceFailsWithConflict(t *testing.T) {
	admin := NewAdminService(newMockRepository())
	ctx := context.Background()

	created := admin.CreateCampaign(ctx, CreateCampaignRequest{
		Name:         "launch",
		AudienceType: AllUsersAudience,
		Text:         "hello",
	})
	c := created.Value()

	if r := admin.Queue(ctx, c.ID); r.IsFailure() {
		t.Fatalf("first queue failed: %v", r.Error())
	}
	second := admin.Queue(ctx, c.ID)
	if second.IsSuccess() {
		t.Fatalf("expected second queue to fail, draft->queued is not a repeatable edge")
	}
	if second.Error().Kind.String() != "CONCURRENCY" {
		t.Fatalf("expected CONCURRENCY kind, got %s", second.Error().Kind.String())
	}
}

func TestAdminService_GetCampaignNotFound(t *testing.T) {
	admin := NewAdminService(newMockRepository())
	result := admin.GetCampaign(context.Background(), 999)
	if result.IsSuccess() {
		t.Fatalf("expected not-found failure")
	}
	if result.Error().Kind.String() != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND kind, got %s", result.Error().Kind.String())
	}
}

func TestAdminService_ListMessagesFailsForUnknownCampaign(t *testing.T) {
	admin := NewAdminService(newMockRepository())
	result := admin.ListMessages(context.Background(), 999, 10)
	if result.IsSuccess() {
		t.Fatalf("expected failure for unknown campaign")
	}
}

func TestAdminService_UpdateCampaignRejectsBothPhotoFields(t *testing.T) {
	admin := NewAdminService(newMockRepository())
	ctx := context.Background()

	created := admin.CreateCampaign(ctx, CreateCampaignRequest{
		Name:         "launch",
		AudienceType: AllUsersAudience,
		Text:         "hello",
	})
	c := created.Value()

	fileID := "file123"
	url := "https://example.com/a.png"
	result := admin.UpdateCampaign(ctx, c.ID, UpdateCampaignRequest{
		PhotoFileID: &fileID,
		PhotoURL:    &url,
	})
	if result.IsSuccess() {
		t.Fatalf("expected failure when both photo fields are set")
	}
}
