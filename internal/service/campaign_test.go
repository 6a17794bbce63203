package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"dripper/internal/domain"
	"dripper/internal/store"
)

type fakeStore struct {
	campaigns     map[string]*domain.Campaign
	messages      []store.MessageInsert
	media         map[string][]domain.MediaAsset
	identities    []store.IdentityInsert
	proxies       []store.ProxyInsert
	subscriptions []store.SubscriptionInsert
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*domain.Campaign),
		media:     make(map[string][]domain.MediaAsset),
	}
}

func (f *fakeStore) InsertCampaign(ctx context.Context, in store.CampaignInsert) error {
	f.campaigns[in.ID] = &domain.Campaign{
		ID: in.ID, TenantID: in.TenantID, Name: in.Name, Steps: in.Steps,
		Status: domain.CampaignDraft,
	}
	return nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return domain.Campaign{}, false, nil
	}
	return *c, true, nil
}

func (f *fakeStore) UpdateCampaignSteps(ctx context.Context, id string, steps []domain.Step, now time.Time) (bool, error) {
	c, ok := f.campaigns[id]
	if !ok || c.Status != domain.CampaignDraft {
		return false, nil
	}
	c.Steps = steps
	return true, nil
}

func (f *fakeStore) SetCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertMessages(ctx context.Context, ins []store.MessageInsert) error {
	f.messages = append(f.messages, ins...)
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id string) (domain.CampaignMessage, bool, error) {
	return domain.CampaignMessage{}, false, nil
}

func (f *fakeStore) CampaignStats(ctx context.Context, campaignID string) (map[string]int, error) {
	return map[string]int{"pending": len(f.messages)}, nil
}

func (f *fakeStore) InsertIdentity(ctx context.Context, in store.IdentityInsert) error {
	f.identities = append(f.identities, in)
	return nil
}

func (f *fakeStore) ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error) {
	return nil, nil
}

func (f *fakeStore) InsertProxy(ctx context.Context, in store.ProxyInsert) error {
	f.proxies = append(f.proxies, in)
	return nil
}

func (f *fakeStore) ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error) {
	return nil, nil
}

func (f *fakeStore) InsertMedia(ctx context.Context, in store.MediaInsert) error {
	f.media[in.CampaignID] = append(f.media[in.CampaignID], domain.MediaAsset{ID: in.ID, CampaignID: in.CampaignID})
	return nil
}

func (f *fakeStore) ListCampaignMedia(ctx context.Context, campaignID string) ([]domain.MediaAsset, error) {
	return f.media[campaignID], nil
}

func (f *fakeStore) InsertSubscription(ctx context.Context, in store.SubscriptionInsert) error {
	f.subscriptions = append(f.subscriptions, in)
	return nil
}

func (f *fakeStore) ListAuditEvents(ctx context.Context, campaignID string, limit int) ([]domain.AuditEvent, error) {
	return nil, nil
}

func textSteps() []domain.Step {
	return []domain.Step{
		{Kind: domain.StepText, Body: "hello {name}"},
		{Kind: domain.StepText, Body: "follow up", DelaySeconds: 86400},
	}
}

func TestCampaignLifecycle(t *testing.T) {
	st := newFakeStore()
	svc := &CampaignService{Store: st}
	ctx := context.Background()
	now := time.Now()

	c, err := svc.CreateCampaign(ctx, domain.CreateCampaignRequest{
		TenantID: "t1", Name: "onboarding", Steps: textSteps(),
	}, "cmp_1", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignDraft {
		t.Fatalf("new campaign status: got %q want draft", c.Status)
	}

	if err := svc.Activate(ctx, "cmp_1", now); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := svc.GetCampaign(ctx, "cmp_1")
	if got.Status != domain.CampaignRunning {
		t.Fatalf("activated status: got %q want running", got.Status)
	}

	// Steps freeze at activation.
	err = svc.UpdateSteps(ctx, "cmp_1", textSteps(), now)
	if !errors.Is(err, domain.ErrStepsFrozen) {
		t.Fatalf("update after activation: got %v want ErrStepsFrozen", err)
	}

	if err := svc.Pause(ctx, "cmp_1", now); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.Resume(ctx, "cmp_1", now); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := svc.Cancel(ctx, "cmp_1", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Activate(ctx, "cmp_1", now); err == nil {
		t.Fatal("activating a cancelled campaign should fail")
	}
}

func TestActivateRejectsDanglingMediaReference(t *testing.T) {
	st := newFakeStore()
	svc := &CampaignService{Store: st}
	ctx := context.Background()
	now := time.Now()

	steps := []domain.Step{{Kind: domain.StepMedia, Body: "see attached", MediaID: "med_missing"}}
	if _, err := svc.CreateCampaign(ctx, domain.CreateCampaignRequest{
		TenantID: "t1", Name: "promo", Steps: steps,
	}, "cmp_1", now); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := svc.Activate(ctx, "cmp_1", now)
	if !errors.Is(err, domain.ErrInvalidStepDefinition) {
		t.Fatalf("activate with missing media: got %v want ErrInvalidStepDefinition", err)
	}

	if _, err := svc.RegisterMedia(ctx, "cmp_1", domain.RegisterMediaRequest{
		Filename: "flyer.png", StorageKey: "campaigns/cmp_1/flyer.png",
	}, "med_missing", now); err != nil {
		t.Fatalf("register media: %v", err)
	}
	if err := svc.Activate(ctx, "cmp_1", now); err != nil {
		t.Fatalf("activate with media present: %v", err)
	}
}

func TestEnrollCreatesImmediatelyEligibleMessages(t *testing.T) {
	st := newFakeStore()
	svc := &CampaignService{Store: st}
	ctx := context.Background()
	now := time.Now()

	if _, err := svc.CreateCampaign(ctx, domain.CreateCampaignRequest{
		TenantID: "t1", Name: "onboarding", Steps: textSteps(),
	}, "cmp_1", now); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := svc.Enroll(ctx, "cmp_1", domain.EnrollRequest{
		Recipients: []domain.EnrollRecipient{
			{Address: "+5511999990000", Vars: map[string]string{"name": "Ana"}},
			{Address: "+5511999990001"},
		},
	}, now)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if n != 2 {
		t.Fatalf("enrolled: got %d want 2", n)
	}
	for _, m := range st.messages {
		if !m.EligibleAt.Equal(now) {
			t.Errorf("message %s not immediately eligible: %v", m.ID, m.EligibleAt)
		}
		if m.TenantID != "t1" {
			t.Errorf("message %s tenant: got %q", m.ID, m.TenantID)
		}
	}

	if err := svc.Cancel(ctx, "cmp_1", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Enroll(ctx, "cmp_1", domain.EnrollRequest{
		Recipients: []domain.EnrollRecipient{{Address: "+5511999990002"}},
	}, now); err == nil {
		t.Fatal("enrolling into a cancelled campaign should fail")
	}
}

func TestEnrollValidatesRequest(t *testing.T) {
	svc := &CampaignService{Store: newFakeStore()}
	_, err := svc.Enroll(context.Background(), "cmp_1", domain.EnrollRequest{}, time.Now())
	if !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("empty enroll: got %v want ErrMissingFields", err)
	}
}
