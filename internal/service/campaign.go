// Package service implements the control-plane operations behind the HTTP
// API: campaign lifecycle, enrollment, and registration of identities,
// proxies, media and webhook subscriptions.
package service

import (
	"context"
	"fmt"
	"time"

	"dripper/internal/domain"
	"dripper/internal/store"
	"dripper/internal/util"
)

type Store interface {
	InsertCampaign(ctx context.Context, in store.CampaignInsert) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	UpdateCampaignSteps(ctx context.Context, id string, steps []domain.Step, now time.Time) (bool, error)
	SetCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (bool, error)
	InsertMessages(ctx context.Context, ins []store.MessageInsert) error
	GetMessage(ctx context.Context, id string) (domain.CampaignMessage, bool, error)
	CampaignStats(ctx context.Context, campaignID string) (map[string]int, error)
	InsertIdentity(ctx context.Context, in store.IdentityInsert) error
	ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error)
	InsertProxy(ctx context.Context, in store.ProxyInsert) error
	ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error)
	InsertMedia(ctx context.Context, in store.MediaInsert) error
	ListCampaignMedia(ctx context.Context, campaignID string) ([]domain.MediaAsset, error)
	InsertSubscription(ctx context.Context, in store.SubscriptionInsert) error
	ListAuditEvents(ctx context.Context, campaignID string, limit int) ([]domain.AuditEvent, error)
}

type CampaignService struct {
	Store Store
}

func (s *CampaignService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, campaignID string, now time.Time) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	// Steps are only structurally checked here; activation revalidates
	// them against uploaded media before they freeze.
	if err := domain.ValidateSteps(req.Steps, nil); err != nil {
		return domain.Campaign{}, err
	}
	if err := s.Store.InsertCampaign(ctx, store.CampaignInsert{
		ID:       campaignID,
		TenantID: req.TenantID,
		Name:     req.Name,
		Steps:    req.Steps,
		Now:      now,
	}); err != nil {
		return domain.Campaign{}, err
	}
	return domain.Campaign{
		ID:       campaignID,
		TenantID: req.TenantID,
		Name:     req.Name,
		Steps:    req.Steps,
		Status:   domain.CampaignDraft,
	}, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	c, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !found {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

// UpdateSteps replaces a draft campaign's step plan. Steps freeze at
// activation; edits after that are rejected.
func (s *CampaignService) UpdateSteps(ctx context.Context, campaignID string, steps []domain.Step, now time.Time) error {
	if err := domain.ValidateSteps(steps, nil); err != nil {
		return err
	}
	updated, err := s.Store.UpdateCampaignSteps(ctx, campaignID, steps, now)
	if err != nil {
		return err
	}
	if !updated {
		if _, found, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
			return err
		} else if !found {
			return domain.ErrNotFound
		}
		return domain.ErrStepsFrozen
	}
	return nil
}

// Activate validates the step plan against the campaign's uploaded media,
// freezes it and starts execution.
func (s *CampaignService) Activate(ctx context.Context, campaignID string, now time.Time) error {
	c, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}

	media, err := s.Store.ListCampaignMedia(ctx, campaignID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(media))
	for _, m := range media {
		known[m.ID] = true
	}
	if err := domain.ValidateSteps(c.Steps, func(id string) bool { return known[id] }); err != nil {
		return err
	}

	return s.transition(ctx, campaignID, []domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignRunning, now)
}

func (s *CampaignService) Pause(ctx context.Context, campaignID string, now time.Time) error {
	return s.transition(ctx, campaignID, []domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignPaused, now)
}

func (s *CampaignService) Resume(ctx context.Context, campaignID string, now time.Time) error {
	return s.transition(ctx, campaignID, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignRunning, now)
}

func (s *CampaignService) Cancel(ctx context.Context, campaignID string, now time.Time) error {
	return s.transition(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignRunning, domain.CampaignPaused},
		domain.CampaignCancelled, now)
}

func (s *CampaignService) transition(ctx context.Context, campaignID string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) error {
	moved, err := s.Store.SetCampaignStatus(ctx, campaignID, from, to, now)
	if err != nil {
		return err
	}
	if !moved {
		if _, found, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
			return err
		} else if !found {
			return domain.ErrNotFound
		}
		return fmt.Errorf("campaign %s cannot move to %s from its current status", campaignID, to)
	}
	return nil
}

// Enroll adds recipients to a campaign. Each becomes a message at step 0,
// eligible immediately. Re-enrolling an existing recipient is a no-op.
func (s *CampaignService) Enroll(ctx context.Context, campaignID string, req domain.EnrollRequest, now time.Time) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	c, found, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, domain.ErrNotFound
	}
	if c.Status == domain.CampaignCompleted || c.Status == domain.CampaignCancelled {
		return 0, fmt.Errorf("campaign %s is %s and cannot enroll recipients", campaignID, c.Status)
	}

	ins := make([]store.MessageInsert, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		ins = append(ins, store.MessageInsert{
			ID:         util.NewMessageID(),
			CampaignID: campaignID,
			TenantID:   c.TenantID,
			Recipient:  r.Address,
			Vars:       r.Vars,
			EligibleAt: now,
			Now:        now,
		})
	}
	if err := s.Store.InsertMessages(ctx, ins); err != nil {
		return 0, err
	}
	return len(ins), nil
}

func (s *CampaignService) GetMessage(ctx context.Context, id string) (domain.CampaignMessage, error) {
	m, found, err := s.Store.GetMessage(ctx, id)
	if err != nil {
		return domain.CampaignMessage{}, err
	}
	if !found {
		return domain.CampaignMessage{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *CampaignService) Stats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	if _, found, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
		return domain.CampaignStats{}, err
	} else if !found {
		return domain.CampaignStats{}, domain.ErrNotFound
	}
	byStatus, err := s.Store.CampaignStats(ctx, campaignID)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	return domain.CampaignStats{CampaignID: campaignID, ByStatus: byStatus}, nil
}

func (s *CampaignService) RegisterIdentity(ctx context.Context, req domain.RegisterIdentityRequest, identityID string, now time.Time) (domain.SendingIdentity, error) {
	if err := req.Validate(); err != nil {
		return domain.SendingIdentity{}, err
	}
	if err := s.Store.InsertIdentity(ctx, store.IdentityInsert{
		ID:         identityID,
		TenantID:   req.TenantID,
		Label:      req.Label,
		SessionRef: req.SessionRef,
		Now:        now,
	}); err != nil {
		return domain.SendingIdentity{}, err
	}
	return domain.SendingIdentity{
		ID:       identityID,
		TenantID: req.TenantID,
		Label:    req.Label,
		Health:   domain.IdentityHealthy,
	}, nil
}

func (s *CampaignService) ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error) {
	return s.Store.ListIdentities(ctx, tenantID)
}

func (s *CampaignService) RegisterProxy(ctx context.Context, req domain.RegisterProxyRequest, proxyID string, now time.Time) (domain.Proxy, error) {
	if err := req.Validate(); err != nil {
		return domain.Proxy{}, err
	}
	protocol := req.Protocol
	if protocol == "" {
		protocol = "socks5"
	}
	if err := s.Store.InsertProxy(ctx, store.ProxyInsert{
		ID:       proxyID,
		TenantID: req.TenantID,
		Address:  req.Address,
		Protocol: protocol,
		Now:      now,
	}); err != nil {
		return domain.Proxy{}, err
	}
	return domain.Proxy{
		ID:       proxyID,
		TenantID: req.TenantID,
		Address:  req.Address,
		Protocol: protocol,
		Health:   domain.ProxyHealthy,
	}, nil
}

func (s *CampaignService) ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error) {
	return s.Store.ListProxies(ctx, tenantID)
}

// RegisterMedia records an uploaded asset against a campaign. The blob
// itself lives in object storage under StorageKey; only the reference is
// kept here.
func (s *CampaignService) RegisterMedia(ctx context.Context, campaignID string, req domain.RegisterMediaRequest, mediaID string, now time.Time) (domain.MediaAsset, error) {
	if err := req.Validate(); err != nil {
		return domain.MediaAsset{}, err
	}
	if _, found, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
		return domain.MediaAsset{}, err
	} else if !found {
		return domain.MediaAsset{}, domain.ErrNotFound
	}
	if err := s.Store.InsertMedia(ctx, store.MediaInsert{
		ID:          mediaID,
		CampaignID:  campaignID,
		Filename:    req.Filename,
		StorageKey:  req.StorageKey,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		Now:         now,
	}); err != nil {
		return domain.MediaAsset{}, err
	}
	return domain.MediaAsset{
		ID:          mediaID,
		CampaignID:  campaignID,
		Filename:    req.Filename,
		StorageKey:  req.StorageKey,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	}, nil
}

func (s *CampaignService) SubscribeWebhook(ctx context.Context, campaignID string, req domain.SubscribeWebhookRequest, subscriptionID string, now time.Time) (domain.WebhookSubscription, error) {
	if err := req.Validate(); err != nil {
		return domain.WebhookSubscription{}, err
	}
	if _, found, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
		return domain.WebhookSubscription{}, err
	} else if !found {
		return domain.WebhookSubscription{}, domain.ErrNotFound
	}
	if err := s.Store.InsertSubscription(ctx, store.SubscriptionInsert{
		ID:         subscriptionID,
		CampaignID: campaignID,
		URL:        req.URL,
		Secret:     req.Secret,
		Now:        now,
	}); err != nil {
		return domain.WebhookSubscription{}, err
	}
	return domain.WebhookSubscription{ID: subscriptionID, CampaignID: campaignID, URL: req.URL}, nil
}

func (s *CampaignService) AuditEvents(ctx context.Context, campaignID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Store.ListAuditEvents(ctx, campaignID, limit)
}
