// Package notifier consumes engine events from the queue, records them in
// the audit log and fans them out to campaign webhook subscribers.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dripper/internal/domain"
	"dripper/internal/observability"
	sqsqueue "dripper/internal/queue/sqs"
	"dripper/internal/store"
)

type Store interface {
	InsertAuditEvent(ctx context.Context, in store.AuditInsert) error
	ListSubscriptions(ctx context.Context, campaignID string) ([]domain.WebhookSubscription, error)
}

type Processor struct {
	Store Store
	HTTP  *http.Client

	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
}

// Handle persists the event and then delivers it to subscribers. An audit
// insert failure is returned so the queue redrives the message; the insert
// keys on event ID, so a redrive never duplicates the row. Webhook delivery
// is best effort and never fails the handler.
func (p *Processor) Handle(ctx context.Context, ev sqsqueue.EngineEvent) error {
	if err := p.Store.InsertAuditEvent(ctx, store.AuditInsert{
		ID:         ev.EventID,
		EventType:  ev.EventType,
		CampaignID: ev.CampaignID,
		MessageID:  ev.MessageID,
		IdentityID: ev.IdentityID,
		Outcome:    ev.Outcome,
		Metadata:   ev.Metadata,
		OccurredAt: ev.OccurredAt,
	}); err != nil {
		return fmt.Errorf("insert audit event %s: %w", ev.EventID, err)
	}

	subs, err := p.Store.ListSubscriptions(ctx, ev.CampaignID)
	if err != nil {
		slog.Error("list subscriptions failed", "err", err, "campaign_id", ev.CampaignID)
		return nil
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	for _, sub := range subs {
		p.deliver(ctx, sub, ev.EventType, body)
	}
	return nil
}

// deliver posts the event to one subscriber with a bounded retry loop. The
// payload is signed with the subscription secret so receivers can verify
// origin.
func (p *Processor) deliver(ctx context.Context, sub domain.WebhookSubscription, eventType string, body []byte) {
	signature := Sign(sub.Secret, body)

	delay := p.RetryBase
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			observability.WebhookDeliveries.WithLabelValues("error").Inc()
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Dripper-Event", eventType)
		req.Header.Set("X-Dripper-Signature", signature)

		resp, err := p.HTTP.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				observability.WebhookDeliveries.WithLabelValues("ok").Inc()
				return
			}
		}

		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			observability.WebhookDeliveries.WithLabelValues("error").Inc()
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.RetryCap {
			delay = p.RetryCap
		}
	}

	observability.WebhookDeliveries.WithLabelValues("error").Inc()
	slog.Warn("webhook delivery gave up",
		"subscription_id", sub.ID,
		"url", sub.URL,
		"event_type", eventType,
		"attempts", p.MaxRetries,
	)
}

// Sign computes the hex HMAC-SHA256 of body under secret, prefixed with the
// scheme so the algorithm can rotate later.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
