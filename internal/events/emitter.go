// Package events publishes audit/webhook notifications for observable
// engine transitions. Emission is best-effort and decoupled from the state
// commit: a failed emit is logged and counted, never propagated.
package events

import (
	"context"
	"log/slog"
	"time"

	"dripper/internal/observability"
	sqsqueue "dripper/internal/queue/sqs"
	"dripper/internal/util"
)

const (
	EventStepSent         = "step_sent"
	EventStepAdvanced     = "step_advanced"
	EventMessageExhausted = "message_exhausted"
	EventMessageFailed    = "message_failed"
	EventMessageStopped   = "message_stopped"
	EventIdentityBanned   = "identity_banned"
	EventIdentityDegraded = "identity_degraded"
)

type Queue interface {
	Enqueue(ctx context.Context, ev sqsqueue.EngineEvent) error
}

type Emitter struct {
	Queue Queue
}

type Event struct {
	EventType  string
	CampaignID string
	MessageID  string
	IdentityID string
	Outcome    string
	Metadata   map[string]string
}

func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.Queue == nil {
		return
	}
	emitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := e.Queue.Enqueue(emitCtx, sqsqueue.EngineEvent{
		EventID:    util.NewEventID(),
		EventType:  ev.EventType,
		CampaignID: ev.CampaignID,
		MessageID:  ev.MessageID,
		IdentityID: ev.IdentityID,
		Outcome:    ev.Outcome,
		Metadata:   ev.Metadata,
		OccurredAt: util.NowUTC(),
	})
	if err != nil {
		observability.EventEmissions.WithLabelValues("error").Inc()
		slog.Error("event emit failed", "err", err, "event_type", ev.EventType, "campaign_id", ev.CampaignID, "message_id", ev.MessageID)
		return
	}
	observability.EventEmissions.WithLabelValues("ok").Inc()
}
