// Package engine runs the campaign step coordinator: the scan loop that
// claims due messages, the sharded workers that evaluate and dispatch them,
// and the commit logic that keeps every transition idempotent.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"dripper/internal/dispatch"
	"dripper/internal/domain"
	"dripper/internal/events"
	"dripper/internal/identity"
	"dripper/internal/observability"
	"dripper/internal/plan"
	"dripper/internal/store"
)

// Store is the persistence surface the coordinator needs. Satisfied by
// *pg.Store.
type Store interface {
	ClaimDueMessages(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]store.ClaimedMessage, error)
	MarkAttempt(ctx context.Context, messageID, identityID string, now time.Time) error
	ApplySent(ctx context.Context, in store.SentApply) (bool, error)
	ApplyRetry(ctx context.Context, in store.RetryApply) (bool, error)
	ApplyTerminal(ctx context.Context, in store.TerminalApply) (bool, error)
	ReleaseClaim(ctx context.Context, messageID string, now time.Time) error
	CompleteCampaignIfDone(ctx context.Context, campaignID string, now time.Time) (bool, error)
	GetMedia(ctx context.Context, id string) (domain.MediaAsset, bool, error)
	ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error)
	ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error)
}

// Identities is the pool surface used per attempt.
type Identities interface {
	Sync(identities []domain.SendingIdentity)
	Acquire(ctx context.Context, tenantID string) (identity.Acquired, error)
	Release(ctx context.Context, id string, outcome identity.ReleaseOutcome, reason string)
}

// Proxies is the allocator surface used per attempt.
type Proxies interface {
	Sync(proxies []domain.Proxy)
	EnsureBinding(ctx context.Context, tenantID, identityID, currentProxyID string) (string, error)
	Address(proxyID string) (string, bool)
	ReportFailure(ctx context.Context, proxyID string)
	ReportSuccess(proxyID string)
}

// Sender makes one delivery attempt. Satisfied by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, in dispatch.SendInput) dispatch.Outcome
}

// Events publishes engine events. Satisfied by *events.Emitter.
type Events interface {
	Emit(ctx context.Context, ev events.Event)
}

type Options struct {
	ScanInterval   time.Duration
	BatchSize      int
	Shards         int
	ClaimStaleness time.Duration
	MaxRetries     int
	Backoff        Backoff
}

type Coordinator struct {
	store      Store
	identities Identities
	proxies    Proxies
	sender     Sender
	events     Events
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

func NewCoordinator(st Store, ids Identities, prx Proxies, snd Sender, ev Events, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	return &Coordinator{
		store:      st,
		identities: ids,
		proxies:    prx,
		sender:     snd,
		events:     ev,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Run starts the shard workers and the scan loop and blocks until ctx is
// cancelled. Messages of the same campaign and recipient always hash to the
// same shard, so a recipient's sequence is processed serially.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	shards := make([]chan store.ClaimedMessage, c.opts.Shards)
	for i := range shards {
		shards[i] = make(chan store.ClaimedMessage, c.opts.BatchSize)
		ch := shards[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case cm := <-ch:
					c.process(ctx, cm)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.opts.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.syncPools(ctx)
				c.scan(ctx, shards)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncPools refreshes the in-memory pools from persisted rows so identities
// and proxies registered through the API become visible without a restart.
func (c *Coordinator) syncPools(ctx context.Context) {
	ids, err := c.store.ListIdentities(ctx, "")
	if err != nil {
		c.logger.Error("identity sync failed", "err", err)
	} else {
		c.identities.Sync(ids)
	}
	prx, err := c.store.ListProxies(ctx, "")
	if err != nil {
		c.logger.Error("proxy sync failed", "err", err)
	} else {
		c.proxies.Sync(prx)
	}
}

func (c *Coordinator) scan(ctx context.Context, shards []chan store.ClaimedMessage) {
	now := c.now()
	claimed, err := c.store.ClaimDueMessages(ctx, now, now.Add(-c.opts.ClaimStaleness), c.opts.BatchSize)
	if err != nil {
		c.logger.Error("scan failed", "err", err)
		return
	}
	observability.ScanBatches.Observe(float64(len(claimed)))
	for _, cm := range claimed {
		idx := shardOf(cm.Message.CampaignID, cm.Message.Recipient, len(shards))
		select {
		case <-ctx.Done():
			return
		case shards[idx] <- cm:
		}
	}
}

func shardOf(campaignID, recipient string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(campaignID))
	h.Write([]byte{'|'})
	h.Write([]byte(recipient))
	return int(h.Sum32() % uint32(n))
}

// process runs one claimed message through evaluation and, when the step is
// sendable, one delivery attempt. Every exit path either commits a conditional
// state transition or releases the claim so the next scan can pick the
// message up again.
func (c *Coordinator) process(ctx context.Context, cm store.ClaimedMessage) {
	msg := cm.Message
	log := c.logger.With("message_id", msg.ID, "campaign_id", msg.CampaignID, "step", msg.CurrentStep)

	decision, err := plan.Evaluate(cm.Steps, msg, c.mediaExists(ctx))
	if err != nil {
		log.Error("step evaluation failed", "err", err)
		c.terminal(ctx, msg, domain.MessageFailed, err.Error(), events.EventMessageFailed)
		return
	}

	switch decision.Kind {
	case plan.DecisionExhausted:
		c.terminal(ctx, msg, domain.MessageExhausted, "", events.EventMessageExhausted)

	case plan.DecisionStop:
		log.Info("branch condition not met, stopping recipient")
		c.terminal(ctx, msg, domain.MessageStopped, "", events.EventMessageStopped)

	case plan.DecisionContinue:
		c.advance(ctx, msg, cm.Steps, "", events.EventStepAdvanced)

	case plan.DecisionSend:
		c.attempt(ctx, msg, cm.Steps, decision.Action)
	}
}

func (c *Coordinator) mediaExists(ctx context.Context) func(string) bool {
	return func(id string) bool {
		_, ok, err := c.store.GetMedia(ctx, id)
		return err == nil && ok
	}
}

// attempt makes one delivery attempt for a sendable step. Contention exits
// (no identity, no proxy, skipped dispatch) release the claim without
// touching the retry budget.
func (c *Coordinator) attempt(ctx context.Context, msg domain.CampaignMessage, steps []domain.Step, action plan.NextAction) {
	now := c.now()
	log := c.logger.With("message_id", msg.ID, "campaign_id", msg.CampaignID, "step", action.StepIndex)

	acq, err := c.identities.Acquire(ctx, msg.TenantID)
	if err != nil {
		log.Warn("no identity available, leaving message pending")
		c.releaseClaim(ctx, msg.ID)
		return
	}

	proxyID, err := c.proxies.EnsureBinding(ctx, msg.TenantID, acq.ID, acq.ProxyID)
	if err != nil {
		log.Warn("no proxy available for identity", "identity_id", acq.ID, "err", err)
		c.identities.Release(ctx, acq.ID, identity.ReleaseSkipped, "no_proxy")
		c.releaseClaim(ctx, msg.ID)
		return
	}
	proxyURL, _ := c.proxies.Address(proxyID)

	if err := c.store.MarkAttempt(ctx, msg.ID, acq.ID, now); err != nil {
		log.Error("mark attempt failed", "err", err)
		c.identities.Release(ctx, acq.ID, identity.ReleaseSkipped, "store_error")
		c.releaseClaim(ctx, msg.ID)
		return
	}

	mediaKey := ""
	if action.MediaID != "" {
		if m, ok, err := c.store.GetMedia(ctx, action.MediaID); err == nil && ok {
			mediaKey = m.StorageKey
		}
	}

	out := c.sender.Send(ctx, dispatch.SendInput{
		SessionRef: acq.SessionRef,
		Recipient:  msg.Recipient,
		Content:    action.Content,
		MediaKey:   mediaKey,
		ProxyURL:   proxyURL,
	})

	switch out.Kind {
	case dispatch.OutcomeSent:
		c.identities.Release(ctx, acq.ID, identity.ReleaseSent, "")
		c.proxies.ReportSuccess(proxyID)
		c.commitSent(ctx, msg, steps, action, acq.ID)

	case dispatch.OutcomeFailed:
		log.Warn("transient delivery failure", "reason", out.Reason, "identity_id", acq.ID)
		c.identities.Release(ctx, acq.ID, identity.ReleaseTransientFailure, out.Reason)
		// A zero HTTP status means the request never reached the gateway,
		// which implicates the proxy path rather than the session.
		if out.HTTPStatus == 0 {
			c.proxies.ReportFailure(ctx, proxyID)
		}
		c.retryOrFail(ctx, msg, action.StepIndex, out.Reason)

	case dispatch.OutcomeBanned:
		log.Error("identity banned by provider", "reason", out.Reason, "identity_id", acq.ID)
		c.identities.Release(ctx, acq.ID, identity.ReleaseBan, out.Reason)
		c.events.Emit(ctx, events.Event{
			EventType:  events.EventIdentityBanned,
			CampaignID: msg.CampaignID,
			MessageID:  msg.ID,
			IdentityID: acq.ID,
			Outcome:    out.Reason,
		})
		c.retryOrFail(ctx, msg, action.StepIndex, out.Reason)

	case dispatch.OutcomeRejected:
		log.Warn("permanent delivery rejection", "reason", out.Reason)
		c.identities.Release(ctx, acq.ID, identity.ReleaseSent, "")
		c.proxies.ReportSuccess(proxyID)
		c.terminal(ctx, msg, domain.MessageFailed, out.Reason, events.EventMessageFailed)

	case dispatch.OutcomeSkipped:
		log.Info("attempt skipped", "reason", out.Reason)
		c.identities.Release(ctx, acq.ID, identity.ReleaseSkipped, out.Reason)
		c.releaseClaim(ctx, msg.ID)
	}
}

// commitSent advances the message past a confirmed send. The conditional
// update means reapplying the same outcome after a crash advances exactly
// once.
func (c *Coordinator) commitSent(ctx context.Context, msg domain.CampaignMessage, steps []domain.Step, action plan.NextAction, identityID string) {
	now := c.now()
	exhausted := action.StepIndex+1 >= len(steps)
	applied, err := c.store.ApplySent(ctx, store.SentApply{
		MessageID:      msg.ID,
		StepIndex:      action.StepIndex,
		Exhausted:      exhausted,
		NextEligibleAt: now.Add(action.NextDelay),
		IdentityID:     identityID,
		Now:            now,
	})
	if err != nil {
		c.logger.Error("sent commit failed", "err", err, "message_id", msg.ID)
		return
	}
	if !applied {
		// Already committed by a previous attempt of the same step.
		return
	}
	observability.MessageTransitions.WithLabelValues(transitionLabel(exhausted)).Inc()
	c.events.Emit(ctx, events.Event{
		EventType:  events.EventStepSent,
		CampaignID: msg.CampaignID,
		MessageID:  msg.ID,
		IdentityID: identityID,
		Outcome:    "sent",
		Metadata:   map[string]string{"step": strconv.Itoa(action.StepIndex)},
	})
	if exhausted {
		c.events.Emit(ctx, events.Event{
			EventType:  events.EventMessageExhausted,
			CampaignID: msg.CampaignID,
			MessageID:  msg.ID,
		})
		c.completeIfDone(ctx, msg.CampaignID)
	}
}

// advance commits a non-sending step transition (a matched branch).
func (c *Coordinator) advance(ctx context.Context, msg domain.CampaignMessage, steps []domain.Step, identityID, eventType string) {
	now := c.now()
	exhausted := msg.CurrentStep+1 >= len(steps)
	var delay time.Duration
	if !exhausted {
		delay = steps[msg.CurrentStep+1].Delay()
	}
	applied, err := c.store.ApplySent(ctx, store.SentApply{
		MessageID:      msg.ID,
		StepIndex:      msg.CurrentStep,
		Exhausted:      exhausted,
		NextEligibleAt: now.Add(delay),
		IdentityID:     identityID,
		Now:            now,
	})
	if err != nil {
		c.logger.Error("advance commit failed", "err", err, "message_id", msg.ID)
		return
	}
	if !applied {
		return
	}
	observability.MessageTransitions.WithLabelValues(transitionLabel(exhausted)).Inc()
	c.events.Emit(ctx, events.Event{
		EventType:  eventType,
		CampaignID: msg.CampaignID,
		MessageID:  msg.ID,
		Metadata:   map[string]string{"step": strconv.Itoa(msg.CurrentStep)},
	})
	if exhausted {
		c.events.Emit(ctx, events.Event{
			EventType:  events.EventMessageExhausted,
			CampaignID: msg.CampaignID,
			MessageID:  msg.ID,
		})
		c.completeIfDone(ctx, msg.CampaignID)
	}
}

// retryOrFail charges one retry and either schedules the next attempt on the
// backoff curve or marks the message failed once the budget is spent.
func (c *Coordinator) retryOrFail(ctx context.Context, msg domain.CampaignMessage, stepIndex int, reason string) {
	now := c.now()
	retry := msg.RetryCount + 1
	if retry >= c.opts.MaxRetries {
		c.terminal(ctx, msg, domain.MessageFailed, reason, events.EventMessageFailed)
		return
	}
	_, err := c.store.ApplyRetry(ctx, store.RetryApply{
		MessageID:  msg.ID,
		StepIndex:  stepIndex,
		RetryCount: retry,
		EligibleAt: now.Add(c.opts.Backoff.Delay(retry)),
		LastError:  reason,
		Now:        now,
	})
	if err != nil {
		c.logger.Error("retry commit failed", "err", err, "message_id", msg.ID)
	}
}

func (c *Coordinator) terminal(ctx context.Context, msg domain.CampaignMessage, status domain.MessageStatus, lastError, eventType string) {
	now := c.now()
	applied, err := c.store.ApplyTerminal(ctx, store.TerminalApply{
		MessageID: msg.ID,
		StepIndex: msg.CurrentStep,
		Status:    status,
		LastError: lastError,
		Now:       now,
	})
	if err != nil {
		c.logger.Error("terminal commit failed", "err", err, "message_id", msg.ID, "status", status)
		return
	}
	if !applied {
		return
	}
	observability.MessageTransitions.WithLabelValues(string(status)).Inc()
	c.events.Emit(ctx, events.Event{
		EventType:  eventType,
		CampaignID: msg.CampaignID,
		MessageID:  msg.ID,
		Outcome:    lastError,
	})
	c.completeIfDone(ctx, msg.CampaignID)
}

func (c *Coordinator) completeIfDone(ctx context.Context, campaignID string) {
	done, err := c.store.CompleteCampaignIfDone(ctx, campaignID, c.now())
	if err != nil {
		c.logger.Error("campaign completion check failed", "err", err, "campaign_id", campaignID)
		return
	}
	if done {
		c.logger.Info("campaign completed", "campaign_id", campaignID)
	}
}

func (c *Coordinator) releaseClaim(ctx context.Context, messageID string) {
	if err := c.store.ReleaseClaim(ctx, messageID, c.now()); err != nil {
		c.logger.Error("claim release failed", "err", err, "message_id", messageID)
	}
}

func transitionLabel(exhausted bool) string {
	if exhausted {
		return string(domain.MessageExhausted)
	}
	return "advanced"
}
