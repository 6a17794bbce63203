package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dripper/internal/dispatch"
	"dripper/internal/domain"
	"dripper/internal/events"
	"dripper/internal/identity"
	"dripper/internal/plan"
	"dripper/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	msg      domain.CampaignMessage
	media    map[string]domain.MediaAsset
	releases int
	retries  []store.RetryApply
	attempts int
}

func (f *fakeStore) ClaimDueMessages(ctx context.Context, now, staleBefore time.Time, limit int) ([]store.ClaimedMessage, error) {
	return nil, nil
}

func (f *fakeStore) MarkAttempt(ctx context.Context, messageID, identityID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.msg.IdentityID = identityID
	return nil
}

func (f *fakeStore) ApplySent(ctx context.Context, in store.SentApply) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msg.ID != in.MessageID || f.msg.CurrentStep != in.StepIndex || f.msg.Status != domain.MessagePending {
		return false, nil
	}
	f.msg.CurrentStep = in.StepIndex + 1
	f.msg.RetryCount = 0
	f.msg.EligibleAt = in.NextEligibleAt
	if in.Exhausted {
		f.msg.Status = domain.MessageExhausted
	}
	return true, nil
}

func (f *fakeStore) ApplyRetry(ctx context.Context, in store.RetryApply) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msg.ID != in.MessageID || f.msg.CurrentStep != in.StepIndex || f.msg.Status != domain.MessagePending {
		return false, nil
	}
	f.retries = append(f.retries, in)
	f.msg.RetryCount = in.RetryCount
	f.msg.EligibleAt = in.EligibleAt
	f.msg.LastError = in.LastError
	return true, nil
}

func (f *fakeStore) ApplyTerminal(ctx context.Context, in store.TerminalApply) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msg.ID != in.MessageID || f.msg.CurrentStep != in.StepIndex || f.msg.Status != domain.MessagePending {
		return false, nil
	}
	f.msg.Status = in.Status
	f.msg.LastError = in.LastError
	return true, nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, messageID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeStore) CompleteCampaignIfDone(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStore) GetMedia(ctx context.Context, id string) (domain.MediaAsset, bool, error) {
	m, ok := f.media[id]
	return m, ok, nil
}

func (f *fakeStore) ListIdentities(ctx context.Context, tenantID string) ([]domain.SendingIdentity, error) {
	return nil, nil
}

func (f *fakeStore) ListProxies(ctx context.Context, tenantID string) ([]domain.Proxy, error) {
	return nil, nil
}

type fakeIdentities struct {
	acquired identity.Acquired
	err      error
	released []identity.ReleaseOutcome
}

func (f *fakeIdentities) Sync(identities []domain.SendingIdentity) {}

func (f *fakeIdentities) Acquire(ctx context.Context, tenantID string) (identity.Acquired, error) {
	if f.err != nil {
		return identity.Acquired{}, f.err
	}
	return f.acquired, nil
}

func (f *fakeIdentities) Release(ctx context.Context, id string, outcome identity.ReleaseOutcome, reason string) {
	f.released = append(f.released, outcome)
}

type fakeProxies struct {
	bindErr   error
	failures  []string
	successes []string
}

func (f *fakeProxies) Sync(proxies []domain.Proxy) {}

func (f *fakeProxies) EnsureBinding(ctx context.Context, tenantID, identityID, currentProxyID string) (string, error) {
	if f.bindErr != nil {
		return "", f.bindErr
	}
	return "prx_1", nil
}

func (f *fakeProxies) Address(proxyID string) (string, bool) {
	return "socks5://192.0.2.10:1080", true
}

func (f *fakeProxies) ReportFailure(ctx context.Context, proxyID string) {
	f.failures = append(f.failures, proxyID)
}

func (f *fakeProxies) ReportSuccess(proxyID string) {
	f.successes = append(f.successes, proxyID)
}

type fakeSender struct {
	outcome dispatch.Outcome
	inputs  []dispatch.SendInput
}

func (f *fakeSender) Send(ctx context.Context, in dispatch.SendInput) dispatch.Outcome {
	f.inputs = append(f.inputs, in)
	return f.outcome
}

type fakeEvents struct {
	mu      sync.Mutex
	emitted []events.Event
}

func (f *fakeEvents) Emit(ctx context.Context, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, ev)
}

func (f *fakeEvents) ofType(t string) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.emitted {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func testCoordinator(st *fakeStore, ids *fakeIdentities, prx *fakeProxies, snd *fakeSender, ev *fakeEvents) *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(st, ids, prx, snd, ev, Options{
		ScanInterval:   time.Second,
		BatchSize:      10,
		Shards:         4,
		ClaimStaleness: 5 * time.Minute,
		MaxRetries:     5,
		Backoff:        Backoff{Base: 30 * time.Second, Cap: time.Hour},
	}, logger)
}

func pendingMessage(step, retries int) domain.CampaignMessage {
	return domain.CampaignMessage{
		ID:          "msg_1",
		CampaignID:  "cmp_1",
		TenantID:    "t1",
		Recipient:   "+5511999990000",
		Vars:        map[string]string{"name": "Ana"},
		CurrentStep: step,
		Status:      domain.MessagePending,
		RetryCount:  retries,
	}
}

func twoTextSteps() []domain.Step {
	return []domain.Step{
		{Kind: domain.StepText, Body: "hello {name}"},
		{Kind: domain.StepText, Body: "still there?", DelaySeconds: 3600},
	}
}

func TestProcessSendAdvancesAndSchedulesNextStep(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1", TenantID: "t1", SessionRef: "sess-1", ProxyID: "prx_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeSent, GatewayRef: "gw-1"}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	before := time.Now()
	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if st.msg.CurrentStep != 1 {
		t.Fatalf("current step: got %d want 1", st.msg.CurrentStep)
	}
	if st.msg.Status != domain.MessagePending {
		t.Fatalf("status: got %q want pending", st.msg.Status)
	}
	if wait := st.msg.EligibleAt.Sub(before); wait < 59*time.Minute {
		t.Errorf("next eligibility only %v after send, want about an hour", wait)
	}
	if len(ids.released) != 1 || ids.released[0] != identity.ReleaseSent {
		t.Errorf("identity release: got %v want [ReleaseSent]", ids.released)
	}
	if len(prx.successes) != 1 {
		t.Errorf("proxy successes: got %d want 1", len(prx.successes))
	}
	if got := ev.ofType(events.EventStepSent); len(got) != 1 {
		t.Errorf("step_sent events: got %d want 1", len(got))
	}
	if len(snd.inputs) != 1 || snd.inputs[0].Content != "hello Ana" {
		t.Errorf("dispatched content: got %+v", snd.inputs)
	}
}

func TestProcessRepeatedFailureEndsFailedAtSecondStep(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1", TenantID: "t1", SessionRef: "sess-1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeSent}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)
	steps := twoTextSteps()

	// First step sends fine.
	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})
	if st.msg.CurrentStep != 1 {
		t.Fatalf("after step 0: current step %d", st.msg.CurrentStep)
	}

	// Second step fails until the retry budget is spent.
	snd.outcome = dispatch.Outcome{Kind: dispatch.OutcomeFailed, Reason: "timeout", HTTPStatus: 503}
	for i := 0; i < 5; i++ {
		c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})
	}

	if st.msg.Status != domain.MessageFailed {
		t.Fatalf("status: got %q want failed", st.msg.Status)
	}
	if st.msg.CurrentStep != 1 {
		t.Errorf("current step: got %d want 1", st.msg.CurrentStep)
	}
	if len(st.retries) != 4 {
		t.Errorf("retry commits: got %d want 4", len(st.retries))
	}
	if got := ev.ofType(events.EventMessageFailed); len(got) != 1 {
		t.Errorf("message_failed events: got %d want 1", len(got))
	}
}

func TestProcessRetryBackoffGrows(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeFailed, Reason: "timeout", HTTPStatus: 503}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)
	steps := twoTextSteps()

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})
	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})

	if len(st.retries) != 2 {
		t.Fatalf("retry commits: got %d want 2", len(st.retries))
	}
	first := st.retries[0].EligibleAt.Sub(st.retries[0].Now)
	second := st.retries[1].EligibleAt.Sub(st.retries[1].Now)
	if second <= first {
		t.Errorf("backoff did not grow: first %v second %v", first, second)
	}
}

func TestProcessSentCommitIsIdempotent(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeSent}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	// The same claimed snapshot committed twice, as after a crash between
	// gateway confirm and commit.
	stale := store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()}
	c.commitSent(context.Background(), stale.Message, stale.Steps, mustAction(t, stale), "chip_1")
	c.commitSent(context.Background(), stale.Message, stale.Steps, mustAction(t, stale), "chip_1")

	if st.msg.CurrentStep != 1 {
		t.Fatalf("current step: got %d want 1", st.msg.CurrentStep)
	}
	if got := ev.ofType(events.EventStepSent); len(got) != 1 {
		t.Errorf("step_sent events: got %d want 1", len(got))
	}
}

func TestProcessNoIdentityLeavesPendingWithoutRetryCost(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 2)}
	ids := &fakeIdentities{err: domain.ErrNoIdentityAvailable}
	prx := &fakeProxies{}
	snd := &fakeSender{}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if st.msg.Status != domain.MessagePending || st.msg.RetryCount != 2 {
		t.Fatalf("message mutated on contention: %+v", st.msg)
	}
	if st.releases != 1 {
		t.Errorf("claim releases: got %d want 1", st.releases)
	}
	if len(snd.inputs) != 0 {
		t.Errorf("dispatched despite no identity")
	}
}

func TestProcessNoProxyRefundsIdentityClaim(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{bindErr: domain.ErrNoProxyAvailable}
	snd := &fakeSender{}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if len(ids.released) != 1 || ids.released[0] != identity.ReleaseSkipped {
		t.Fatalf("identity release: got %v want [ReleaseSkipped]", ids.released)
	}
	if st.msg.RetryCount != 0 || st.msg.Status != domain.MessagePending {
		t.Errorf("message charged on contention: %+v", st.msg)
	}
}

func TestProcessSkippedDispatchReleasesClaim(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeSkipped, Reason: "breaker_open"}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if len(ids.released) != 1 || ids.released[0] != identity.ReleaseSkipped {
		t.Fatalf("identity release: got %v want [ReleaseSkipped]", ids.released)
	}
	if st.msg.RetryCount != 0 {
		t.Errorf("retry count charged for skipped attempt")
	}
	if st.releases != 1 {
		t.Errorf("claim releases: got %d want 1", st.releases)
	}
}

func TestProcessBannedEmitsIdentityEvent(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeBanned, Reason: "account_banned", HTTPStatus: 403}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if len(ids.released) != 1 || ids.released[0] != identity.ReleaseBan {
		t.Fatalf("identity release: got %v want [ReleaseBan]", ids.released)
	}
	banned := ev.ofType(events.EventIdentityBanned)
	if len(banned) != 1 || banned[0].IdentityID != "chip_1" {
		t.Fatalf("identity_banned events: got %+v", banned)
	}
	if len(st.retries) != 1 {
		t.Errorf("banned attempt should still schedule a retry, got %d", len(st.retries))
	}
}

func TestProcessRejectedIsTerminalWithoutRetry(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeRejected, Reason: "invalid_recipient", HTTPStatus: 422}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if st.msg.Status != domain.MessageFailed {
		t.Fatalf("status: got %q want failed", st.msg.Status)
	}
	if len(st.retries) != 0 {
		t.Errorf("permanent rejection must not schedule retries")
	}
}

func TestProcessConnectionFailureImplicatesProxy(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	ids := &fakeIdentities{acquired: identity.Acquired{ID: "chip_1"}}
	prx := &fakeProxies{}
	snd := &fakeSender{outcome: dispatch.Outcome{Kind: dispatch.OutcomeFailed, Reason: "connection_refused"}}
	ev := &fakeEvents{}
	c := testCoordinator(st, ids, prx, snd, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if len(prx.failures) != 1 || prx.failures[0] != "prx_1" {
		t.Fatalf("proxy failures: got %v want [prx_1]", prx.failures)
	}

	// A gateway-side 5xx reached the gateway, so the proxy is not blamed.
	prx.failures = nil
	st.msg = pendingMessage(0, 0)
	snd.outcome = dispatch.Outcome{Kind: dispatch.OutcomeFailed, Reason: "provider_error", HTTPStatus: 503}
	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})
	if len(prx.failures) != 0 {
		t.Errorf("proxy blamed for upstream 5xx: %v", prx.failures)
	}
}

func TestProcessBranchPaths(t *testing.T) {
	steps := []domain.Step{
		{Kind: domain.StepBranch, Branch: &domain.BranchCondition{Var: "plan", Equals: "pro"}},
		{Kind: domain.StepText, Body: "upsell"},
	}

	t.Run("match advances silently", func(t *testing.T) {
		st := &fakeStore{msg: pendingMessage(0, 0)}
		st.msg.Vars = map[string]string{"plan": "pro"}
		ids := &fakeIdentities{}
		snd := &fakeSender{}
		ev := &fakeEvents{}
		c := testCoordinator(st, ids, &fakeProxies{}, snd, ev)

		c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})

		if st.msg.CurrentStep != 1 || st.msg.Status != domain.MessagePending {
			t.Fatalf("message after matched branch: %+v", st.msg)
		}
		if len(snd.inputs) != 0 {
			t.Errorf("branch step dispatched a send")
		}
		if got := ev.ofType(events.EventStepAdvanced); len(got) != 1 {
			t.Errorf("step_advanced events: got %d want 1", len(got))
		}
	})

	t.Run("mismatch stops recipient", func(t *testing.T) {
		st := &fakeStore{msg: pendingMessage(0, 0)}
		st.msg.Vars = map[string]string{"plan": "free"}
		ev := &fakeEvents{}
		c := testCoordinator(st, &fakeIdentities{}, &fakeProxies{}, &fakeSender{}, ev)

		c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})

		if st.msg.Status != domain.MessageStopped {
			t.Fatalf("status: got %q want stopped", st.msg.Status)
		}
		if got := ev.ofType(events.EventMessageStopped); len(got) != 1 {
			t.Errorf("message_stopped events: got %d want 1", len(got))
		}
	})
}

func TestProcessPastLastStepMarksExhausted(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(2, 0)}
	ev := &fakeEvents{}
	c := testCoordinator(st, &fakeIdentities{}, &fakeProxies{}, &fakeSender{}, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: twoTextSteps()})

	if st.msg.Status != domain.MessageExhausted {
		t.Fatalf("status: got %q want exhausted", st.msg.Status)
	}
	if got := ev.ofType(events.EventMessageExhausted); len(got) != 1 {
		t.Errorf("message_exhausted events: got %d want 1", len(got))
	}
}

func TestProcessMissingMediaFailsMessage(t *testing.T) {
	st := &fakeStore{msg: pendingMessage(0, 0)}
	steps := []domain.Step{{Kind: domain.StepMedia, Body: "see attached", MediaID: "med_gone"}}
	ev := &fakeEvents{}
	c := testCoordinator(st, &fakeIdentities{}, &fakeProxies{}, &fakeSender{}, ev)

	c.process(context.Background(), store.ClaimedMessage{Message: st.msg, Steps: steps})

	if st.msg.Status != domain.MessageFailed {
		t.Fatalf("status: got %q want failed", st.msg.Status)
	}
}

func TestShardOfIsStablePerRecipient(t *testing.T) {
	a := shardOf("cmp_1", "+5511999990000", 16)
	for i := 0; i < 10; i++ {
		if b := shardOf("cmp_1", "+5511999990000", 16); b != a {
			t.Fatalf("shard moved: %d then %d", a, b)
		}
	}
	if a < 0 || a >= 16 {
		t.Fatalf("shard out of range: %d", a)
	}
}

func mustAction(t *testing.T, cm store.ClaimedMessage) plan.NextAction {
	t.Helper()
	d, err := plan.Evaluate(cm.Steps, cm.Message, nil)
	if err != nil || d.Kind != plan.DecisionSend {
		t.Fatalf("evaluate: %v %v", d.Kind, err)
	}
	return d.Action
}
