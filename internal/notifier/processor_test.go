package notifier

import (
	"context"
	"crypto/hmac"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dripper/internal/domain"
	sqsqueue "dripper/internal/queue/sqs"
	"dripper/internal/store"
)

type fakeStore struct {
	inserted []store.AuditInsert
	subs     []domain.WebhookSubscription
	insErr   error
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, in store.AuditInsert) error {
	if f.insErr != nil {
		return f.insErr
	}
	f.inserted = append(f.inserted, in)
	return nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, campaignID string) ([]domain.WebhookSubscription, error) {
	return f.subs, nil
}

func testEvent() sqsqueue.EngineEvent {
	return sqsqueue.EngineEvent{
		EventID:    "evt_1",
		EventType:  "step_sent",
		CampaignID: "cmp_1",
		MessageID:  "msg_1",
		OccurredAt: time.Now().UTC(),
	}
}

func TestHandleRecordsAuditAndSignsWebhook(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Dripper-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := &fakeStore{subs: []domain.WebhookSubscription{
		{ID: "sub_1", CampaignID: "cmp_1", URL: srv.URL, Secret: "topsecret"},
	}}
	p := &Processor{Store: st, HTTP: srv.Client(), MaxRetries: 3, RetryBase: time.Millisecond, RetryCap: 10 * time.Millisecond}

	if err := p.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.inserted) != 1 || st.inserted[0].ID != "evt_1" {
		t.Fatalf("audit rows: %+v", st.inserted)
	}

	sig, _ := gotSig.Load().(string)
	body, _ := gotBody.Load().([]byte)
	if body == nil {
		t.Fatal("webhook never delivered")
	}
	if !hmac.Equal([]byte(sig), []byte(Sign("topsecret", body))) {
		t.Errorf("signature mismatch: %q", sig)
	}
}

func TestHandleRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := &fakeStore{subs: []domain.WebhookSubscription{
		{ID: "sub_1", URL: srv.URL, Secret: "s"},
	}}
	p := &Processor{Store: st, HTTP: srv.Client(), MaxRetries: 4, RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond}

	if err := p.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("delivery attempts: got %d want 3", calls.Load())
	}
}

func TestHandleGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := &fakeStore{subs: []domain.WebhookSubscription{{ID: "sub_1", URL: srv.URL, Secret: "s"}}}
	p := &Processor{Store: st, HTTP: srv.Client(), MaxRetries: 2, RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond}

	// Delivery failure is swallowed; the audit row already landed.
	if err := p.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("delivery attempts: got %d want 2", calls.Load())
	}
}

func TestHandleReturnsAuditErrorForRedrive(t *testing.T) {
	st := &fakeStore{insErr: errors.New("db down")}
	p := &Processor{Store: st, HTTP: http.DefaultClient, MaxRetries: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond}

	if err := p.Handle(context.Background(), testEvent()); err == nil {
		t.Fatal("audit failure must surface so the queue redrives")
	}
}
