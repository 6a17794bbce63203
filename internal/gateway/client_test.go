package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		httpStatus int
		errorCode  string
		want       Class
	}{
		{"ok 2xx", nil, 201, "", ClassOK},
		{"session revoked", errors.New("revoked"), 403, "session_revoked", ClassBan},
		{"account banned", errors.New("banned"), 403, "account_banned", ClassBan},
		{"invalid recipient", errors.New("bad to"), 400, "invalid_recipient", ClassPermanent},
		{"plain 400", errors.New("bad req"), 400, "", ClassPermanent},
		{"rate limited", errors.New("slow down"), 429, "rate_limited", ClassTransient},
		{"server error", errors.New("boom"), 503, "", ClassTransient},
		{"deadline", context.DeadlineExceeded, 0, "", ClassTransient},
		{"connection refused", errors.New("dial tcp: refused"), 0, "", ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err, tc.httpStatus, tc.errorCode); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestTransmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/sess-1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageRef":"gw_123","status":"accepted"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, APIKey: "key-1", HTTP: &http.Client{Timeout: time.Second}}
	resp, status, err := c.Transmit(context.Background(), TransmitRequest{
		SessionRef: "sess-1", Recipient: "+15550001", Content: "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusCreated || resp.MessageRef != "gw_123" {
		t.Fatalf("unexpected response %+v status %d", resp, status)
	}
}

func TestTransmitErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errorCode":"session_revoked","message":"session no longer valid"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	resp, status, err := c.Transmit(context.Background(), TransmitRequest{SessionRef: "sess-1", Recipient: "x", Content: "y"})
	if err == nil {
		t.Fatalf("expected error on 403")
	}
	if resp.ErrorCode != "session_revoked" {
		t.Fatalf("expected error code carried through, got %+v", resp)
	}
	if Classify(err, status, resp.ErrorCode) != ClassBan {
		t.Fatalf("expected ban classification")
	}
}
