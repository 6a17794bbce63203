// Package dispatch performs one delivery attempt over an acquired sending
// identity and reports a typed outcome. It has no side effects beyond the
// single gateway call; state commits happen in the coordinator.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dripper/internal/gateway"
	"dripper/internal/observability"
)

type OutcomeKind int

const (
	// OutcomeSent: the gateway accepted the message.
	OutcomeSent OutcomeKind = iota
	// OutcomeFailed: transient provider issue, eligible for retry.
	OutcomeFailed
	// OutcomeRejected: permanent provider issue, never retried.
	OutcomeRejected
	// OutcomeBanned: the provider condemned the session itself.
	OutcomeBanned
	// OutcomeSkipped: the attempt was not made (breaker open, local rate
	// pressure). Not a delivery failure; does not consume retry budget.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeBanned:
		return "banned"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	GatewayRef string
	HTTPStatus int
}

type Sender interface {
	Transmit(ctx context.Context, req gateway.TransmitRequest) (gateway.TransmitResponse, int, error)
}

type Dispatcher struct {
	Sender  Sender
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Timeout time.Duration
}

type SendInput struct {
	SessionRef string
	Recipient  string
	Content    string
	MediaKey   string
	ProxyURL   string
}

// Send makes exactly one attempt. The per-call timeout is hard; exceeding it
// classifies as transient.
func (d *Dispatcher) Send(ctx context.Context, in SendInput) Outcome {
	if d.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancelWait()
		if err != nil {
			out := Outcome{Kind: OutcomeSkipped, Reason: "rate_limited_local"}
			observability.Dispatches.WithLabelValues(out.Kind.String()).Inc()
			return out
		}
	}

	start := time.Now()
	resAny, err := d.executeWithBreaker(ctx, in)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		out := Outcome{Kind: OutcomeSkipped, Reason: "breaker_open"}
		observability.Dispatches.WithLabelValues(out.Kind.String()).Inc()
		return out
	}

	var resp gateway.TransmitResponse
	var httpStatus int
	if err == nil {
		r := resAny.(transmitResult)
		resp, httpStatus = r.resp, r.httpStatus
	} else {
		var tce transmitCallError
		if errors.As(err, &tce) {
			resp, httpStatus = tce.resp, tce.httpStatus
		}
	}

	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	out := Outcome{GatewayRef: resp.MessageRef, HTTPStatus: httpStatus}
	switch gateway.Classify(err, httpStatus, resp.ErrorCode) {
	case gateway.ClassOK:
		out.Kind = OutcomeSent
	case gateway.ClassBan:
		out.Kind = OutcomeBanned
		out.Reason = reasonOf(resp.ErrorCode, err)
	case gateway.ClassPermanent:
		out.Kind = OutcomeRejected
		out.Reason = reasonOf(resp.ErrorCode, err)
	default:
		out.Kind = OutcomeFailed
		out.Reason = reasonOf(resp.ErrorCode, err)
	}
	observability.Dispatches.WithLabelValues(out.Kind.String()).Inc()
	return out
}

func reasonOf(code string, err error) string {
	if code != "" {
		return code
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, in SendInput) (any, error) {
	call := func() (any, error) {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, callErr := d.Sender.Transmit(reqCtx, gateway.TransmitRequest{
			SessionRef: in.SessionRef,
			Recipient:  in.Recipient,
			Content:    in.Content,
			MediaKey:   in.MediaKey,
			ProxyURL:   in.ProxyURL,
		})
		if callErr != nil {
			return nil, transmitCallError{err: callErr, resp: resp, httpStatus: httpStatus}
		}
		return transmitResult{resp: resp, httpStatus: httpStatus}, nil
	}

	if d.Breaker == nil {
		return call()
	}
	return d.Breaker.Execute(call)
}

type transmitResult struct {
	resp       gateway.TransmitResponse
	httpStatus int
}

type transmitCallError struct {
	err        error
	resp       gateway.TransmitResponse
	httpStatus int
}

func (e transmitCallError) Error() string { return e.err.Error() }
func (e transmitCallError) Unwrap() error { return e.err }
