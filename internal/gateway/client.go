// Package gateway wraps the external messaging-network send capability
// behind a narrow HTTP client. The engine never speaks the messaging
// protocol itself; it hands the gateway a session reference, a recipient and
// content, and interprets the typed result.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type TransmitRequest struct {
	SessionRef string `json:"-"`
	Recipient  string `json:"recipient"`
	Content    string `json:"content"`
	MediaKey   string `json:"mediaKey,omitempty"`
	ProxyURL   string `json:"proxyUrl,omitempty"`
}

type TransmitResponse struct {
	MessageRef string `json:"messageRef"`
	Status     string `json:"status"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
}

func (c *Client) Transmit(ctx context.Context, req TransmitRequest) (TransmitResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TransmitResponse{}, 0, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	endpoint := baseURL + "/v1/sessions/" + req.SessionRef + "/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return TransmitResponse{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out TransmitResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, errors.New(out.Message)
		}
		return out, resp.StatusCode, errors.New("gateway send failed")
	}
	return out, resp.StatusCode, nil
}

// Class is the coarse delivery-outcome classification the engine acts on.
type Class int

const (
	ClassOK Class = iota
	// ClassTransient covers timeouts, provider rate limiting and 5xx:
	// retried with backoff.
	ClassTransient
	// ClassPermanent covers unfixable requests (invalid recipient):
	// terminal for the message, identity unaffected.
	ClassPermanent
	// ClassBan covers provider verdicts against the session itself:
	// terminal for the identity.
	ClassBan
)

// Classify maps a transmit result to a Class. Error-code mapping follows the
// gateway contract: session_revoked and account_banned condemn the session,
// invalid_recipient condemns only the message, everything else non-2xx is
// treated as transient.
func Classify(err error, httpStatus int, errorCode string) Class {
	switch errorCode {
	case "session_revoked", "account_banned":
		return ClassBan
	case "invalid_recipient":
		return ClassPermanent
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ClassTransient
		}
		if httpStatus == 0 {
			// Connection-level failure, likely the proxy.
			return ClassTransient
		}
	}
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return ClassOK
	case httpStatus == http.StatusBadRequest || httpStatus == http.StatusUnprocessableEntity:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
