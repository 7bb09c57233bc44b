// Package transport talks to the agent backend: turn initiation over
// plain HTTP and event delivery over an SSE stream.
//
// The two legs are deliberately asymmetric. Initiation is a normal
// request/response POST and can carry the bearer token as a header.
// The stream leg follows EventSource semantics and cannot carry
// headers, so the token travels as a query parameter instead.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepagent/sqlchat/internal/auth"
	apperrors "github.com/deepagent/sqlchat/pkg/errors"
	"github.com/deepagent/sqlchat/pkg/logger"
)

// TurnRequest is the POST /api/chat body.
type TurnRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// TurnResponse locates the event stream for an accepted turn.
type TurnResponse struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
}

// InitiationError reports a non-2xx response to turn initiation.
// The placeholder rollback and auth classification in the controller
// both key off this type.
type InitiationError struct {
	StatusCode int
	Body       string
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("turn initiation failed: status=%d body=%s", e.StatusCode, e.Body)
}

// Auth reports whether the failure is an authentication failure:
// HTTP 401, or a response body carrying the backend's "Unauthorized"
// detail string regardless of status code.
func (e *InitiationError) Auth() bool {
	return e.StatusCode == http.StatusUnauthorized || strings.Contains(e.Body, "Unauthorized")
}

// Unwrap lets errors.Is(err, apperrors.ErrUnauthorized) see through
// auth-classified initiation failures.
func (e *InitiationError) Unwrap() error {
	if e.Auth() {
		return apperrors.ErrUnauthorized
	}
	return nil
}

// Client is the HTTP side of the transport adapter.
type Client struct {
	baseURL     string
	httpCli     *http.Client
	store       *auth.TokenStore
	idleTimeout time.Duration
}

// NewClient builds a transport client. idleTimeout bounds the silence
// between stream frames; zero disables the watchdog.
func NewClient(baseURL string, timeout, idleTimeout time.Duration, store *auth.TokenStore) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpCli:     &http.Client{Timeout: timeout},
		store:       store,
		idleTimeout: idleTimeout,
	}
}

// StartTurn submits a query and returns the stream locator for the
// resulting turn. sessionID may be empty for a fresh backend session.
func (c *Client) StartTurn(ctx context.Context, query, sessionID string) (*TurnResponse, error) {
	const op = "Transport.StartTurn"

	body, err := json.Marshal(TurnRequest{Query: query, SessionID: sessionID})
	if err != nil {
		return nil, apperrors.Wrap(err, op, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if hdr, ok := c.store.AuthHeader(); ok {
		req.Header.Set("Authorization", hdr)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "request failed")
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ie := &InitiationError{StatusCode: resp.StatusCode, Body: string(data)}
		logger.Warn("transport: turn initiation rejected",
			logger.FieldStatus, resp.StatusCode,
			"auth_failure", ie.Auth(),
		)
		return nil, ie
	}

	var tr TurnResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, apperrors.Wrap(err, op, "decode response")
	}
	if tr.StreamURL == "" {
		return nil, apperrors.Wrap(apperrors.ErrInternal, op, "response missing stream_url")
	}
	return &tr, nil
}

// resolveStreamURL turns the backend's stream locator into an absolute
// URL with the token query parameter appended.
func (c *Client) resolveStreamURL(streamURL string) string {
	if !strings.HasPrefix(streamURL, "http://") && !strings.HasPrefix(streamURL, "https://") {
		if !strings.HasPrefix(streamURL, "/") {
			streamURL = "/" + streamURL
		}
		streamURL = c.baseURL + streamURL
	}
	return c.store.WithTokenInURL(streamURL)
}
