// Package authclient issues token-validation sub-requests over the same
// correlation machinery a session uses for user traffic, per spec §4.3.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// Requester is the subset of the Session Handler's correlation machinery
// the Auth Client needs: mint a correlation id, publish, and await the
// matched reply or a timeout. Implemented by *session.Session so this
// package never depends on it directly.
type Requester interface {
	Request(ctx context.Context, kind wire.RequestKind, timeout time.Duration, exchange, routingKey string, buildBody func(corrID string) ([]byte, error)) ([]byte, error)
}

type validationRequest struct {
	Token string `json:"token"`
}

type validationResponse struct {
	Permissions []string        `json:"permissions"`
	Error       *wire.ErrorBody `json:"error"`
}

// Client issues validate() calls against a reserved, configurable
// auth.validation routing key.
type Client struct {
	requester        Requester
	exchange         string
	routingKey       string
	timeout          time.Duration
}

// New builds a Client bound to one session's Requester. A fresh Client is
// constructed per session, since the Requester is session-scoped.
func New(requester Requester, exchange, routingKey string, timeout time.Duration) *Client {
	return &Client{requester: requester, exchange: exchange, routingKey: routingKey, timeout: timeout}
}

// Validate publishes a validation request for token and awaits the single
// reply. Timeout yields AuthTimeout; a transport failure (publish/broker
// error) yields AuthTransport; an explicit {error:...} response body yields
// AuthRejected.
func (c *Client) Validate(ctx context.Context, token string) ([]string, error) {
	buildBody := func(corrID string) ([]byte, error) {
		return json.Marshal(validationRequest{Token: token})
	}

	reply, err := c.requester.Request(ctx, wire.KindAuthValidation, c.timeout, c.exchange, c.routingKey, buildBody)
	if err != nil {
		if wire.KindOf(err) == wire.UpstreamTimeout {
			return nil, wire.New(wire.AuthTimeout, "auth validation timed out")
		}
		return nil, wire.Wrap(wire.AuthTransport, "auth validation request failed", err)
	}

	var resp validationResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, wire.Wrap(wire.AuthTransport, "malformed auth validation response", err)
	}
	if resp.Error != nil {
		return nil, wire.New(wire.AuthRejected, fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message))
	}
	return resp.Permissions, nil
}
