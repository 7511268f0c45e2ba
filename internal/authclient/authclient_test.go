package authclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

type fakeRequester struct {
	reply []byte
	err   error
	gotKind wire.RequestKind
	gotExchange, gotRoutingKey string
	gotPayload []byte
}

func (f *fakeRequester) Request(ctx context.Context, kind wire.RequestKind, timeout time.Duration, exchange, routingKey string, buildBody func(corrID string) ([]byte, error)) ([]byte, error) {
	f.gotKind = kind
	f.gotExchange = exchange
	f.gotRoutingKey = routingKey
	payload, err := buildBody("test-corr-id")
	if err != nil {
		return nil, err
	}
	f.gotPayload = payload
	return f.reply, f.err
}

func TestValidateSuccess(t *testing.T) {
	reply, _ := json.Marshal(validationResponse{Permissions: []string{"read", "write"}})
	req := &fakeRequester{reply: reply}
	c := New(req, "open-matchmaking.direct", "auth.validation", 5*time.Second)

	perms, err := c.Validate(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, perms)
	assert.Equal(t, wire.KindAuthValidation, req.gotKind)
	assert.Equal(t, "auth.validation", req.gotRoutingKey)

	var sent validationRequest
	require.NoError(t, json.Unmarshal(req.gotPayload, &sent))
	assert.Equal(t, "tok-123", sent.Token)
}

func TestValidateRejected(t *testing.T) {
	reply, _ := json.Marshal(validationResponse{Error: &wire.ErrorBody{Code: "invalid_token", Message: "expired"}})
	req := &fakeRequester{reply: reply}
	c := New(req, "open-matchmaking.direct", "auth.validation", 5*time.Second)

	_, err := c.Validate(context.Background(), "tok-123")
	require.Error(t, err)
	assert.Equal(t, wire.AuthRejected, wire.KindOf(err))
}

func TestValidateTimeout(t *testing.T) {
	req := &fakeRequester{err: wire.New(wire.UpstreamTimeout, "no reply")}
	c := New(req, "open-matchmaking.direct", "auth.validation", 5*time.Second)

	_, err := c.Validate(context.Background(), "tok-123")
	require.Error(t, err)
	assert.Equal(t, wire.AuthTimeout, wire.KindOf(err))
}

func TestValidateTransportFailure(t *testing.T) {
	req := &fakeRequester{err: wire.New(wire.BrokerConnectionLost, "gone")}
	c := New(req, "open-matchmaking.direct", "auth.validation", 5*time.Second)

	_, err := c.Validate(context.Background(), "tok-123")
	require.Error(t, err)
	assert.Equal(t, wire.AuthTransport, wire.KindOf(err))
}
