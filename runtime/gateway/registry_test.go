package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PairAndAuthenticate(t *testing.T) {
	reg := NewRegistry(SelectRoundRobin)
	res, err := reg.Pair(PoolManaged, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExecutorID)
	assert.NotEmpty(t, res.Token)

	gotID, err := reg.AuthenticateToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.ExecutorID, gotID)

	_, err = reg.AuthenticateToken("bogus-token")
	assert.ErrorIs(t, err, ErrUnknownExecutor)
}

func TestRegistry_RevokeDropsConnectionAndToken(t *testing.T) {
	reg := NewRegistry(SelectRoundRobin)
	res, err := reg.Pair(PoolManaged, "")
	require.NoError(t, err)

	reg.Online(ExecutorInfo{ExecutorID: res.ExecutorID, Pool: PoolManaged, Kinds: []Kind{KindAgentExecute}}, &fakeSender{})
	_, ok := reg.Get(res.ExecutorID)
	require.True(t, ok)

	require.NoError(t, reg.Revoke(res.ExecutorID))

	_, ok = reg.Get(res.ExecutorID)
	assert.False(t, ok)

	_, err = reg.AuthenticateToken(res.Token)
	assert.Error(t, err)
}

func TestRegistry_SelectorFiltersByGroupAndLabel(t *testing.T) {
	reg := NewRegistry(SelectRoundRobin)
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindAgentExecute}, Labels: []string{"group:prod", "region:us"}, MaxInFlight: 5}, &fakeSender{})
	reg.Online(ExecutorInfo{ExecutorID: "e2", Pool: PoolManaged, Kinds: []Kind{KindAgentExecute}, Labels: []string{"group:staging"}, MaxInFlight: 5}, &fakeSender{})

	candidates := reg.eligible(InvokeRequest{Kind: KindAgentExecute, Selector: &Selector{Group: "prod"}})
	require.Len(t, candidates, 1)
	assert.Equal(t, "e1", candidates[0].Info.ExecutorID)
}

func TestRegistry_BYONScopedToOrg(t *testing.T) {
	reg := NewRegistry(SelectRoundRobin)
	reg.Online(ExecutorInfo{ExecutorID: "byon-1", OrgID: "org-a", Pool: PoolBYON, Kinds: []Kind{KindConnectorAction}, MaxInFlight: 1}, &fakeSender{})

	candidates := reg.eligible(InvokeRequest{Kind: KindConnectorAction, OrgID: "org-b"})
	assert.Len(t, candidates, 0)

	candidates = reg.eligible(InvokeRequest{Kind: KindConnectorAction, OrgID: "org-a"})
	assert.Len(t, candidates, 1)
}

func TestRegistry_ConnectorAllowlist(t *testing.T) {
	reg := NewRegistry(SelectRoundRobin)
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, Connectors: []string{"slack"}, MaxInFlight: 1}, &fakeSender{})

	payload := []byte(`{"connectorId":"github"}`)
	candidates := reg.eligible(InvokeRequest{Kind: KindConnectorAction, OrgID: "org-a", Payload: payload})
	assert.Len(t, candidates, 0)

	payload = []byte(`{"connectorId":"slack"}`)
	candidates = reg.eligible(InvokeRequest{Kind: KindConnectorAction, OrgID: "org-a", Payload: payload})
	assert.Len(t, candidates, 1)
}

func TestRegistry_LeastInFlightStrategy(t *testing.T) {
	reg := NewRegistry(SelectLeastInFlight)
	c1 := reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindAgentExecute}, MaxInFlight: 10}, &fakeSender{})
	reg.Online(ExecutorInfo{ExecutorID: "e2", Pool: PoolManaged, Kinds: []Kind{KindAgentExecute}, MaxInFlight: 10}, &fakeSender{})

	c1.incInFlight()
	c1.incInFlight()

	candidates := reg.eligible(InvokeRequest{Kind: KindAgentExecute})
	picked := reg.selectConnection(string(KindAgentExecute), candidates)
	assert.Equal(t, "e2", picked.Info.ExecutorID)
}

func TestGateway_Subscribe_UnsubscribeStopsDelivery(t *testing.T) {
	gw, _, _ := newTestGateway()
	var received []RemoteEvent
	unsub := gw.Subscribe("req-1", func(ev RemoteEvent) {
		received = append(received, ev)
	})

	require.NoError(t, gw.ApplyRemoteEvent(context.Background(), noopEventSink{}, RemoteEvent{RequestID: "req-1", Seq: 1}))
	assert.Len(t, received, 1)

	unsub()
	require.NoError(t, gw.ApplyRemoteEvent(context.Background(), noopEventSink{}, RemoteEvent{RequestID: "req-1", Seq: 2}))
	assert.Len(t, received, 1)
}

type noopEventSink struct{}

func (noopEventSink) AppendRemoteEvent(_ context.Context, _ string, _ RemoteEvent) error { return nil }
