package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []InvokeRequest
	fail bool
}

func (f *fakeSender) SendExecute(_ context.Context, req InvokeRequest) error {
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, req)
	return nil
}

type fakeNotifier struct {
	applied []Result
}

func (f *fakeNotifier) NotifyApply(_ context.Context, _ string, _ string, result Result) error {
	f.applied = append(f.applied, result)
	return nil
}

func newTestGateway() (*Gateway, *Registry, *fakeNotifier) {
	reg := NewRegistry(SelectRoundRobin)
	notifier := &fakeNotifier{}
	gw := NewGateway(reg, notifier, NewMemOrphanStore(), nil, nil)
	return gw, reg, notifier
}

func TestDispatch_NoEligibleExecutor(t *testing.T) {
	gw, _, _ := newTestGateway()
	_, err := gw.Dispatch(context.Background(), InvokeRequest{Kind: KindConnectorAction, OrgID: "org1"})
	require.Error(t, err)
	derr, ok := err.(*DispatchError)
	require.True(t, ok)
	assert.Equal(t, ErrNoEligibleExecutor, derr.Code)
}

func TestDispatch_RevokedExecutorExcluded(t *testing.T) {
	gw, reg, _ := newTestGateway()
	sender := &fakeSender{}
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, Revoked: true, MaxInFlight: 1}, sender)

	_, err := gw.Dispatch(context.Background(), InvokeRequest{Kind: KindConnectorAction, OrgID: "org1"})
	require.Error(t, err)
	derr := err.(*DispatchError)
	assert.Equal(t, ErrNoEligibleExecutor, derr.Code)
}

func TestDispatch_RoundRobinAcrossTwoExecutors(t *testing.T) {
	gw, reg, _ := newTestGateway()
	s1, s2 := &fakeSender{}, &fakeSender{}
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, MaxInFlight: 10}, s1)
	reg.Online(ExecutorInfo{ExecutorID: "e2", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, MaxInFlight: 10}, s2)

	for i := 0; i < 4; i++ {
		_, err := gw.Dispatch(context.Background(), InvokeRequest{Kind: KindConnectorAction, OrgID: "org1"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, len(s1.sent))
	assert.Equal(t, 2, len(s2.sent))
}

func TestDispatch_ResultIngressNotifiesAndIsIdempotent(t *testing.T) {
	gw, reg, notifier := newTestGateway()
	sender := &fakeSender{}
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, MaxInFlight: 1}, sender)

	requestID, err := gw.Dispatch(context.Background(), InvokeRequest{RequestID: "req-1", RunID: "run-1", Kind: KindConnectorAction, OrgID: "org1"})
	require.NoError(t, err)

	result := Result{RequestID: requestID, Status: ResultSucceeded}
	require.NoError(t, gw.ApplyResult(context.Background(), result))
	require.NoError(t, gw.ApplyResult(context.Background(), result)) // duplicate frame

	assert.Equal(t, 1, len(notifier.applied))
	assert.False(t, sender.fail)
	got, err := gw.FetchResult(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, got.Status)
}

func TestDispatch_OrphanResultBeforeRegistered(t *testing.T) {
	gw, _, _ := newTestGateway()
	result := Result{RequestID: "orphan-1", Status: ResultSucceeded}
	require.NoError(t, gw.ApplyResult(context.Background(), result))

	got, err := gw.FetchResult(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, got.Status)
}

func TestDispatch_TimeoutSynthesizesFailure(t *testing.T) {
	gw, reg, notifier := newTestGateway()
	sender := &fakeSender{}
	reg.Online(ExecutorInfo{ExecutorID: "e1", Pool: PoolManaged, Kinds: []Kind{KindConnectorAction}, MaxInFlight: 1}, sender)

	_, err := gw.Dispatch(context.Background(), InvokeRequest{RequestID: "req-timeout", RunID: "run-1", Kind: KindConnectorAction, OrgID: "org1", TimeoutMs: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(notifier.applied) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ErrNodeExecutionTimeout, notifier.applied[0].Error)
}
