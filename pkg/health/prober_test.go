package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chathub/pkg/coordination"
	"chathub/pkg/coordination/memory"
	"chathub/pkg/failover"
	"chathub/pkg/namespace"
)

var endpoints = []string{"e1", "e2", "e3"}

func TestProbeAllTracksConsecutiveFailures(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	ctx := context.Background()
	cluster := memory.NewCluster()

	var mu sync.Mutex
	var unhealthy []string
	p := New(cluster, failover.New(endpoints), WithMaxFailures(2), WithOnUnhealthy(func(ep string) {
		mu.Lock()
		unhealthy = append(unhealthy, ep)
		mu.Unlock()
	}))

	for _, h := range p.Snapshot() {
		assert.Equal(t, StatusUnknown, h.Status)
	}

	cluster.SetDown("e2", true)
	got := p.ProbeAll(ctx)
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].Endpoint)
	assert.Equal(t, StatusHealthy, got[0].Status)
	assert.Equal(t, StatusUnknown, got[1].Status)
	assert.Equal(t, 1, got[1].ConsecutiveFails)
	assert.NotEmpty(t, got[1].LastError)

	got = p.ProbeAll(ctx)
	assert.Equal(t, StatusUnhealthy, got[1].Status)
	p.ProbeAll(ctx)
	mu.Lock()
	assert.Equal(t, []string{"e2"}, unhealthy, "callback fires once per transition")
	mu.Unlock()

	cluster.SetDown("e2", false)
	got = p.ProbeAll(ctx)
	assert.Equal(t, StatusHealthy, got[1].Status)
	assert.Zero(t, got[1].ConsecutiveFails)
	assert.Empty(t, got[1].LastError)
	assert.True(t, p.Healthy())
}

func TestProbeReportsVisibleLeader(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	ctx := context.Background()
	cluster := memory.NewCluster()
	p := New(cluster, failover.New(endpoints))

	got := p.ProbeAll(ctx)
	assert.Equal(t, StatusHealthy, got[0].Status, "no leader is still a reachable endpoint")
	assert.False(t, got[0].LeaderVisible)

	s, _, err := cluster.Dial(ctx, "e1", time.Second)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, namespace.NewClient(s).EnsureContainer(ctx, namespace.ElectionRoot))
	candidate, err := s.Create(ctx, namespace.CandidatePath(), nil, coordination.EphemeralSequential)
	require.NoError(t, err)

	got = p.ProbeAll(ctx)
	for _, h := range got {
		assert.True(t, h.LeaderVisible, h.Endpoint)
		assert.Equal(t, candidate, h.Leader)
	}
}

func TestStartProbesOnSchedule(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	cluster := memory.NewCluster()
	p := New(cluster, failover.New(endpoints), WithInterval(time.Second))
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		for _, h := range p.Snapshot() {
			if h.Status != StatusHealthy {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.True(t, p.Healthy())
}
