package election

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chathub/pkg/coordination"
	"chathub/pkg/coordination/memory"
)

// fixedProvider hands out one session, swappable by the test.
type fixedProvider struct {
	mu sync.Mutex
	s  coordination.Session
}

func (p *fixedProvider) Session() coordination.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *fixedProvider) set(s coordination.Session) {
	p.mu.Lock()
	p.s = s
	p.mu.Unlock()
}

type node struct {
	provider *fixedProvider
	election *Election
}

func startNodes(t *testing.T, cluster *memory.Cluster, n int) []*node {
	t.Helper()
	nodes := make([]*node, n)
	var wg sync.WaitGroup
	for i := range nodes {
		s, _, err := cluster.Dial(context.Background(), fmt.Sprintf("e%d", i%3+1), time.Second)
		require.NoError(t, err)
		p := &fixedProvider{s: s}
		nodes[i] = &node{provider: p, election: New(p, WithRetryDelay(5*time.Millisecond))}
	}
	for _, nd := range nodes {
		wg.Add(1)
		go func(e *Election) {
			defer wg.Done()
			e.Start()
		}(nd.election)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, nd := range nodes {
			nd.election.Close()
			_ = nd.provider.Session().Close()
		}
	})
	return nodes
}

func settle(t *testing.T, nodes []*node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, nd := range nodes {
		_, err := nd.election.WaitOutcome(ctx)
		require.NoError(t, err)
	}
}

func leaders(nodes []*node) []*node {
	var out []*node
	for _, nd := range nodes {
		if nd.election.IsLeader() {
			out = append(out, nd)
		}
	}
	return out
}

func TestExactlyOneLeaderWithSmallestSequence(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	nodes := startNodes(t, cluster, 7)
	settle(t, nodes)

	elected := leaders(nodes)
	require.Len(t, elected, 1)

	smallest, err := elected[0].election.Leader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, smallest, elected[0].election.Candidate())
	assert.Equal(t, Leader, elected[0].election.State())

	waiting := 0
	for _, nd := range nodes {
		if nd.election.State() == Waiting {
			waiting++
		}
	}
	assert.Equal(t, len(nodes)-1, waiting)
}

func TestNextCandidateTakesOverWhenLeaderCandidacyIsDeleted(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	nodes := startNodes(t, cluster, 3)
	settle(t, nodes)

	old := leaders(nodes)[0]
	oldCandidate := old.election.Candidate()

	// the candidate right after the leader
	var next *node
	for _, nd := range nodes {
		if nd == old {
			continue
		}
		if next == nil || lessCandidate(nd.election.Candidate(), next.election.Candidate()) {
			next = nd
		}
	}

	require.NoError(t, old.provider.Session().Delete(context.Background(), oldCandidate))

	require.Eventually(t, func() bool { return next.election.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		c := old.election.Candidate()
		return c != "" && c != oldCandidate && old.election.State() == Waiting
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, leaders(nodes), 1)
}

func TestResignParksFollower(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	nodes := startNodes(t, cluster, 2)
	settle(t, nodes)

	old := leaders(nodes)[0]
	require.NoError(t, old.election.Resign(context.Background()))
	assert.Equal(t, Follower, old.election.State())
	assert.Empty(t, old.election.Candidate())

	var other *node
	for _, nd := range nodes {
		if nd != old {
			other = nd
		}
	}
	require.Eventually(t, other.election.IsLeader, 2*time.Second, 5*time.Millisecond)

	state, err := old.election.WaitOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Follower, state)
}

func TestRestartOnNewSessionReRegisters(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	nodes := startNodes(t, cluster, 1)
	settle(t, nodes)

	nd := nodes[0]
	first := nd.election.Candidate()
	require.True(t, nd.election.IsLeader())

	cluster.Expire(nd.provider.Session())
	fresh, _, err := cluster.Dial(context.Background(), "e2", time.Second)
	require.NoError(t, err)
	nd.provider.set(fresh)
	nd.election.Restart()

	require.Eventually(t, func() bool {
		return nd.election.IsLeader() && nd.election.Candidate() != first
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRestartOnSameSessionReplacesCandidacy(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	nodes := startNodes(t, cluster, 2)
	settle(t, nodes)

	old := leaders(nodes)[0]
	other := nodes[0]
	if other == old {
		other = nodes[1]
	}
	first := old.election.Candidate()

	old.election.Restart()

	require.Eventually(t, func() bool {
		return other.election.IsLeader() && old.election.State() == Waiting
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, first, old.election.Candidate())
	assert.Len(t, leaders(nodes), 1)

	names, err := candidates(context.Background(), old.provider.Session())
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestWaitOutcomeInterrupted(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	e := New(&fixedProvider{})
	e.Start()
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := e.WaitOutcome(ctx)
	assert.ErrorIs(t, err, coordination.ErrInterrupted)
	assert.Equal(t, Unregistered, state)
}

func TestSmallestWithoutCandidates(t *testing.T) {
	cluster := memory.NewCluster()
	s, _, err := cluster.Dial(context.Background(), "e1", time.Second)
	require.NoError(t, err)
	defer s.Close()

	_, err = Smallest(context.Background(), s)
	assert.ErrorIs(t, err, coordination.ErrNoLeaderAvailable)
}

func lessCandidate(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
