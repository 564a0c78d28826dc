package hydra

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/bootjp/tabletnode/kv"
)

// raftStores survive a restart of the raft instance built on them.
type raftStores struct {
	logs   *raft.InmemStore
	stable *raft.InmemStore
	snaps  *raft.InmemSnapshotStore
}

func newRaftStores() raftStores {
	return raftStores{
		logs:   raft.NewInmemStore(),
		stable: raft.NewInmemStore(),
		snaps:  raft.NewInmemSnapshotStore(),
	}
}

func newTestRaftManager(t *testing.T, id string) (*RaftManager, *counterPart, *raft.Raft) {
	t.Helper()
	m, p, r, _ := startTestRaftManager(t, id, newRaftStores(), true)
	return m, p, r
}

// startTestRaftManager runs a single voter on stores. The returned stop
// shuts it down; it also runs on cleanup.
func startTestRaftManager(t *testing.T, id string, stores raftStores, bootstrap bool) (*RaftManager, *counterPart, *raft.Raft, func()) {
	t.Helper()

	a := NewAutomaton()
	p := newCounterPart(a, "counter")
	m := NewRaftManager(a, WithApplyTimeout(time.Second))

	addr, trans := raft.NewInmemTransport(raft.ServerAddress(id))
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(id)
	c.HeartbeatTimeout = 50 * time.Millisecond
	c.ElectionTimeout = 100 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.Logger = hclog.New(&hclog.LoggerOptions{Name: "raft", Level: hclog.Error})
	m.ConfigureRaft(c)

	r, err := raft.NewRaft(c, m, stores.logs, stores.stable, stores.snaps, trans)
	require.NoError(t, err)
	m.Attach(r)

	if bootstrap {
		cfg := raft.Configuration{
			Servers: []raft.Server{
				{Suffrage: raft.Voter, ID: raft.ServerID(id), Address: addr},
			},
		}
		require.NoError(t, r.BootstrapCluster(cfg).Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			_ = r.Shutdown().Error()
		})
	}
	t.Cleanup(stop)
	return m, p, r, stop
}

func isLeader(m *RaftManager) bool {
	m.automaton.Lock()
	defer m.automaton.Unlock()
	return m.IsLeader()
}

func TestRaftManager_CommitMutation(t *testing.T) {
	t.Parallel()

	m, p, _ := newTestRaftManager(t, "hydra-commit")
	require.Eventually(t, func() bool { return isLeader(m) }, 5*time.Second, 10*time.Millisecond)
	m.automaton.Lock()
	require.True(t, p.leading)
	m.automaton.Unlock()

	handled := make(chan int, 1)
	m.automaton.Lock()
	f := m.CommitMutation(&Mutation{
		Type: "counter.Increment",
		Data: []byte("abcd"),
		Handler: func(mc *MutationContext) error {
			p.value += len(mc.Data)
			handled <- len(mc.Data)
			return nil
		},
	})
	m.automaton.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
	require.Equal(t, 4, <-handled)

	m.automaton.Lock()
	require.Equal(t, 4, p.value)
	require.Empty(t, m.pending)
	m.automaton.Unlock()
}

func TestRaftManager_SnapshotRestore(t *testing.T) {
	t.Parallel()

	m, p, _ := newTestRaftManager(t, "hydra-snapshot")
	require.Eventually(t, func() bool { return isLeader(m) }, 5*time.Second, 10*time.Millisecond)

	m.automaton.Lock()
	f := m.CommitMutation(&Mutation{Type: "counter.Increment", Data: []byte("xyz")})
	m.automaton.Unlock()
	require.NoError(t, f.Wait(context.Background()))

	snap, err := m.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	m.automaton.Lock()
	p.value = 100
	m.automaton.Unlock()

	require.NoError(t, m.Restore(sink))
	m.automaton.Lock()
	require.Equal(t, 3, p.value)
	require.Equal(t, 1, p.loaded)
	m.automaton.Unlock()
}

func TestRaftManager_LeadsOnlyAfterEarlierEntriesApply(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stores := newRaftStores()
	m, _, _, stop := startTestRaftManager(t, "hydra-restart", stores, true)
	require.Eventually(t, func() bool { return isLeader(m) }, 5*time.Second, 10*time.Millisecond)
	for i := 0; i < 3; i++ {
		m.automaton.Lock()
		f := m.CommitMutation(&Mutation{Type: "counter.Increment", Data: []byte("abc")})
		m.automaton.Unlock()
		require.NoError(t, f.Wait(ctx))
	}
	stop()

	// The restarted node applies the old entries only once its new term
	// commits, after leadership has been signalled.
	m, p, _, _ := startTestRaftManager(t, "hydra-restart", stores, false)
	require.Eventually(t, func() bool { return isLeader(m) }, 5*time.Second, 10*time.Millisecond)
	m.automaton.Lock()
	defer m.automaton.Unlock()
	require.True(t, p.leading)
	require.Equal(t, 9, p.valueAtStart)
	require.Equal(t, 9, p.value)
}

// failedApply is an apply future raft has already failed.
type failedApply struct {
	raft.ApplyFuture
	err error
}

func (f failedApply) Error() error { return f.err }

func TestRaftManager_RefusedMutationRestartsEpoch(t *testing.T) {
	t.Parallel()

	a := NewAutomaton()
	p := newCounterPart(a, "counter")
	m := NewRaftManager(a)

	a.Lock()
	m.leading = true
	m.epoch = uuid.New()
	a.StartLeading()
	epoch := m.epoch
	refused := pendingMutation{env: &envelope{Type: "counter.Increment", Epoch: epoch, Sequence: 1}, future: newFuture()}
	later := pendingMutation{env: &envelope{Type: "counter.Increment", Epoch: epoch, Sequence: 2}, future: newFuture()}
	m.pending[1] = refused
	m.pending[2] = later
	a.Unlock()

	// Lost leadership is handled when raft reports it.
	m.watchApply(epoch, 1, failedApply{err: raft.ErrLeadershipLost})
	a.Lock()
	require.True(t, m.leading)
	require.Len(t, m.pending, 2)
	a.Unlock()

	m.watchApply(epoch, 1, failedApply{err: raft.ErrEnqueueTimeout})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, refused.future.Wait(ctx), raft.ErrEnqueueTimeout)
	require.ErrorIs(t, later.future.Wait(ctx), kv.ErrLeadershipLost)

	a.Lock()
	require.False(t, m.leading)
	require.False(t, p.leading)
	require.Empty(t, m.pending)
	a.Unlock()
	require.Len(t, m.restart, 1)

	// A stale failure of the old epoch is ignored.
	m.watchApply(epoch, 2, failedApply{err: raft.ErrEnqueueTimeout})
	require.Len(t, m.restart, 1)
}

type memorySink struct {
	data   []byte
	offset int
}

func (s *memorySink) Write(b []byte) (int, error) {
	s.data = append(s.data, b...)
	return len(b), nil
}

func (s *memorySink) Read(b []byte) (int, error) {
	if s.offset >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(b, s.data[s.offset:])
	s.offset += n
	return n, nil
}

func (s *memorySink) Close() error  { return nil }
func (s *memorySink) ID() string    { return "memory" }
func (s *memorySink) Cancel() error { return nil }
