package hydra

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/bootjp/tabletnode/kv"
)

const (
	defaultApplyTimeout = 5 * time.Second
	leadershipChanSize  = 16
)

// RaftManager delivers mutations through a hashicorp/raft log. It is both
// the raft FSM and the Manager the automaton parts submit to.
type RaftManager struct {
	automaton *Automaton
	raft      *raft.Raft
	notify    chan bool
	restart   chan struct{}
	log       *slog.Logger

	applyTimeout    time.Duration
	mutationLogging bool

	// Guarded by the automaton lock.
	leading  bool
	epoch    uuid.UUID
	sequence uint64
	pending  map[uint64]pendingMutation
}

var _ Manager = (*RaftManager)(nil)
var _ raft.FSM = (*RaftManager)(nil)

type RaftManagerOption func(*RaftManager)

func WithApplyTimeout(d time.Duration) RaftManagerOption {
	return func(m *RaftManager) {
		m.applyTimeout = d
	}
}

func WithRaftMutationLogging(enabled bool) RaftManagerOption {
	return func(m *RaftManager) {
		m.mutationLogging = enabled
	}
}

func NewRaftManager(a *Automaton, opts ...RaftManagerOption) *RaftManager {
	m := &RaftManager{
		automaton:       a,
		notify:          make(chan bool, leadershipChanSize),
		restart:         make(chan struct{}, 1),
		log:             a.Logger(),
		applyTimeout:    defaultApplyTimeout,
		mutationLogging: true,
		pending:         make(map[uint64]pendingMutation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureRaft must be applied to the raft config before raft.NewRaft so
// leadership changes reach Run.
func (m *RaftManager) ConfigureRaft(c *raft.Config) {
	c.NotifyCh = m.notify
	// Submissions happen under the automaton lock, which the FSM also takes;
	// a buffered apply channel keeps the leader loop from waiting on it.
	c.BatchApplyCh = true
}

// Attach binds the raft instance built with this manager as its FSM.
func (m *RaftManager) Attach(r *raft.Raft) {
	m.raft = r
}

// Run follows leadership changes until ctx is done.
func (m *RaftManager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case leading := <-m.notify:
			if leading {
				m.startLeading(ctx)
			} else {
				m.stopLeading()
			}
		case <-m.restart:
			m.startLeading(ctx)
		}
	}
}

// startLeading waits for every entry of earlier terms to be applied before
// the parts see the node as leader. Entries applied after the barrier can
// only come from this node.
func (m *RaftManager) startLeading(ctx context.Context) {
	if m.raft == nil {
		return
	}
	for {
		if ctx.Err() != nil || m.raft.State() != raft.Leader {
			return
		}
		err := m.raft.Barrier(m.applyTimeout).Error()
		if err == nil {
			break
		}
		m.log.Warn("leader barrier failed", slog.Any("error", err))
	}

	m.automaton.Lock()
	defer m.automaton.Unlock()

	if m.leading {
		return
	}
	m.leading = true
	m.epoch = uuid.New()
	m.sequence = 0
	m.log.Info("started leading", slog.String("epoch", m.epoch.String()))
	m.automaton.StartLeading()
}

func (m *RaftManager) stopLeading() {
	m.automaton.Lock()
	defer m.automaton.Unlock()
	m.resignLocked(0, nil)
}

// resignLocked fails every pending mutation and stops leading. The mutation
// with sequence failed gets cause, the others ErrLeadershipLost.
func (m *RaftManager) resignLocked(failed uint64, cause error) {
	if !m.leading {
		return
	}
	m.leading = false
	for seq, p := range m.pending {
		err := errors.WithStack(kv.ErrLeadershipLost)
		if seq == failed && cause != nil {
			err = cause
		}
		p.future.resolve(err)
		delete(m.pending, seq)
	}
	m.log.Info("stopped leading", slog.String("epoch", m.epoch.String()))
	m.automaton.StopLeading()
}

func (m *RaftManager) IsLeader() bool {
	return m.leading
}

func (m *RaftManager) IsMutationLoggingEnabled() bool {
	return m.mutationLogging && !m.automaton.IsLoadingSnapshot()
}

func (m *RaftManager) CommitMutation(mutation *Mutation) *Future {
	if !m.leading || m.raft == nil {
		return ResolvedFuture(errors.WithStack(kv.ErrNotLeader))
	}
	m.sequence++
	seq := m.sequence
	env := &envelope{
		Type:     mutation.Type,
		Data:     mutation.Data,
		Epoch:    m.epoch,
		Sequence: seq,
	}
	p := pendingMutation{env: env, handler: mutation.Handler, future: newFuture()}
	m.pending[seq] = p

	applyFuture := m.raft.Apply(env.marshal(), m.applyTimeout)
	go m.watchApply(m.epoch, seq, applyFuture)
	return p.future
}

// watchApply restarts the leader epoch when raft refused a mutation. Lost
// leadership is left to stopLeading. On success the FSM resolves the
// mutation.
func (m *RaftManager) watchApply(epoch uuid.UUID, seq uint64, f raft.ApplyFuture) {
	err := f.Error()
	if err == nil || errors.Is(err, raft.ErrLeadershipLost) {
		return
	}
	m.automaton.Lock()
	defer m.automaton.Unlock()

	p, ok := m.pending[seq]
	if !ok || !m.leading || m.epoch != epoch {
		return
	}
	m.log.Warn("mutation was not committed, restarting leader epoch",
		slog.String("type", p.env.Type),
		slog.Uint64("sequence", seq),
		slog.Any("error", err),
	)
	m.resignLocked(seq, errors.WithStack(err))
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

func (m *RaftManager) Apply(l *raft.Log) interface{} {
	env, err := unmarshalEnvelope(l.Data)
	if err != nil {
		m.log.Error("failed to decode mutation", slog.Uint64("index", l.Index), slog.Any("error", err))
		return err
	}

	m.automaton.Lock()
	defer m.automaton.Unlock()

	var handler MutationHandler
	var future *Future
	if m.leading && env.Epoch == m.epoch {
		if p, ok := m.pending[env.Sequence]; ok {
			delete(m.pending, env.Sequence)
			handler = p.handler
			future = p.future
		}
	}

	err = m.automaton.ApplyMutation(&MutationContext{
		Type:     env.Type,
		Data:     env.Data,
		Sequence: l.Index,
	}, handler)
	if err != nil {
		m.log.Warn("mutation apply failed",
			slog.String("type", env.Type),
			slog.Uint64("index", l.Index),
			slog.Any("error", err),
		)
	}
	if future != nil {
		future.resolve(err)
	}
	return err
}

func (m *RaftManager) Snapshot() (raft.FSMSnapshot, error) {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	buf := &bytes.Buffer{}
	if err := m.automaton.SaveSnapshot(buf); err != nil {
		return nil, err
	}
	return &automatonSnapshot{buf}, nil
}

func (m *RaftManager) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	m.automaton.Lock()
	defer m.automaton.Unlock()
	return m.automaton.LoadSnapshot(rc)
}

var _ raft.FSMSnapshot = (*automatonSnapshot)(nil)

type automatonSnapshot struct {
	io.ReadWriter
}

func (s *automatonSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := io.Copy(sink, s); err != nil {
		_ = sink.Cancel()
		return errors.WithStack(err)
	}
	return errors.WithStack(sink.Close())
}

func (s *automatonSnapshot) Release() {
}
