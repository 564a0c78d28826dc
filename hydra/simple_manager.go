package hydra

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/bootjp/tabletnode/kv"
)

type pendingMutation struct {
	env     *envelope
	handler MutationHandler
	future  *Future
}

// SimpleManager delivers mutations in process: inline on its own automaton
// and then, byte for byte, on every follower automaton. It is used by tests
// and single-process setups.
type SimpleManager struct {
	automaton *Automaton
	followers []*Automaton

	leader          bool
	epoch           uuid.UUID
	sequence        uint64
	mutationLogging bool

	holdPending bool
	pending     []pendingMutation
	recorded    [][]byte
}

var _ Manager = (*SimpleManager)(nil)

type SimpleManagerOption func(*SimpleManager)

func WithMutationLogging(enabled bool) SimpleManagerOption {
	return func(m *SimpleManager) {
		m.mutationLogging = enabled
	}
}

// NewSimpleManager returns a manager that is not leading yet.
func NewSimpleManager(a *Automaton, opts ...SimpleManagerOption) *SimpleManager {
	m := &SimpleManager{
		automaton:       a,
		epoch:           uuid.New(),
		mutationLogging: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *SimpleManager) AddFollower(a *Automaton) {
	m.followers = append(m.followers, a)
}

// SetLeader toggles leadership. It takes the automaton lock.
func (m *SimpleManager) SetLeader(leading bool) {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	if leading == m.leader {
		return
	}
	m.leader = leading
	if leading {
		m.epoch = uuid.New()
		m.automaton.StartLeading()
		return
	}
	for _, p := range m.pending {
		p.future.resolve(errors.WithStack(kv.ErrLeadershipLost))
	}
	m.pending = nil
	m.automaton.StopLeading()
}

// HoldPending makes CommitMutation queue mutations until ApplyPending.
func (m *SimpleManager) HoldPending(hold bool) {
	m.holdPending = hold
}

func (m *SimpleManager) IsLeader() bool {
	return m.leader
}

func (m *SimpleManager) IsMutationLoggingEnabled() bool {
	return m.mutationLogging && !m.automaton.IsLoadingSnapshot()
}

func (m *SimpleManager) CommitMutation(mutation *Mutation) *Future {
	if !m.leader {
		return ResolvedFuture(errors.WithStack(kv.ErrNotLeader))
	}
	m.sequence++
	env := &envelope{
		Type:     mutation.Type,
		Data:     mutation.Data,
		Epoch:    m.epoch,
		Sequence: m.sequence,
	}
	p := pendingMutation{env: env, handler: mutation.Handler, future: newFuture()}
	if m.holdPending {
		m.pending = append(m.pending, p)
		return p.future
	}
	m.apply(p)
	return p.future
}

// ApplyPending delivers queued mutations. It takes the automaton lock.
func (m *SimpleManager) ApplyPending() {
	m.automaton.Lock()
	defer m.automaton.Unlock()

	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		m.apply(p)
	}
}

func (m *SimpleManager) apply(p pendingMutation) {
	raw := p.env.marshal()
	m.recorded = append(m.recorded, raw)

	err := m.automaton.ApplyMutation(&MutationContext{
		Type:     p.env.Type,
		Data:     p.env.Data,
		Sequence: p.env.Sequence,
	}, p.handler)

	for _, f := range m.followers {
		applyOnFollower(f, raw)
	}
	p.future.resolve(err)
}

func applyOnFollower(a *Automaton, raw []byte) {
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "recorded mutation does not decode"))
	}
	a.Lock()
	defer a.Unlock()
	if err := a.ApplyMutation(&MutationContext{Type: env.Type, Data: env.Data, Sequence: env.Sequence}, nil); err != nil {
		a.Logger().Error("follower mutation failed",
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
	}
}

// RecordedMutations returns the encoded log entries delivered so far.
func (m *SimpleManager) RecordedMutations() [][]byte {
	return append([][]byte(nil), m.recorded...)
}

// Replay delivers recorded log entries to an automaton as a follower would
// receive them.
func Replay(a *Automaton, recorded [][]byte) {
	for _, raw := range recorded {
		applyOnFollower(a, raw)
	}
}
