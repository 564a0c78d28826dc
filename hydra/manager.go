package hydra

// Manager submits mutations to the log. CommitMutation is called with the
// automaton lock held and never waits for the mutation to apply.
type Manager interface {
	CommitMutation(m *Mutation) *Future
	IsLeader() bool
	IsMutationLoggingEnabled() bool
}
