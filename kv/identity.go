package kv

import "context"

const (
	RootUserName       = "root"
	ReplicatorUserName = "replicator"
)

// AuthenticationIdentity is the user a write is attributed to. Writes issued
// by the replicator are fenced off from user writes on the same tablet.
type AuthenticationIdentity struct {
	User    string
	UserTag string
}

var RootIdentity = AuthenticationIdentity{User: RootUserName, UserTag: RootUserName}

func (i AuthenticationIdentity) IsReplicator() bool {
	return i.User == ReplicatorUserName
}

// ProfilingUser is the label used by write and commit counters.
func (i AuthenticationIdentity) ProfilingUser() string {
	if i.UserTag != "" {
		return i.UserTag
	}
	return i.User
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity AuthenticationIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext falls back to root when the caller did not authenticate.
func IdentityFromContext(ctx context.Context) AuthenticationIdentity {
	if identity, ok := ctx.Value(identityKey{}).(AuthenticationIdentity); ok {
		return identity
	}
	return RootIdentity
}
