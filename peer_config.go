package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
)

type peerSpec struct {
	id      string
	address string
}

const splitParts = 2

var (
	ErrAddressRequired                   = errors.New("address is required")
	ErrNoBootstrapMembersConfigured      = errors.New("no bootstrap members configured")
	ErrBootstrapMembersMissingLocalNode  = errors.New("bootstrap members do not include the local node")
	ErrBootstrapMembersLocalAddrMismatch = errors.New("bootstrap member address does not match the local address")
)

// parseRaftPeers reads "id=address" pairs separated by commas.
func parseRaftPeers(raw string) ([]peerSpec, error) {
	parts := strings.Split(raw, ",")
	peers := make([]peerSpec, 0, len(parts))
	seen := map[string]struct{}{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", splitParts)
		if len(kv) != splitParts {
			return nil, errors.WithStack(errors.Newf("invalid raft_peers entry: %q", part))
		}
		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])
		if id == "" || addr == "" {
			return nil, errors.WithStack(errors.Newf("invalid raft_peers entry: %q", part))
		}
		if _, ok := seen[id]; ok {
			return nil, errors.WithStack(errors.Newf("duplicate peer id %q", id))
		}
		seen[id] = struct{}{}
		peers = append(peers, peerSpec{id: id, address: addr})
	}
	if len(peers) == 0 {
		return nil, ErrNoBootstrapMembersConfigured
	}
	return peers, nil
}

// resolveBootstrapServers returns the voters to bootstrap the cell with. A
// nil result with no error means there is nothing to bootstrap (bootstrap
// disabled) or the node bootstraps itself alone (no peers given).
func resolveBootstrapServers(raftID, address string, bootstrap bool, rawPeers string) ([]raft.Server, error) {
	if !bootstrap || rawPeers == "" {
		return nil, nil
	}
	peers, err := parseRaftPeers(rawPeers)
	if err != nil {
		return nil, err
	}

	servers := make([]raft.Server, 0, len(peers))
	local := false
	for _, p := range peers {
		if p.id == raftID {
			if p.address != address {
				return nil, errors.Wrapf(ErrBootstrapMembersLocalAddrMismatch,
					"peer %s has address %s, local address is %s", p.id, p.address, address)
			}
			local = true
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.id),
			Address:  raft.ServerAddress(p.address),
		})
	}
	if !local {
		return nil, errors.Wrapf(ErrBootstrapMembersMissingLocalNode, "node %s", raftID)
	}
	return servers, nil
}

// bootstrapConfiguration falls back to a single-voter cell made of the local
// node.
func bootstrapConfiguration(raftID, address string, servers []raft.Server) raft.Configuration {
	if len(servers) == 0 {
		servers = []raft.Server{{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(raftID),
			Address:  raft.ServerAddress(address),
		}}
	}
	return raft.Configuration{Servers: servers}
}
