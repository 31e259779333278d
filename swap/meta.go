package swap

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Role records which side of the swap protocol the local node played,
// mirroring original_source's split between an alice and a bob database:
// neither alice.State nor bob.State carries this on its own, since each
// already lives in a role-specific store, but Manager needs one combined
// index to resume swaps without knowing the role in advance.
type Role uint8

const (
	RoleAlice Role = iota
	RoleBob
)

func (r Role) String() string {
	switch r {
	case RoleAlice:
		return "alice"
	case RoleBob:
		return "bob"
	default:
		return "unknown"
	}
}

// metaRecord is the payload kept in Manager.meta, the one piece of
// bookkeeping neither alice.State nor bob.State persists: which libp2p
// peer to reach again after a restart, and which store to look the rest
// of the state up in.
type metaRecord struct {
	Role       Role   `cbor:"1,keyasint"`
	RemotePeer []byte `cbor:"2,keyasint"`
}

func encodeMeta(role Role, remote peer.ID) ([]byte, error) {
	rec := metaRecord{Role: role, RemotePeer: []byte(remote)}
	b, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("swap: encode meta record: %w", err)
	}
	return b, nil
}

func decodeMeta(b []byte) (Role, peer.ID, error) {
	var rec metaRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return 0, "", fmt.Errorf("swap: decode meta record: %w", err)
	}
	return rec.Role, peer.ID(rec.RemotePeer), nil
}

// putMeta writes swapID's role/peer record before any driver goroutine for
// it starts, per invariant I5 ("write state before acting on it").
func (m *Manager) putMeta(ctx context.Context, swapID uuid.UUID, role Role, remote peer.ID) error {
	b, err := encodeMeta(role, remote)
	if err != nil {
		return err
	}
	return m.meta.InsertLatestState(ctx, swapID, b)
}

func (m *Manager) getMeta(ctx context.Context, swapID uuid.UUID) (Role, peer.ID, error) {
	b, err := m.meta.GetState(ctx, swapID)
	if err != nil {
		return 0, "", err
	}
	return decodeMeta(b)
}
