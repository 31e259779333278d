package p2p

import (
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateIdentity reads a libp2p private key from path, generating a
// fresh Ed25519 identity and persisting it there if the file does not yet
// exist. The identity is the host's network-level peer ID, independent of
// any swap's Bitcoin or shielded-chain keys.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("p2p: read identity file %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("p2p: generate identity: %w", err)
	}

	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal identity: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("p2p: persist identity file %s: %w", path, err)
	}
	return priv, nil
}
