// Package shld defines the shielded-chain wallet capability the swap
// protocol depends on (spec.md §4.3, component C3): enough to transfer
// funds to a one-time address, watch for an incoming transfer without
// holding the destination wallet's keys, load a wallet for a recovered
// one-time output, and read the chain's tip height.
package shld

import (
	"context"
	"fmt"
)

// Amount is a quantity of the shielded chain's atomic unit (piconero-
// equivalent), mirroring jude.rs's Amount newtype.
type Amount uint64

// TransferProof is evidence a transfer was broadcast: the transaction hash
// plus the one-time transaction key, which lets a third party who knows
// the destination's view key confirm the transfer without holding its
// spend key (spec.md §6, "transfer proof").
type TransferProof struct {
	TxHash string
	TxKey  [32]byte
}

// InsufficientFundsError reports that a watched output's observed amount
// fell short of what was expected.
type InsufficientFundsError struct {
	Expected Amount
	Actual   Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("shld: insufficient funds: expected %d, got %d", e.Expected, e.Actual)
}

// SpendPublicKey and ViewPublicKey are the two halves of a shielded-chain
// address, each a 32-byte group element over the chain's embedded curve.
type SpendPublicKey [32]byte
type ViewPublicKey [32]byte

// Wallet is the capability surface the swap protocol needs from a
// shielded-chain wallet (spec.md §4.3).
type Wallet interface {
	// Transfer sends amount to the address formed from (spend, view),
	// returning proof of the broadcast transaction.
	Transfer(ctx context.Context, spend SpendPublicKey, view ViewPublicKey, amount Amount) (*TransferProof, error)

	// WatchForTransfer blocks, retrying with bounded backoff, until a
	// transfer matching proof to the address formed from (spend, view) is
	// visible on chain with at least nConf confirmations and amount at
	// least minAmount. It returns *InsufficientFundsError if the matched
	// transfer's amount falls short.
	WatchForTransfer(ctx context.Context, spend SpendPublicKey, view ViewPublicKey,
		proof *TransferProof, minAmount Amount, nConf uint32) error

	// CreateAndLoadWalletForOutput opens (creating if necessary) a wallet
	// for the one-time output spendable with spend key s and view key v,
	// rescanning from restoreHeight.
	CreateAndLoadWalletForOutput(ctx context.Context, s [32]byte, v [32]byte, restoreHeight uint64) error

	// BlockHeight returns the shielded chain's current tip height.
	BlockHeight(ctx context.Context) (uint64, error)
}
