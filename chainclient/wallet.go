// Package chainclient defines the Bitcoin-side wallet capability the swap
// protocol depends on (spec.md §4.3, component C4) and provides two
// implementations: a neutrino/btcwallet-backed one for production use, and
// an in-memory mock for tests — the same split the teacher draws between
// lnwallet's wallet controller interfaces and htlcswitch/mock.go's
// hand-written fakes.
package chainclient

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is a spendable wallet output, the unit BtcWallet hands out for
// funding TxLock.
type Utxo struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
}

// BtcWallet is the capability surface the swap protocol needs from a
// Bitcoin wallet: enough to fund TxLock, sign and broadcast the swap's
// transaction set, and track chain height for epoch derivation (spec.md
// §4.2, §4.3). It deliberately excludes general wallet management
// (address book, coin selection policy, etc.) — those stay behind the
// implementation.
type BtcWallet interface {
	// SpendableBalance returns the wallet's total confirmed, unspent
	// balance, used to clamp a quote to what the wallet can actually give
	// away before a lock output and its anticipated fee are subtracted
	// (rate.MaxBuyable, spec.md §3, original_source's max-giveable check).
	SpendableBalance(ctx context.Context) (btcutil.Amount, error)

	// NewSwapKey returns a fresh keypair for use as one of the swap's
	// single-purpose roles (swap multisig key, refund key, punish key,
	// redeem key) — never reused across swaps.
	NewSwapKey(ctx context.Context) (*btcec.PrivateKey, error)

	// FundingUtxos selects wallet outputs worth at least amount, suitable
	// as TxLock's inputs. No fee headroom is added; callers include it in
	// amount.
	FundingUtxos(ctx context.Context, amount btcutil.Amount) ([]Utxo, error)

	// ChangeScript returns a fresh pkScript for TxLock's change output.
	ChangeScript(ctx context.Context) ([]byte, error)

	// SignFundingInput signs input idx of tx as a wallet-owned funding
	// input (not part of the swap's 2-of-2 script).
	SignFundingInput(ctx context.Context, tx *wire.MsgTx, idx int, utxo Utxo) error

	// Broadcast relays tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// GetTransaction fetches a transaction the wallet is watching (its
	// own funding inputs or an explicitly registered outpoint) by hash.
	GetTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// BlockHeight returns the wallet's current best-known block height.
	BlockHeight(ctx context.Context) (uint32, error)

	// ConfirmationHeight returns the height at which txid first confirmed
	// and true, or false if it is unknown or still unconfirmed.
	ConfirmationHeight(ctx context.Context, txid chainhash.Hash) (uint32, bool, error)

	// WaitForConfirmation reports whether txid has at least minConfs
	// confirmations, returning the height at which it confirmed, or an
	// error if it is unknown or not yet that deep. A single call does not
	// block or retry; callers poll on a retry schedule of their own.
	WaitForConfirmation(ctx context.Context, txid chainhash.Hash, minConfs uint32) (uint32, error)

	// FeeRatePerKvB estimates a fee rate, in satoshi per kilo-vbyte,
	// targeting confirmation within confTarget blocks.
	FeeRatePerKvB(ctx context.Context, confTarget uint32) (btcutil.Amount, error)

	// WatchForSpend reports the transaction spending outpoint, if one has
	// been seen, or ErrSpendNotFound otherwise. Unlike GetTransaction, the
	// caller need not know the spending transaction's id in advance — this
	// is how a swap party notices the counterparty's cancellation-path
	// transaction (TxRefund spending TxCancel, TxRedeem spending TxLock)
	// without having built it themselves. Like WaitForConfirmation, a
	// single call does not block; callers poll on a retry schedule of
	// their own.
	WatchForSpend(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error)
}

// ErrSpendNotFound is returned by WatchForSpend when outpoint has not yet
// been observed spent.
var ErrSpendNotFound = errors.New("chainclient: spend not found")
