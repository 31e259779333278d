package chainclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MockWallet is an in-memory BtcWallet for protocol tests, mirroring the
// teacher's htlcswitch/mock.go convention of a hand-written fake alongside
// the real implementation rather than a generated one.
type MockWallet struct {
	mu sync.Mutex

	height       uint32
	feeRate      btcutil.Amount
	utxos        []Utxo
	broadcast    map[chainhash.Hash]*wire.MsgTx
	confirmedAt  map[chainhash.Hash]uint32
	spentBy      map[wire.OutPoint]*wire.MsgTx
	changeScript []byte
}

// NewMockWallet returns a MockWallet seeded with utxos spendable
// immediately and the given flat fee rate.
func NewMockWallet(utxos []Utxo, feeRate btcutil.Amount) *MockWallet {
	return &MockWallet{
		height:       1,
		feeRate:      feeRate,
		utxos:        utxos,
		broadcast:    make(map[chainhash.Hash]*wire.MsgTx),
		confirmedAt:  make(map[chainhash.Hash]uint32),
		spentBy:      make(map[wire.OutPoint]*wire.MsgTx),
		changeScript: []byte{0x00, 0x14}, // placeholder P2WPKH-shaped script
	}
}

// NewSwapKey implements BtcWallet.
func (m *MockWallet) NewSwapKey(_ context.Context) (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// SpendableBalance implements BtcWallet by summing the mock's seeded utxos.
func (m *MockWallet) SpendableBalance(_ context.Context) (btcutil.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total btcutil.Amount
	for _, u := range m.utxos {
		total += u.Value
	}
	return total, nil
}

// FundingUtxos implements BtcWallet.
func (m *MockWallet) FundingUtxos(_ context.Context, amount btcutil.Amount) ([]Utxo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var selected []Utxo
	var total btcutil.Amount
	for _, u := range m.utxos {
		selected = append(selected, u)
		total += u.Value
		if total >= amount {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("chainclient: insufficient funds: have %d, need %d", total, amount)
}

// ChangeScript implements BtcWallet.
func (m *MockWallet) ChangeScript(_ context.Context) ([]byte, error) {
	return m.changeScript, nil
}

// SignFundingInput implements BtcWallet. The mock doesn't sign real
// scripts; it records a placeholder so callers can assert it was called.
func (m *MockWallet) SignFundingInput(_ context.Context, tx *wire.MsgTx, idx int, _ Utxo) error {
	if idx >= len(tx.TxIn) {
		return fmt.Errorf("chainclient: input index %d out of range", idx)
	}
	tx.TxIn[idx].Witness = wire.TxWitness{[]byte("mock-sig")}
	return nil
}

// Broadcast implements BtcWallet, immediately "confirming" the
// transaction at the wallet's current height plus one.
func (m *MockWallet) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txid := tx.TxHash()
	m.broadcast[txid] = tx.Copy()
	m.confirmedAt[txid] = m.height + 1
	for _, in := range tx.TxIn {
		m.spentBy[in.PreviousOutPoint] = tx.Copy()
	}
	return nil
}

// WatchForSpend implements BtcWallet.
func (m *MockWallet) WatchForSpend(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.spentBy[outpoint]
	if !ok {
		return nil, ErrSpendNotFound
	}
	return tx, nil
}

// GetTransaction implements BtcWallet.
func (m *MockWallet) GetTransaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.broadcast[txid]
	if !ok {
		return nil, fmt.Errorf("chainclient: unknown transaction %s", txid)
	}
	return tx, nil
}

// BlockHeight implements BtcWallet.
func (m *MockWallet) BlockHeight(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// ConfirmationHeight implements BtcWallet.
func (m *MockWallet) ConfirmationHeight(_ context.Context, txid chainhash.Hash) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	height, ok := m.confirmedAt[txid]
	return height, ok, nil
}

// FeeRatePerKvB implements BtcWallet.
func (m *MockWallet) FeeRatePerKvB(_ context.Context, _ uint32) (btcutil.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeRate, nil
}

// SetFeeRate changes the flat fee rate FeeRatePerKvB returns, letting tests
// simulate a wallet's fee estimate shifting between calls.
func (m *MockWallet) SetFeeRate(feeRate btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = feeRate
}

// WaitForConfirmation implements BtcWallet by checking the mock's own
// in-memory confirmation map; MineBlocks advances the chain height tests
// use to simulate confirmations arriving.
func (m *MockWallet) WaitForConfirmation(ctx context.Context, txid chainhash.Hash, minConfs uint32) (uint32, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	m.mu.Lock()
	confirmedHeight, ok := m.confirmedAt[txid]
	height := m.height
	m.mu.Unlock()

	if ok && height-confirmedHeight+1 >= minConfs {
		return confirmedHeight, nil
	}
	return 0, fmt.Errorf("chainclient: %s not yet at %d confirmations", txid, minConfs)
}

// MineBlocks advances the mock chain's height by n, simulating new blocks
// for tests exercising timelock expiry.
func (m *MockWallet) MineBlocks(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}
