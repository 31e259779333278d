package shld

import (
	"context"
	"fmt"
	"sync"
)

type watchedOutput struct {
	spend  SpendPublicKey
	view   ViewPublicKey
	amount Amount
}

// MockWallet is an in-memory Wallet for protocol tests, mirroring the
// teacher's htlcswitch/mock.go convention of a hand-written fake alongside
// the real implementation.
type MockWallet struct {
	mu sync.Mutex

	height    uint64
	transfers map[string]watchedOutput
	confirmed map[string]uint32
	loaded    map[[32]byte]uint64
	nextTxNum int
}

// NewMockWallet returns an empty MockWallet at the given starting height.
func NewMockWallet(height uint64) *MockWallet {
	return &MockWallet{
		height:    height,
		transfers: make(map[string]watchedOutput),
		confirmed: make(map[string]uint32),
		loaded:    make(map[[32]byte]uint64),
	}
}

// Transfer implements Wallet.
func (m *MockWallet) Transfer(_ context.Context, spend SpendPublicKey, view ViewPublicKey, amount Amount) (*TransferProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTxNum++
	txHash := fmt.Sprintf("mock-tx-%d", m.nextTxNum)
	m.transfers[txHash] = watchedOutput{spend: spend, view: view, amount: amount}
	m.confirmed[txHash] = 0

	var proof TransferProof
	proof.TxHash = txHash
	proof.TxKey[0] = byte(m.nextTxNum)
	return &proof, nil
}

// WatchForTransfer implements Wallet by checking the mock's in-memory
// transfer and confirmation-depth maps; MineBlocks advances confirmations.
func (m *MockWallet) WatchForTransfer(ctx context.Context, spend SpendPublicKey, view ViewPublicKey,
	proof *TransferProof, minAmount Amount, nConf uint32) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.transfers[proof.TxHash]
	if !ok {
		return fmt.Errorf("shld: unknown transfer %s", proof.TxHash)
	}
	if out.spend != spend || out.view != view {
		return fmt.Errorf("shld: transfer %s does not match requested address", proof.TxHash)
	}
	if m.confirmed[proof.TxHash] < nConf {
		return fmt.Errorf("shld: transfer %s not yet at %d confirmations", proof.TxHash, nConf)
	}
	if out.amount < minAmount {
		return &InsufficientFundsError{Expected: minAmount, Actual: out.amount}
	}
	return nil
}

// CreateAndLoadWalletForOutput implements Wallet.
func (m *MockWallet) CreateAndLoadWalletForOutput(_ context.Context, s [32]byte, _ [32]byte, restoreHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[s] = restoreHeight
	return nil
}

// BlockHeight implements Wallet.
func (m *MockWallet) BlockHeight(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// MineBlocks advances the mock chain height by n and confirms every
// pending transfer by the same amount, simulating new blocks for tests
// exercising confirmation-depth gating.
func (m *MockWallet) MineBlocks(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.height += uint64(n)
	for tx := range m.confirmed {
		m.confirmed[tx] += n
	}
}

// LoadedWallets returns a snapshot of spend keys loaded via
// CreateAndLoadWalletForOutput, for test assertions.
func (m *MockWallet) LoadedWallets() map[[32]byte]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[[32]byte]uint64, len(m.loaded))
	for k, v := range m.loaded {
		out[k] = v
	}
	return out
}
