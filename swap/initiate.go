package swap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/protocol/alice"
)

// Initiate starts a new swap as the Bitcoin buyer: it opens an
// execution-setup stream to remote, drives the M0..M3 handshake exchange,
// and hands the agreed parameters off to a fresh alice.Driver (spec.md
// §4.1, §4.8). It returns once the driver has been registered and started;
// the swap itself continues running in the background.
func (m *Manager) Initiate(ctx context.Context, remote peer.ID, btcAmount btcutil.Amount, shldAmount uint64) (uuid.UUID, error) {
	swapID := uuid.New()
	params := m.handshakeParams(btcAmount, shldAmount)

	h, m0, err := handshake.NewAliceHandshake(swapID, m.wallet, params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("swap: build alice handshake: %w", err)
	}

	handle, err := m.node.OpenHandle(ctx, remote, swapID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("swap: open execution-setup stream: %w", err)
	}

	if err := handle.SendM0(ctx, m0); err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: send M0: %w", err)
	}

	m1, err := handle.ReceiveM1(ctx)
	if err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: receive M1: %w", err)
	}

	m2, err := h.ProcessM1(ctx, m1)
	if err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: process M1: %w", err)
	}

	if err := handle.SendM2(ctx, m2); err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: send M2: %w", err)
	}

	m3, err := handle.ReceiveM3(ctx)
	if err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: receive M3: %w", err)
	}

	if err := h.ProcessM3(m3); err != nil {
		handle.CloseSetupStream()
		return uuid.Nil, fmt.Errorf("swap: process M3: %w", err)
	}
	handle.CloseSetupStream()

	driver, err := alice.NewDriver(h, m.wallet, m.shldWallet, m.aliceStore, handle)
	if err != nil {
		return uuid.Nil, fmt.Errorf("swap: build alice driver: %w", err)
	}
	if m.defaults.PollInterval > 0 {
		driver.SetPollInterval(m.defaults.PollInterval)
	}

	if err := m.putMeta(ctx, swapID, RoleAlice, remote); err != nil {
		return uuid.Nil, fmt.Errorf("swap: persist swap metadata: %w", err)
	}

	m.registerAlice(swapID, driver)
	m.runAlice(context.Background(), swapID, driver)
	return swapID, nil
}
