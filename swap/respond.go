package swap

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shieldswap/swapd/handshake"
	"github.com/shieldswap/swapd/p2p"
	"github.com/shieldswap/swapd/protocol/bob"
	swapwire "github.com/shieldswap/swapd/wire"
)

// handleIncomingSetup answers an inbound execution-setup stream as the
// Bitcoin seller: it drives the M0..M3 exchange on handle and, once the
// counterparties have agreed on a lock output, hands off to a fresh
// bob.Driver (spec.md §4.1, §4.8). It runs on the goroutine p2p.Node
// spawned for this stream.
func (m *Manager) handleIncomingSetup(ctx context.Context, remote peer.ID, handle *p2p.Handle, m0 *swapwire.M0) {
	h := handshake.NewBobHandshake(m.wallet, m.defaults.Net)

	m1, err := h.ProcessM0(ctx, m0)
	if err != nil {
		log.Errorf("swap: reject inbound setup from %s: %v", remote, err)
		handle.CloseSetupStream()
		return
	}

	if err := handle.SendM1(ctx, m1); err != nil {
		log.Errorf("swap: send M1 to %s: %v", remote, err)
		handle.CloseSetupStream()
		return
	}

	m2, err := handle.ReceiveM2(ctx)
	if err != nil {
		log.Errorf("swap: receive M2 from %s: %v", remote, err)
		handle.CloseSetupStream()
		return
	}

	m3, err := h.ProcessM2(ctx, m2)
	if err != nil {
		log.Errorf("swap: process M2 from %s: %v", remote, err)
		handle.CloseSetupStream()
		return
	}

	if err := handle.SendM3(ctx, m3); err != nil {
		log.Errorf("swap: send M3 to %s: %v", remote, err)
		handle.CloseSetupStream()
		return
	}
	handle.CloseSetupStream()

	driver, err := bob.NewDriver(h, m.wallet, m.shldWallet, m.bobStore, handle)
	if err != nil {
		log.Errorf("swap: build bob driver for %s: %v", remote, err)
		return
	}
	if m.defaults.PollInterval > 0 {
		driver.SetPollInterval(m.defaults.PollInterval)
	}

	swapID := h.SwapID()
	if err := m.putMeta(ctx, swapID, RoleBob, remote); err != nil {
		log.Errorf("swap %s: persist metadata: %v", swapID, err)
		return
	}

	m.registerBob(swapID, driver)
	m.runBob(context.Background(), swapID, driver)
}
