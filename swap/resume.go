package swap

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shieldswap/swapd/protocol/alice"
	"github.com/shieldswap/swapd/protocol/bob"
)

// ResumeAll rebuilds and restarts every swap that was still in flight when
// the process last exited, using Manager.meta to recover which role and
// which libp2p peer each swap ID belongs to (spec.md §3 "Resuming";
// original_source's database::all() plus its asb/cli startup resume loop).
// It is meant to run once, during daemon startup, before the transport
// starts accepting new inbound connections.
func (m *Manager) ResumeAll(ctx context.Context) error {
	aliceStates, err := m.aliceStore.All(ctx)
	if err != nil {
		return fmt.Errorf("swap: load alice states: %w", err)
	}
	for swapID, blob := range aliceStates {
		if err := m.resumeAlice(ctx, swapID, blob); err != nil {
			log.Errorf("swap %s: resume as alice: %v", swapID, err)
		}
	}

	bobStates, err := m.bobStore.All(ctx)
	if err != nil {
		return fmt.Errorf("swap: load bob states: %w", err)
	}
	for swapID, blob := range bobStates {
		if err := m.resumeBob(ctx, swapID, blob); err != nil {
			log.Errorf("swap %s: resume as bob: %v", swapID, err)
		}
	}

	return nil
}

func (m *Manager) resumeAlice(ctx context.Context, swapID uuid.UUID, blob []byte) error {
	state, err := alice.Decode(blob)
	if err != nil {
		return err
	}
	if state.Status.IsFinal() {
		return nil
	}

	_, remote, err := m.getMeta(ctx, swapID)
	if err != nil {
		return fmt.Errorf("look up remote peer: %w", err)
	}

	handle := m.node.ResumeHandle(remote, swapID)
	driver := alice.Resume(state, m.wallet, m.shldWallet, m.aliceStore, handle)
	if m.defaults.PollInterval > 0 {
		driver.SetPollInterval(m.defaults.PollInterval)
	}
	m.registerAlice(swapID, driver)
	m.runAlice(context.Background(), swapID, driver)
	return nil
}

func (m *Manager) resumeBob(ctx context.Context, swapID uuid.UUID, blob []byte) error {
	state, err := bob.Decode(blob)
	if err != nil {
		return err
	}
	if state.Status.IsFinal() {
		return nil
	}

	_, remote, err := m.getMeta(ctx, swapID)
	if err != nil {
		return fmt.Errorf("look up remote peer: %w", err)
	}

	handle := m.node.ResumeHandle(remote, swapID)
	driver := bob.Resume(state, m.wallet, m.shldWallet, m.bobStore, handle)
	if m.defaults.PollInterval > 0 {
		driver.SetPollInterval(m.defaults.PollInterval)
	}
	m.registerBob(swapID, driver)
	m.runBob(context.Background(), swapID, driver)
	return nil
}
