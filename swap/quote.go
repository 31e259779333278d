package swap

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shieldswap/swapd/rate"
	swapwire "github.com/shieldswap/swapd/wire"
)

// handleQuoteRequest answers an inbound quote request with the rate
// Manager is currently configured to sell at, clamped by what its Bitcoin
// wallet can actually give away (spec.md §3, original_source's
// max-giveable check, rate.MaxBuyable).
func (m *Manager) handleQuoteRequest(ctx context.Context, remote peer.ID, req *swapwire.QuoteRequest) (*swapwire.QuoteResponse, error) {
	maxGiveable, err := m.wallet.SpendableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("swap: quote for %s: spendable balance: %w", remote, err)
	}

	maxBuyable := rate.MaxBuyable(maxGiveable)

	shldAmount, ok := m.rate.Quote(maxBuyable)
	if !ok {
		return nil, fmt.Errorf("swap: quote for %s: rate overflowed", remote)
	}

	return &swapwire.QuoteResponse{
		AskPerCoin:   int64(m.rate.AskPerCoin),
		MaxBtcAmount: uint64(maxBuyable),
		ShldAmount:   shldAmount,
	}, nil
}
