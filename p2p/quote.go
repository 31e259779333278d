package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	swapwire "github.com/shieldswap/swapd/wire"
)

// RequestQuote sends a quote request to remote on `/quote/1.0.0` and
// blocks for the response. Callers wanting a bounded wait should pass a
// context with a deadline; there is no implicit retry at this layer
// (spec.md §4.8).
func (n *Node) RequestQuote(ctx context.Context, remote peer.ID, req *swapwire.QuoteRequest) (*swapwire.QuoteResponse, error) {
	s, err := n.host.NewStream(ctx, remote, ProtocolQuote)
	if err != nil {
		return nil, fmt.Errorf("p2p: open quote stream to %s: %w", remote, err)
	}
	defer s.Close()

	var resp *swapwire.QuoteResponse
	err = withDeadline(ctx, s, func() error {
		if err := writeFrame(s, req); err != nil {
			return fmt.Errorf("p2p: write quote request: %w", err)
		}
		msg, err := readFrame(s)
		if err != nil {
			return fmt.Errorf("p2p: read quote response: %w", err)
		}
		r, ok := msg.(*swapwire.QuoteResponse)
		if !ok {
			return fmt.Errorf("p2p: unexpected reply type %T to quote request", msg)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
