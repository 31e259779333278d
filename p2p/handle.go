package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	swapwire "github.com/shieldswap/swapd/wire"
)

// deadlineConn is the subset of network.Stream that Handle needs to drive
// the execution-setup exchange; it is an interface rather than a concrete
// network.Stream so the loopback Handle pair built for tests (see mock.go)
// can supply an in-memory substitute.
type deadlineConn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// Handle is the event loop's handle to one swap's wire traffic: the
// execution-setup message exchange, plus the later transfer-proof and
// encrypted-signature sends/receives (spec.md §4.8). A *Handle satisfies
// both protocol/alice.Transport and protocol/bob.Transport.
type Handle struct {
	node   *Node
	peer   peer.ID
	swapID uuid.UUID

	setupConn deadlineConn

	// counterpart is set only by NewLoopback's in-memory pair, where
	// there is no Node to route M4/EncSig sends through.
	counterpart *Handle

	inboundM4     chan *swapwire.M4
	inboundEncSig chan *swapwire.EncSig
}

// Peer returns the swap counterparty's libp2p peer ID.
func (h *Handle) Peer() peer.ID { return h.peer }

// SwapID returns the swap ID this handle routes traffic for.
func (h *Handle) SwapID() uuid.UUID { return h.swapID }

// CloseSetupStream closes the underlying execution-setup stream. The
// execution-setup initiator and the inbound setup handler must each call
// this once M0..M3 has been fully exchanged; the handle remains valid and
// registered for the swap's later transfer-proof and encrypted-signature
// traffic.
func (h *Handle) CloseSetupStream() error {
	if h.setupConn == nil {
		return nil
	}
	return h.setupConn.Close()
}

// SendM0 writes A's swap proposal on the execution-setup stream.
func (h *Handle) SendM0(ctx context.Context, m0 *swapwire.M0) error {
	return h.writeSetup(ctx, m0)
}

// ReceiveM1 reads B's counter-proposal off the execution-setup stream.
func (h *Handle) ReceiveM1(ctx context.Context) (*swapwire.M1, error) {
	msg, err := h.readSetup(ctx)
	if err != nil {
		return nil, err
	}
	m1, ok := msg.(*swapwire.M1)
	if !ok {
		return nil, fmt.Errorf("p2p: expected M1, got %T", msg)
	}
	return m1, nil
}

// SendM2 writes A's TxCancel signature and encrypted refund share.
func (h *Handle) SendM2(ctx context.Context, m2 *swapwire.M2) error {
	return h.writeSetup(ctx, m2)
}

// ReceiveM3 reads B's TxCancel signature and TxLock outpoint.
func (h *Handle) ReceiveM3(ctx context.Context) (*swapwire.M3, error) {
	msg, err := h.readSetup(ctx)
	if err != nil {
		return nil, err
	}
	m3, ok := msg.(*swapwire.M3)
	if !ok {
		return nil, fmt.Errorf("p2p: expected M3, got %T", msg)
	}
	return m3, nil
}

// ReceiveM0 is unused by Node (inbound M0 is delivered as an argument to
// SetupHandlerFunc), but is exposed for the loopback pair in mock.go and
// for tests that drive a Handle directly.
func (h *Handle) ReceiveM0(ctx context.Context) (*swapwire.M0, error) {
	msg, err := h.readSetup(ctx)
	if err != nil {
		return nil, err
	}
	m0, ok := msg.(*swapwire.M0)
	if !ok {
		return nil, fmt.Errorf("p2p: expected M0, got %T", msg)
	}
	return m0, nil
}

// SendM1 writes B's counter-proposal on the execution-setup stream.
func (h *Handle) SendM1(ctx context.Context, m1 *swapwire.M1) error {
	return h.writeSetup(ctx, m1)
}

// ReceiveM2 reads A's TxCancel signature and encrypted refund share.
func (h *Handle) ReceiveM2(ctx context.Context) (*swapwire.M2, error) {
	msg, err := h.readSetup(ctx)
	if err != nil {
		return nil, err
	}
	m2, ok := msg.(*swapwire.M2)
	if !ok {
		return nil, fmt.Errorf("p2p: expected M2, got %T", msg)
	}
	return m2, nil
}

// SendM3 writes B's TxCancel signature and TxLock outpoint.
func (h *Handle) SendM3(ctx context.Context, m3 *swapwire.M3) error {
	return h.writeSetup(ctx, m3)
}

// SendM4 implements protocol/alice.Transport: it opens a fresh
// transfer-proof stream to B and blocks for his acknowledgement.
func (h *Handle) SendM4(ctx context.Context, m4 *swapwire.M4) error {
	if h.node == nil {
		return h.loopbackSendM4(ctx, m4)
	}
	return h.node.sendOnDemand(ctx, h.peer, ProtocolTransferProof, m4)
}

// ReceiveM4 implements protocol/bob.Transport: it blocks until a
// transfer-proof for this swap has been routed to this handle.
func (h *Handle) ReceiveM4(ctx context.Context) (*swapwire.M4, error) {
	select {
	case m4 := <-h.inboundM4:
		return m4, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendEncSig implements protocol/bob.Transport: it opens a fresh
// encrypted-signature stream to A and blocks for her acknowledgement.
func (h *Handle) SendEncSig(ctx context.Context, encSig *swapwire.EncSig) error {
	if h.node == nil {
		return h.loopbackSendEncSig(ctx, encSig)
	}
	return h.node.sendOnDemand(ctx, h.peer, ProtocolEncryptedSignature, encSig)
}

// ReceiveEncSig implements protocol/alice.Transport: it blocks until an
// encrypted-signature message for this swap has been routed to this
// handle.
func (h *Handle) ReceiveEncSig(ctx context.Context) (*swapwire.EncSig, error) {
	select {
	case encSig := <-h.inboundEncSig:
		return encSig, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) writeSetup(ctx context.Context, msg swapwire.Message) error {
	if h.setupConn == nil {
		return fmt.Errorf("p2p: execution-setup stream not open")
	}
	return withDeadline(ctx, h.setupConn, func() error {
		return writeFrame(h.setupConn, msg)
	})
}

func (h *Handle) readSetup(ctx context.Context) (swapwire.Message, error) {
	if h.setupConn == nil {
		return nil, fmt.Errorf("p2p: execution-setup stream not open")
	}
	var msg swapwire.Message
	err := withDeadline(ctx, h.setupConn, func() error {
		m, err := readFrame(h.setupConn)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	return msg, err
}

// withDeadline runs fn against conn, pushing conn's deadline to the
// current time if ctx is cancelled before fn returns so a blocked Read or
// Write unblocks immediately rather than leaking past the caller's
// context, mirroring the cancellation behavior net.Conn callers get for
// free but io.ReadWriteCloser streams do not.
func withDeadline(ctx context.Context, conn deadlineConn, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	return fn()
}
