package p2p

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	swapwire "github.com/shieldswap/swapd/wire"
)

// NewLoopback builds a pair of Handles wired directly together in memory,
// with no libp2p host or network involved, mirroring the teacher's
// htlcswitch/mock.go convention of shipping a lightweight fake transport
// alongside the real one. The first return value plays A's role, the
// second B's.
func NewLoopback(swapID uuid.UUID) (a, b *Handle) {
	aConn, bConn := newPipePair()

	a = &Handle{
		peer:          peer.ID("bob-loopback"),
		swapID:        swapID,
		setupConn:     aConn,
		inboundM4:     make(chan *swapwire.M4, 1),
		inboundEncSig: make(chan *swapwire.EncSig, 1),
	}
	b = &Handle{
		peer:          peer.ID("alice-loopback"),
		swapID:        swapID,
		setupConn:     bConn,
		inboundM4:     make(chan *swapwire.M4, 1),
		inboundEncSig: make(chan *swapwire.EncSig, 1),
	}
	a.counterpart = b
	b.counterpart = a
	return a, b
}

func (h *Handle) loopbackSendM4(ctx context.Context, m4 *swapwire.M4) error {
	select {
	case h.counterpart.inboundM4 <- m4:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) loopbackSendEncSig(ctx context.Context, encSig *swapwire.EncSig) error {
	select {
	case h.counterpart.inboundEncSig <- encSig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pipeConn adapts a pair of io.Pipe halves into the deadlineConn Handle
// needs for its execution-setup exchange. Deadlines are a no-op: there is
// no real I/O below an io.Pipe to interrupt, so loopback tests must always
// write before the other side blocks reading.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}
func (p *pipeConn) SetDeadline(time.Time) error { return nil }

func newPipePair() (*pipeConn, *pipeConn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeConn{r: ar, w: bw}, &pipeConn{r: br, w: aw}
}
