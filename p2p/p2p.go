// Package p2p is the event-loop driver (spec.md §4.8): it owns a libp2p
// host and multiplexes the four named protocols the swap wire format
// travels over (spec.md §6) into typed sends and receives exposed through
// a per-swap Handle. It plays the role the teacher's htlcswitch.Switch
// plays for HTLCs: a single messaging bus shared by every concurrently
// running swap, here keyed by swap ID rather than channel point.
//
// Package p2p takes its message shapes from the wire package and does not
// depend on handshake. It imports protocol/alice and protocol/bob only for
// the compile-time assertions in transport.go that a *Handle satisfies
// both protocol/alice.Transport and protocol/bob.Transport; neither of
// those packages imports p2p.
package p2p

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	swapwire "github.com/shieldswap/swapd/wire"
)

// The four named protocols a swap's messages travel over (spec.md §6).
const (
	ProtocolQuote              protocol.ID = "/quote/1.0.0"
	ProtocolExecutionSetup     protocol.ID = "/execution-setup/1.0.0"
	ProtocolTransferProof      protocol.ID = "/transfer-proof/1.0.0"
	ProtocolEncryptedSignature protocol.ID = "/encrypted-signature/1.0.0"
)

// maxFrameSize bounds a single CBOR-encoded message read off a stream.
// Every message this protocol carries is a fixed handful of scalars,
// points, and a signed Bitcoin transaction; nothing approaches this.
const maxFrameSize = 1 << 20

const (
	ackOK byte = 0x01
	ackNo byte = 0x00
)

// QuoteHandlerFunc answers an inbound quote request (spec.md §3,
// original_source/swap/src/bin/swap_cli.rs's max-giveable clamp).
type QuoteHandlerFunc func(ctx context.Context, remote peer.ID, req *swapwire.QuoteRequest) (*swapwire.QuoteResponse, error)

// SetupHandlerFunc is invoked once per inbound execution-setup stream,
// after its first message (M0) has been read off the wire. The handler
// owns handle for the rest of that swap's execution-setup exchange and,
// later, its transfer-proof and encrypted-signature traffic.
type SetupHandlerFunc func(ctx context.Context, remote peer.ID, handle *Handle, m0 *swapwire.M0)

// Node multiplexes every concurrently running swap's wire traffic over one
// libp2p host, mirroring htlcswitch.Switch's role as the "central
// messaging bus" shared by every active link (here: swap).
type Node struct {
	host host.Host

	quoteHandler QuoteHandlerFunc
	setupHandler SetupHandlerFunc

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// New wraps h, registering stream handlers for all four protocols. The
// quote and execution-setup handlers are no-ops (inbound streams are
// refused) until SetQuoteHandler/SetSetupHandler are called.
func New(h host.Host) *Node {
	n := &Node{
		host:    h,
		handles: make(map[uuid.UUID]*Handle),
	}
	h.SetStreamHandler(ProtocolQuote, n.handleQuoteStream)
	h.SetStreamHandler(ProtocolExecutionSetup, n.handleSetupStream)
	h.SetStreamHandler(ProtocolTransferProof, n.handleTransferProofStream)
	h.SetStreamHandler(ProtocolEncryptedSignature, n.handleEncSigStream)
	return n
}

// Host returns the underlying libp2p host, e.g. to dial or to read this
// node's own listen addresses.
func (n *Node) Host() host.Host { return n.host }

// Close shuts down the underlying libp2p host.
func (n *Node) Close() error { return n.host.Close() }

// SetQuoteHandler installs the function that answers inbound quote
// requests. It must be called before the node starts accepting
// connections from counterparties that will request quotes.
func (n *Node) SetQuoteHandler(f QuoteHandlerFunc) { n.quoteHandler = f }

// SetSetupHandler installs the function invoked for each inbound
// execution-setup stream.
func (n *Node) SetSetupHandler(f SetupHandlerFunc) { n.setupHandler = f }

// OpenHandle opens a new execution-setup stream to remote and returns a
// Handle for driving that swap's whole wire lifecycle: M0..M3 over this
// stream, and later M4/EncSig traffic over streams the Handle opens or
// receives on demand. The caller (the execution-setup initiator, A) owns
// the handle and must call CloseSetupStream once M3 has been exchanged.
func (n *Node) OpenHandle(ctx context.Context, remote peer.ID, swapID uuid.UUID) (*Handle, error) {
	s, err := n.host.NewStream(ctx, remote, ProtocolExecutionSetup)
	if err != nil {
		return nil, fmt.Errorf("p2p: open execution-setup stream to %s: %w", remote, err)
	}
	h := n.registerHandle(remote, swapID)
	h.setupConn = s
	return h, nil
}

// ResumeHandle rebuilds a Handle for a swap whose execution-setup exchange
// already completed in a previous process lifetime: there is no stream to
// reopen, only the transfer-proof/encrypted-signature routing a resumed
// protocol/alice or protocol/bob Driver still needs from its Transport.
func (n *Node) ResumeHandle(remote peer.ID, swapID uuid.UUID) *Handle {
	return n.registerHandle(remote, swapID)
}

// Forget stops routing transfer-proof and encrypted-signature traffic for
// swapID. The caller (typically the top-level swap driver) must call this
// once a swap reaches a final status.
func (n *Node) Forget(swapID uuid.UUID) {
	n.mu.Lock()
	delete(n.handles, swapID)
	n.mu.Unlock()
}

func (n *Node) registerHandle(remote peer.ID, swapID uuid.UUID) *Handle {
	h := &Handle{
		node:          n,
		peer:          remote,
		swapID:        swapID,
		inboundM4:     make(chan *swapwire.M4, 1),
		inboundEncSig: make(chan *swapwire.EncSig, 1),
	}
	n.mu.Lock()
	n.handles[swapID] = h
	n.mu.Unlock()
	return h
}

func (n *Node) handleQuoteStream(s network.Stream) {
	defer s.Close()

	msg, err := readFrame(s)
	if err != nil {
		return
	}
	req, ok := msg.(*swapwire.QuoteRequest)
	if !ok || n.quoteHandler == nil {
		return
	}

	resp, err := n.quoteHandler(context.Background(), s.Conn().RemotePeer(), req)
	if err != nil {
		return
	}
	_ = writeFrame(s, resp)
}

func (n *Node) handleSetupStream(s network.Stream) {
	msg, err := readFrame(s)
	if err != nil {
		s.Close()
		return
	}
	m0, ok := msg.(*swapwire.M0)
	if !ok || n.setupHandler == nil {
		s.Close()
		return
	}

	h := n.registerHandle(s.Conn().RemotePeer(), uuid.UUID(m0.SwapID))
	h.setupConn = s
	go n.setupHandler(context.Background(), s.Conn().RemotePeer(), h, m0)
}

func (n *Node) handleTransferProofStream(s network.Stream) {
	defer s.Close()
	msg, err := readFrame(s)
	if err != nil {
		return
	}
	m4, ok := msg.(*swapwire.M4)
	if !ok {
		return
	}

	n.mu.Lock()
	h, ok := n.handles[uuid.UUID(m4.SwapID)]
	n.mu.Unlock()
	if !ok {
		s.Write([]byte{ackNo})
		return
	}

	select {
	case h.inboundM4 <- m4:
		s.Write([]byte{ackOK})
	default:
		s.Write([]byte{ackNo})
	}
}

func (n *Node) handleEncSigStream(s network.Stream) {
	defer s.Close()
	msg, err := readFrame(s)
	if err != nil {
		return
	}
	encSig, ok := msg.(*swapwire.EncSig)
	if !ok {
		return
	}

	n.mu.Lock()
	h, ok := n.handles[uuid.UUID(encSig.SwapID)]
	n.mu.Unlock()
	if !ok {
		s.Write([]byte{ackNo})
		return
	}

	select {
	case h.inboundEncSig <- encSig:
		s.Write([]byte{ackOK})
	default:
		s.Write([]byte{ackNo})
	}
}

// RequestQuote opens a quote stream to remote, sends req, and returns the
// peer's answer. Unlike sendOnDemand's single ack byte, the quote protocol's
// reply is itself a message, so RequestQuote reads a full frame back rather
// than an ack.
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
			return fmt.Errorf("p2p: expected QuoteResponse, got %T", msg)
		}
		resp = r
		return nil
	})
	return resp, err
}

// sendOnDemand opens a fresh stream to remote on pid, writes msg, and
// blocks for a single acknowledgement byte. Used for the transfer-proof
// and encrypted-signature protocols, which are single-shot rather than
// the execution-setup protocol's persistent four-message exchange.
func (n *Node) sendOnDemand(ctx context.Context, remote peer.ID, pid protocol.ID, msg swapwire.Message) error {
	s, err := n.host.NewStream(ctx, remote, pid)
	if err != nil {
		return fmt.Errorf("p2p: open %s stream to %s: %w", pid, remote, err)
	}
	defer s.Close()

	return withDeadline(ctx, s, func() error {
		if err := writeFrame(s, msg); err != nil {
			return fmt.Errorf("p2p: write %s: %w", pid, err)
		}
		var ack [1]byte
		if _, err := io.ReadFull(s, ack[:]); err != nil {
			return fmt.Errorf("p2p: await %s ack: %w", pid, err)
		}
		if ack[0] != ackOK {
			return fmt.Errorf("p2p: %s rejected by peer", pid)
		}
		return nil
	})
}

func writeFrame(w io.Writer, msg swapwire.Message) error {
	payload, err := swapwire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("p2p: encoded message too large: %d bytes", len(payload))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (swapwire.Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("p2p: peer announced oversized frame: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return swapwire.DecodeMessage(buf)
}
