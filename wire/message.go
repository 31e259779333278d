// Package wire defines the swap handshake's on-the-wire messages (M0-M4)
// and their CBOR encoding (spec.md §4.1, §6).
//
// The message-type/dispatch shape mirrors the teacher's lnwire package
// (MessageType enum, a Message interface, and a ReadMessage dispatcher
// keyed off a 2-byte type prefix). Message here has only MsgType: the
// payload encoding itself is CBOR rather than lnwire's bespoke binary format, since
// the swap protocol's messages are irregular structs of scalars, points,
// and proofs rather than a fixed TLV channel-update stream.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies a swap handshake message.
type MessageType uint16

// The five handshake messages exchanged while setting up a swap's on-chain
// leg (spec.md §4.1): M0 and M1 exchange each party's shielded spend-key
// half and its cross-curve DLEQ proof; M2 and M3 exchange the BTC
// signatures needed to build TxCancel, plus A's encrypted TxRefund
// signature share; M4 carries A's proof that her shielded-chain transfer
// has been broadcast. MsgEncSig travels on its own protocol
// (`/encrypted-signature/1.0.0`, spec.md §6) after execution setup: B must
// not hand A the means to redeem TxLock until he has independently
// verified her shielded transfer (spec.md §4.5 steps 4-5), so it cannot
// ride along in M3.
const (
	MsgM0     MessageType = 0
	MsgM1     MessageType = 1
	MsgM2     MessageType = 2
	MsgM3     MessageType = 3
	MsgM4     MessageType = 4
	MsgEncSig MessageType = 5

	// MsgQuoteRequest and MsgQuoteResponse travel on `/quote/1.0.0`, ahead
	// of and independent from the M0..M4/EncSig handshake (spec.md §6).
	MsgQuoteRequest  MessageType = 6
	MsgQuoteResponse MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MsgM0:
		return "M0"
	case MsgM1:
		return "M1"
	case MsgM2:
		return "M2"
	case MsgM3:
		return "M3"
	case MsgM4:
		return "M4"
	case MsgEncSig:
		return "EncSig"
	case MsgQuoteRequest:
		return "QuoteRequest"
	case MsgQuoteResponse:
		return "QuoteResponse"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Message is a handshake message that knows its own wire type and how to
// round-trip through CBOR.
type Message interface {
	MsgType() MessageType
}

// UnknownMessageError is returned by ReadMessage when the type prefix does
// not match any known message.
type UnknownMessageError struct {
	Type MessageType
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("wire: unknown message type %v", e.Type)
}

var encMode, decMode = mustModes()

func mustModes() (cbor.EncMode, cbor.DecMode) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("wire: bad cbor encode options: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: bad cbor decode options: " + err.Error())
	}
	return enc, dec
}

// WriteMessage writes msg's 2-byte big-endian type prefix followed by its
// CBOR-encoded payload.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal %v: %w", msg.MsgType(), err)
	}

	var prefix [2]byte
	prefix[0] = byte(msg.MsgType() >> 8)
	prefix[1] = byte(msg.MsgType())

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads a 2-byte type prefix and CBOR payload from r and
// decodes it into the matching concrete Message type.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msgType := MessageType(uint16(prefix[0])<<8 | uint16(prefix[1]))

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return decodeMessage(msgType, payload)
}

// DecodeMessage is ReadMessage's non-streaming counterpart, used when a
// transport layer (e.g. p2p's libp2p streams) already delivers whole
// framed messages.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("wire: message too short: %d bytes", len(buf))
	}
	msgType := MessageType(uint16(buf[0])<<8 | uint16(buf[1]))
	return decodeMessage(msgType, buf[2:])
}

func decodeMessage(msgType MessageType, payload []byte) (Message, error) {
	var msg Message
	switch msgType {
	case MsgM0:
		msg = &M0{}
	case MsgM1:
		msg = &M1{}
	case MsgM2:
		msg = &M2{}
	case MsgM3:
		msg = &M3{}
	case MsgM4:
		msg = &M4{}
	case MsgEncSig:
		msg = &EncSig{}
	case MsgQuoteRequest:
		msg = &QuoteRequest{}
	case MsgQuoteResponse:
		msg = &QuoteResponse{}
	default:
		return nil, &UnknownMessageError{Type: msgType}
	}

	if err := decMode.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("wire: unmarshal %v: %w", msgType, err)
	}
	return msg, nil
}

// EncodeMessage is WriteMessage's non-streaming counterpart.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
